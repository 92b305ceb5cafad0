package inherit

import "testing"

func TestNormalizePhone(t *testing.T) {
	tr := NewTransforms()
	cases := []struct {
		in   string
		want string
	}{
		{"138 0013 8000", "+8613800138000"},
		{"138-0013-8000", "+8613800138000"},
		{"+86 138 0013 8000", "+8613800138000"},
		{"021-5555-0100", "02155550100"},
	}
	for _, tc := range cases {
		got, err := tr.Apply("normalize_phone", tc.in)
		if err != nil {
			t.Fatalf("normalize_phone(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("normalize_phone(%q)=%v, want %s", tc.in, got, tc.want)
		}
	}
	if _, err := tr.Apply("normalize_phone", "call me maybe"); err == nil {
		t.Fatal("digitless input accepted")
	}
}

func TestCanonicalCity(t *testing.T) {
	tr := NewTransforms()
	cases := []struct {
		in   string
		want string
	}{
		{"beijing", "北京"},
		{"Peking", "北京"},
		{"北京市", "北京"},
		{"shanghai", "上海"},
		{" 上海市 ", "上海"},
		{"Rotterdam", "Rotterdam"},
	}
	for _, tc := range cases {
		got, err := tr.Apply("canonical_city", tc.in)
		if err != nil {
			t.Fatalf("canonical_city(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("canonical_city(%q)=%v, want %s", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeDate(t *testing.T) {
	tr := NewTransforms()
	cases := []struct {
		in   string
		want string
	}{
		{"2025-03-01", "2025-03-01"},
		{"2025/3/1", "2025-03-01"},
		{"03/01/2025", "2025-03-01"},
		{"2025年3月1日", "2025-03-01"},
		{"Mar 1, 2025", "2025-03-01"},
	}
	for _, tc := range cases {
		got, err := tr.Apply("normalize_date", tc.in)
		if err != nil {
			t.Fatalf("normalize_date(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("normalize_date(%q)=%v, want %s", tc.in, got, tc.want)
		}
	}
	if _, err := tr.Apply("normalize_date", "next thursday-ish"); err == nil {
		t.Fatal("unparseable date accepted")
	}
}

func TestTitleName(t *testing.T) {
	tr := NewTransforms()
	got, err := tr.Apply("title_name", "ada lovelace")
	if err != nil {
		t.Fatalf("title_name: %v", err)
	}
	if got != "Ada Lovelace" {
		t.Fatalf("title_name=%v, want Ada Lovelace", got)
	}
	// Non-ASCII names pass through untouched.
	got, err = tr.Apply("title_name", "王小明")
	if err != nil {
		t.Fatalf("title_name: %v", err)
	}
	if got != "王小明" {
		t.Fatalf("title_name=%v, want 王小明", got)
	}
}

func TestUnknownTransform(t *testing.T) {
	tr := NewTransforms()
	if _, err := tr.Apply("reverse_polarity", "x"); err == nil {
		t.Fatal("unknown transform accepted")
	}
}

func TestRegisterTransform(t *testing.T) {
	tr := NewTransforms()
	tr.Register("shout", func(v any) (any, error) { return "HEY", nil })
	got, err := tr.Apply("shout", "hey")
	if err != nil {
		t.Fatalf("shout: %v", err)
	}
	if got != "HEY" {
		t.Fatalf("shout=%v, want HEY", got)
	}
}
