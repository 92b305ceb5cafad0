package inherit

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// TransformFunc reshapes a single slot value before it is written to the
// target slot. Pure functions only; no I/O, no clock.
type TransformFunc func(value any) (any, error)

type Transforms struct {
	mu  sync.RWMutex
	fns map[string]TransformFunc
}

func NewTransforms() *Transforms {
	t := &Transforms{fns: make(map[string]TransformFunc)}
	t.Register("normalize_phone", normalizePhone)
	t.Register("canonical_city", canonicalCity)
	t.Register("title_name", titleName)
	t.Register("normalize_date", normalizeDate)
	return t
}

func (t *Transforms) Register(name string, fn TransformFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fns[name] = fn
}

func (t *Transforms) Apply(name string, value any) (any, error) {
	t.mu.RLock()
	fn, ok := t.fns[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", name)
	}
	return fn(value)
}

func (t *Transforms) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.fns))
	for name := range t.fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Mainland mobile numbers normalize to +86 form; anything else keeps its
// digits and leading plus.
func normalizePhone(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}

	var b strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return nil, fmt.Errorf("no digits in phone value %q", s)
	}
	if len(digits) == 11 && digits[0] == '1' {
		return "+86" + digits, nil
	}
	if strings.HasPrefix(digits, "86") && len(digits) == 13 {
		return "+" + digits, nil
	}
	return digits, nil
}

var cityAliases = map[string]string{
	"北京":        "北京",
	"北京市":       "北京",
	"beijing":   "北京",
	"peking":    "北京",
	"上海":        "上海",
	"上海市":       "上海",
	"shanghai":  "上海",
	"广州":        "广州",
	"广州市":       "广州",
	"guangzhou": "广州",
	"深圳":        "深圳",
	"深圳市":       "深圳",
	"shenzhen":  "深圳",
	"杭州":        "杭州",
	"杭州市":       "杭州",
	"hangzhou":  "杭州",
	"成都":        "成都",
	"成都市":       "成都",
	"chengdu":   "成都",
	"重庆":        "重庆",
	"chongqing": "重庆",
	"武汉":        "武汉",
	"wuhan":     "武汉",
	"西安":        "西安",
	"xian":      "西安",
	"xi'an":     "西安",
	"南京":        "南京",
	"nanjing":   "南京",
	"香港":        "香港",
	"hongkong":  "香港",
	"hong kong": "香港",
}

// Unknown cities pass through trimmed; the alias table only canonicalizes
// the spellings we have seen in traffic.
func canonicalCity(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	trimmed := strings.TrimSpace(s)
	if canonical, ok := cityAliases[strings.ToLower(trimmed)]; ok {
		return canonical, nil
	}
	return trimmed, nil
}

func titleName(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}

	words := strings.Fields(strings.TrimSpace(s))
	for i, w := range words {
		runes := []rune(w)
		if len(runes) == 0 || !unicode.IsLetter(runes[0]) || runes[0] > unicode.MaxASCII {
			continue
		}
		runes[0] = unicode.ToUpper(runes[0])
		for j := 1; j < len(runes); j++ {
			runes[j] = unicode.ToLower(runes[j])
		}
		words[i] = string(runes)
	}
	return strings.Join(words, " "), nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006/1/2",
	"2006.01.02",
	"2006年01月02日",
	"2006年1月2日",
	time.RFC3339,
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"01/02/2006",
}

func normalizeDate(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	trimmed := strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return nil, fmt.Errorf("unrecognized date value %q", s)
}
