package transfer

import (
	"strings"
	"unicode"
)

type exitOutcome int

const (
	exitNone exitOutcome = iota
	// exitBack abandons the current goal and returns to the one below it.
	exitBack
	// exitEnd closes the whole conversation.
	exitEnd
)

// Back phrases are checked first so "回到上一步" is not swallowed by a
// session-end phrase.
var backHints = []string{
	"返回",
	"回去",
	"上一步",
	"回到刚才",
	"继续刚才",
	"不要了",
	"算了",
	"go back",
	"take me back",
	"previous step",
	"never mind",
	"nevermind",
}

var endHints = []string{
	"退出",
	"结束对话",
	"结束",
	"再见",
	"拜拜",
	"不聊了",
	"到此为止",
	"exit",
	"quit",
	"goodbye",
	"bye bye",
	"end the session",
	"that's all",
	"we're done",
}

func matchExit(text string) exitOutcome {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return exitNone
	}
	if containsAnyPhrase(t, backHints) {
		return exitBack
	}
	if containsAnyPhrase(t, endHints) {
		return exitEnd
	}
	return exitNone
}

func containsAnyPhrase(text string, hints []string) bool {
	for _, h := range hints {
		if containsPhrase(text, strings.ToLower(h)) {
			return true
		}
	}
	return false
}

// Han phrases have no word delimiters and match by substring; latin phrases
// match on word boundaries so "quit" does not fire inside "quite".
func containsPhrase(text, phrase string) bool {
	if hasHan(phrase) {
		return strings.Contains(text, phrase)
	}
	padded := " " + punctReplacer.Replace(text) + " "
	return strings.Contains(padded, " "+phrase+" ")
}

var punctReplacer = strings.NewReplacer(
	",", " ", ".", " ", "!", " ", "?", " ", ";", " ", ":", " ",
	"，", " ", "。", " ", "！", " ", "？", " ", "；", " ", "：", " ",
)

func hasHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
