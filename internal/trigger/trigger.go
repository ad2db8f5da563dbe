// Package trigger decides whether an inbound message is addressed to the bot
// and produces the cleaned text forwarded to the backend.
//
// Direct chats are always eligible. Group messages must mention the bot by
// name or number, or start with a command prefix.
package trigger

import (
	"regexp"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
)

// Skip reasons, logged at debug level by the caller.
const (
	ReasonEmpty        = "empty"
	ReasonSelf         = "self"
	ReasonNotMentioned = "not_mentioned"
	ReasonNoText       = "no_text_after_cleanup"
)

// Rules configures group triggering. Matching is case-insensitive.
type Rules struct {
	BotNames        []string // "yesbank bot" matches "@yesbank bot"
	NumberFallbacks []string // "65559051915364" matches "@65559051915364"
	CommandPrefixes []string // "/bot", "!bot"
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Accept   bool
	Text     string // cleaned text; may be empty for image messages
	Language string // "hi" or "en"
	Reason   string // set when Accept is false
}

var mentionRe = regexp.MustCompile(`@\S+`)

// Engine evaluates inbound messages against a fixed rule set.
// Zero-value-safe and immutable, so one Engine can be shared across goroutines.
type Engine struct {
	names    []string // lowercased, longest first
	numbers  []string
	commands []string
	nameRe   *regexp.Regexp // "@name" alternatives, nil when no names configured
	numberRe *regexp.Regexp
}

// New compiles rules into an Engine.
func New(r Rules) *Engine {
	e := &Engine{
		names:    normalize(r.BotNames),
		numbers:  normalize(r.NumberFallbacks),
		commands: normalize(r.CommandPrefixes),
	}
	// Longest names first so "@yes bank bot" is not cut short by "@yes".
	sort.SliceStable(e.names, func(i, j int) bool { return len(e.names[i]) > len(e.names[j]) })
	sort.SliceStable(e.commands, func(i, j int) bool { return len(e.commands[i]) > len(e.commands[j]) })

	e.nameRe = mentionPattern(e.names)
	e.numberRe = mentionPattern(e.numbers)
	return e
}

// mentionPattern matches "@item" for any item, case-insensitively. An item
// ending in an ASCII word character must end at a word boundary, so
// "@yesbank bot" does not match inside "@yesbank botanist".
func mentionPattern(items []string) *regexp.Regexp {
	if len(items) == 0 {
		return nil
	}
	alts := make([]string, len(items))
	for i, n := range items {
		alts[i] = regexp.QuoteMeta(n)
		if isASCIIWord(n[len(n)-1]) {
			alts[i] += `\b`
		}
	}
	return regexp.MustCompile(`(?i)@(?:` + strings.Join(alts, "|") + `)`)
}

func isASCIIWord(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// Evaluate applies the trigger rules to msg.
func (e *Engine) Evaluate(msg bus.InboundMessage) Decision {
	body := msg.Content
	if strings.TrimSpace(body) == "" && !msg.HasImage() {
		return Decision{Reason: ReasonEmpty}
	}
	if msg.FromSelf {
		return Decision{Reason: ReasonSelf}
	}

	if msg.IsGroup && !e.Triggered(body) {
		return Decision{Reason: ReasonNotMentioned}
	}

	clean := e.Clean(body)
	if clean == "" && !msg.HasImage() {
		return Decision{Reason: ReasonNoText}
	}
	return Decision{Accept: true, Text: clean, Language: DetectLanguage(clean)}
}

// Triggered reports whether a group message body addresses the bot.
func (e *Engine) Triggered(body string) bool {
	if e.nameRe != nil && e.nameRe.MatchString(body) {
		return true
	}
	if e.numberRe != nil && e.numberRe.MatchString(body) {
		return true
	}
	lower := strings.ToLower(body)
	for _, c := range e.commands {
		if strings.HasPrefix(lower, c) {
			return true
		}
	}
	return false
}

// Clean removes mentions and a leading command prefix, then trims whitespace.
func (e *Engine) Clean(body string) string {
	s := body
	if e.nameRe != nil {
		s = e.nameRe.ReplaceAllString(s, "")
	}
	s = mentionRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)

	for _, c := range e.commands {
		if len(s) >= len(c) && strings.EqualFold(s[:len(c)], c) {
			s = s[len(c):]
			break
		}
	}
	return strings.TrimSpace(s)
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		v = strings.TrimPrefix(v, "@")
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
