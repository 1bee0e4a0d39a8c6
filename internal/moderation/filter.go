// Package moderation screens group message content before it is stored.
// Keyword and phrase blocklists are optional; flood detection is always on.
// Link and phone-number blocking is opt-in because group chats routinely
// share both.
package moderation

import (
	"strings"
	"unicode"
)

// Result is the outcome of Check. The zero value means the text is allowed.
type Result struct {
	Blocked bool
	Reason  string // "blocked_keyword" | "spam_pattern"
	Term    string // the matched term or spam check name
}

const (
	ReasonKeyword = "blocked_keyword"
	ReasonSpam    = "spam_pattern"
)

// Filter is safe for concurrent use once constructed.
type Filter struct {
	words   map[string]struct{}
	phrases []string
	checks  []spamCheck
}

// Option configures a Filter.
type Option func(*Filter)

// WithTerms adds blocklist entries. Single words match whole tokens only;
// entries containing spaces match as phrases on token boundaries.
func WithTerms(terms []string) Option {
	return func(f *Filter) {
		for _, t := range terms {
			t = strings.ToLower(strings.TrimSpace(t))
			if t == "" {
				continue
			}
			if strings.ContainsRune(t, ' ') {
				f.phrases = append(f.phrases, strings.Join(strings.Fields(t), " "))
				continue
			}
			f.words[t] = struct{}{}
		}
	}
}

// WithLinkBlocking rejects messages containing URLs or phone numbers.
func WithLinkBlocking() Option {
	return func(f *Filter) {
		f.checks = append(append([]spamCheck{}, linkChecks...), f.checks...)
	}
}

// NewFilter returns a filter with flood detection enabled.
func NewFilter(opts ...Option) *Filter {
	f := &Filter{
		words:  make(map[string]struct{}),
		checks: append([]spamCheck{}, floodChecks...),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Check runs the blocklist first, then the spam checks in order.
func (f *Filter) Check(text string) Result {
	if r := f.checkTerms(text); r.Blocked {
		return r
	}
	return f.checkSpamPatterns(text)
}

func (f *Filter) checkTerms(text string) Result {
	if len(f.words) == 0 && len(f.phrases) == 0 {
		return Result{}
	}
	tokens := tokenize(text)
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return Result{Blocked: true, Reason: ReasonKeyword, Term: tok}
		}
	}
	if len(f.phrases) > 0 {
		joined := " " + strings.Join(tokens, " ") + " "
		for _, p := range f.phrases {
			if strings.Contains(joined, " "+p+" ") {
				return Result{Blocked: true, Reason: ReasonKeyword, Term: p}
			}
		}
	}
	return Result{}
}

// tokenize lowercases text and splits it on anything that is not a letter,
// digit or apostrophe.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
