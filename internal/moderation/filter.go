// Package moderation screens chat text before relay. Anonymity is the
// product: the filter blocks contact details and links that would let a
// stranger reach someone outside the chat, alongside slurs and harassment
// phrases. Checks run synchronously in the message path, so everything here
// is allocation-light and safe for concurrent use.
package moderation

import "strings"

// FilterResult reports the outcome of a Check call. A zero value means the
// text passed.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}

// Reasons carried on blocking results.
const (
	ReasonBlockedKeyword = "blocked_keyword"
	ReasonSpamPattern    = "spam_pattern"
)

// Filter holds the blocked term sets. Single words are matched per token,
// phrases as consecutive token runs. Both are matched against the raw
// tokens and against a leetspeak-normalized rendering.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
}

// defaultTerms is the built-in blocklist: harassment phrases, exploitation
// terms, and scam bait. Operators extend it with NewFilterWithTerms.
var defaultTerms = []string{
	"nigger",
	"faggot",
	"kill yourself",
	"go die",
	"child porn",
	"send nudes",
	"heil hitler",
	"bomb threat",
	"free bitcoin",
	"free crypto",
}

// NewFilter creates a Filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a Filter from the given terms. Multi-word terms
// become phrase matches. Empty and whitespace-only terms are dropped.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		parts := strings.Fields(term)
		if len(parts) == 1 {
			f.words[term] = struct{}{}
		} else {
			f.phrases = append(f.phrases, parts)
		}
	}
	return f
}

// Check screens text against the blocklist and the spam patterns. The first
// failing check wins.
func (f *Filter) Check(text string) FilterResult {
	plain := tokenizePlain(text)
	if result := f.checkTokens(plain); result.Blocked {
		return result
	}

	// Second pass with leetspeak substitutions undone, so "b@dw0rd" is
	// caught when "badword" is blocked.
	leet := tokenizeLeet(text)
	normalized := make([]string, len(leet))
	for i, tok := range leet {
		normalized[i] = normalizeLeet(tok)
	}
	if result := f.checkTokens(normalized); result.Blocked {
		return result
	}

	return f.checkSpamPatterns(text)
}

// CheckInterests returns the interests that pass the blocklist, preserving
// order. Blocked entries are dropped silently.
func (f *Filter) CheckInterests(interests []string) []string {
	var clean []string
	for _, interest := range interests {
		if !f.Check(interest).Blocked {
			clean = append(clean, interest)
		}
	}
	return clean
}

func (f *Filter) checkTokens(tokens []string) FilterResult {
	for i, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: tok}
		}
		for _, phrase := range f.phrases {
			if matchesPhraseAt(tokens, i, phrase) {
				return FilterResult{
					Blocked: true,
					Reason:  ReasonBlockedKeyword,
					Term:    strings.Join(phrase, " "),
				}
			}
		}
	}
	return FilterResult{}
}

// matchesPhraseAt reports whether phrase occupies consecutive token
// positions starting at i.
func matchesPhraseAt(tokens []string, i int, phrase []string) bool {
	if i+len(phrase) > len(tokens) {
		return false
	}
	for j, want := range phrase {
		if tokens[i+j] != want {
			return false
		}
	}
	return true
}

// tokenizePlain lowercases text and splits on anything that is not a letter
// or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isLetterOrDigit(r)
	})
}

// tokenizeLeet splits on whitespace only, keeping substitution characters
// like "@" and "$" inside tokens for normalizeLeet to rewrite.
func tokenizeLeet(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// normalizeLeet undoes the common single-character substitutions.
func normalizeLeet(token string) string {
	replacer := strings.NewReplacer(
		"@", "a",
		"0", "o",
		"3", "e",
		"1", "i",
		"!", "i",
		"$", "s",
	)
	return replacer.Replace(token)
}

func isLetterOrDigit(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
}
