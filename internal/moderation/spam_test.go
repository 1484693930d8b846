package moderation

import "testing"

func TestCheck_SpamPatterns(t *testing.T) {
	f := NewFilterWithTerms(nil)

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"http url", "check http://example.com/x out", true, "url"},
		{"https url", "https://evil.ru", true, "url"},
		{"www url", "visit www.example.com please", true, "url"},
		{"bare domain with path", "example.com/promo", true, "url"},
		{"bare domain without path", "i work at example.com sometimes", false, ""},
		{"version string", "we run v2.0 now", false, ""},
		{"decimal number", "pi is 3.14 roughly", false, ""},
		{"dashed phone", "call +1-555-123-4567 tonight", true, "phone"},
		{"parenthesized phone", "(555) 123-4567", true, "phone"},
		{"dotted phone", "555.123.4567", true, "phone"},
		{"short number", "i scored 100 points", false, ""},
		{"char flood", "heyyyyy there", true, "char_flood"},
		{"four repeats pass", "heyyyy there", false, ""},
		{"word flood", "buy buy buy now", true, "word_flood"},
		{"word flood case insensitive", "Buy BUY buy", true, "word_flood"},
		{"two repeats pass", "very very nice", false, ""},
		{"clean message", "hello, how are you today?", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked {
				if result.Reason != ReasonSpamPattern {
					t.Errorf("Check(%q).Reason = %q, want %q", tt.input, result.Reason, ReasonSpamPattern)
				}
				if result.Term != tt.term {
					t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
				}
			}
		})
	}
}
