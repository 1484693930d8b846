package moderation

import "testing"

func TestCheck_BlockedWord(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "offensive"})

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"exact match", "badword", true, "badword"},
		{"in sentence", "this is badword here", true, "badword"},
		{"case insensitive", "BADWORD", true, "badword"},
		{"mixed case", "BaDwOrD", true, "badword"},
		{"with punctuation", "hello, badword!", true, "badword"},
		{"clean message", "hello world", false, ""},
		{"longer word passes", "badwording is fine", false, ""},
		{"substring passes", "mybadword", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
			if tt.blocked && result.Reason != ReasonBlockedKeyword {
				t.Errorf("Check(%q).Reason = %q, want %q", tt.input, result.Reason, ReasonBlockedKeyword)
			}
		})
	}
}

func TestCheck_BlockedPhrase(t *testing.T) {
	f := NewFilterWithTerms([]string{"kill yourself", "go die"})

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"exact phrase", "kill yourself", true, "kill yourself"},
		{"phrase in sentence", "you should kill yourself now", true, "kill yourself"},
		{"case insensitive", "KILL YOURSELF", true, "kill yourself"},
		{"different word passes", "kill yourselves", false, ""},
		{"words apart pass", "kill and yourself", false, ""},
		{"second phrase", "go die already", true, "go die"},
		{"clean message", "i love this chat", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
		})
	}
}

func TestCheck_Leetspeak(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "offensive"})

	inputs := []string{"b@dw0rd", "b@dword", "off3n$ive", "offens1ve", "offens!ve", "0ff3n$!v3"}
	for _, input := range inputs {
		if result := f.Check(input); !result.Blocked {
			t.Errorf("Check(%q) passed, want blocked", input)
		}
	}
}

func TestCheck_CleanMessages(t *testing.T) {
	f := NewFilter()

	messages := []string{
		"hello, how are you?",
		"nice weather today",
		"what are your hobbies?",
		"do you like music?",
		"what class are you in?",
		"the grape harvest was great",
		"",
	}

	for _, msg := range messages {
		if result := f.Check(msg); result.Blocked {
			t.Errorf("Check(%q) blocked (term=%q), want clean", msg, result.Term)
		}
	}
}

func TestCheck_DefaultBlocklist(t *testing.T) {
	f := NewFilter()

	for _, term := range []string{"kill yourself", "send nudes", "free bitcoin"} {
		if result := f.Check(term); !result.Blocked {
			t.Errorf("Check(%q) passed, want blocked", term)
		}
	}
}

func TestCheckInterests(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword"})

	clean := f.CheckInterests([]string{"music", "badword", "movies"})
	if len(clean) != 2 || clean[0] != "music" || clean[1] != "movies" {
		t.Errorf("unexpected clean interests: %v", clean)
	}

	if got := f.CheckInterests(nil); len(got) != 0 {
		t.Errorf("CheckInterests(nil) = %v, want empty", got)
	}
}

func TestNewFilterWithTerms_DropsBlanks(t *testing.T) {
	f := NewFilterWithTerms([]string{"", "  ", "valid"})

	if _, ok := f.words["valid"]; !ok {
		t.Error("expected 'valid' in the word set")
	}
	if len(f.words) != 1 {
		t.Errorf("expected 1 word, got %d", len(f.words))
	}
}

func TestNormalizeLeet(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"h3ll0", "hello"},
		{"$h!t", "shit"},
		{"ch@ng3", "change"},
	}

	for _, tt := range tests {
		if got := normalizeLeet(tt.input); got != tt.want {
			t.Errorf("normalizeLeet(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
