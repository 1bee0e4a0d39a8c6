package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	img := []Attachment{{URL: "https://cdn.example/a.png", MimeType: "image/png"}}

	tests := []struct {
		name        string
		content     string
		attachments []Attachment
		wantErr     bool
	}{
		{"plain text", "hello", nil, false},
		{"attachment only", "", img, false},
		{"whitespace only", "   ", nil, true},
		{"empty", "", nil, true},
		{"too many bytes", strings.Repeat("a", MaxContentBytes+1), nil, true},
		{"too many chars", strings.Repeat("é", MaxContentChars+1), nil, true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), nil, true},
		{"bad attachment scheme", "x", []Attachment{{URL: "ftp://a/b"}}, true},
		{"empty attachment url", "x", []Attachment{{}}, true},
		{"too many attachments", "x", make([]Attachment, MaxAttachments+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.content, tt.attachments)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateMessage() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsValidation(err) {
				t.Errorf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestValidateEmoji(t *testing.T) {
	for _, ok := range []string{"👍", ":+1:", "❤️"} {
		if err := ValidateEmoji(ok); err != nil {
			t.Errorf("ValidateEmoji(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "a b", strings.Repeat("x", MaxEmojiBytes+1)} {
		if err := ValidateEmoji(bad); err == nil {
			t.Errorf("ValidateEmoji(%q) = nil, want error", bad)
		}
	}
}

func TestMessageHelpers(t *testing.T) {
	m := Message{
		ReadBy:    []string{"a"},
		Reactions: []Reaction{{UserID: "b", Emoji: "👍"}},
	}
	if !m.ReadByUser("a") || m.ReadByUser("b") {
		t.Error("ReadByUser mismatch")
	}
	r, ok := m.ReactionFor("b")
	if !ok || r.Emoji != "👍" {
		t.Errorf("ReactionFor(b) = %v, %v", r, ok)
	}
	if _, ok := m.ReactionFor("a"); ok {
		t.Error("ReactionFor(a) should be absent")
	}
}

func TestValidationErrorWrapping(t *testing.T) {
	err := Invalid("content", "empty")
	wrapped := errors.Join(errors.New("ctx"), err)
	if !IsValidation(wrapped) {
		t.Error("IsValidation should see through wrapping")
	}
	if IsValidation(ErrNotFound) {
		t.Error("ErrNotFound is not a validation error")
	}
}
