package chat

import (
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes  = 8192 // 8KB max content
	MaxContentChars  = 4000 // max character count
	MaxAttachments   = 10
	MaxEmojiBytes    = 32
	MaxMarkReadBatch = 200
)

// ValidateMessage checks that a message carries content or at least one
// attachment and that both are within limits.
func ValidateMessage(content string, attachments []Attachment) error {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return Invalid("content", "content or attachment required")
	}
	if len(content) > MaxContentBytes {
		return Invalid("content", "exceeds byte limit")
	}
	if !utf8.ValidString(content) {
		return Invalid("content", "invalid UTF-8")
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return Invalid("content", "exceeds character limit")
	}
	if len(attachments) > MaxAttachments {
		return Invalid("attachments", "too many attachments")
	}
	for _, a := range attachments {
		u, err := url.Parse(a.URL)
		if err != nil || a.URL == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return Invalid("attachments", "attachment url must be http(s)")
		}
		if a.Size < 0 {
			return Invalid("attachments", "negative size")
		}
	}
	return nil
}

// ValidateEmoji accepts a short non-empty UTF-8 string without whitespace.
func ValidateEmoji(emoji string) error {
	if emoji == "" {
		return Invalid("emoji", "empty")
	}
	if len(emoji) > MaxEmojiBytes || !utf8.ValidString(emoji) {
		return Invalid("emoji", "too long or invalid UTF-8")
	}
	if strings.ContainsAny(emoji, " \t\r\n") {
		return Invalid("emoji", "contains whitespace")
	}
	return nil
}
