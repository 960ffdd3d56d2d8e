package sanitize

import (
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message/charset"
)

// DefaultMaxLength bounds derived filenames unless the caller overrides it.
const DefaultMaxLength = 64

var (
	invalidChars   = regexp.MustCompile(`[^a-zA-Z0-9@._]`)
	underscoreRuns = regexp.MustCompile(`_+`)

	wordDecoder = mime.WordDecoder{CharsetReader: charset.Reader}
)

// DecodeMIMEWords decodes RFC 2047 encoded-words in a header value.
// Undecodable input is returned as-is; the sanitizer whitelist catches
// whatever garbage survives.
func DecodeMIMEWords(s string) string {
	if s == "" {
		return ""
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// Filename turns arbitrary header text into a filesystem-safe name of at
// most maxLength characters. Deterministic, never fails, may return "".
func Filename(text string, maxLength int) string {
	text = DecodeMIMEWords(text)
	text = strings.ReplaceAll(text, `"`, "")
	text = strings.ReplaceAll(text, "'", "")

	sanitized := invalidChars.ReplaceAllString(text, "_")
	sanitized = underscoreRuns.ReplaceAllString(sanitized, "_")

	if maxLength <= 0 || len(sanitized) <= maxLength {
		return sanitized
	}

	// Keep a trailing extension intact when truncating.
	if idx := strings.LastIndex(sanitized, "."); idx > 0 && idx < len(sanitized)-1 {
		ext := sanitized[idx+1:]
		stemLen := maxLength - len(ext) - 1
		if stemLen > 0 {
			return sanitized[:stemLen] + "." + ext
		}
	}

	return sanitized[:maxLength]
}

// EmailFilename derives the base name for a persisted message from its
// From, Subject and Date headers: decoded From and Subject plus the
// day-of-month token from the Date header, joined with underscores.
func EmailFilename(from, subject, date string) string {
	parts := []string{
		DecodeMIMEWords(from),
		DecodeMIMEWords(subject),
		dateToken(date),
	}

	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}

	return Filename(strings.Join(kept, "_"), DefaultMaxLength)
}

// dateToken extracts the first whitespace-delimited token after the
// weekday prefix, e.g. "Mon, 02 Jan 2006 15:04:05 +0000" yields "02".
func dateToken(date string) string {
	if idx := strings.LastIndex(date, ","); idx >= 0 {
		date = date[idx+1:]
	}
	fields := strings.Fields(date)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// AttachmentName applies the lighter normalization used for attachment
// files: spaces become underscores, everything else is kept.
func AttachmentName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}
