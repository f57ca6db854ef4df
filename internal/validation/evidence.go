package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Evidence bounds.
const (
	maxEvidenceBytes = 50 * 1024
	maxFilenameLen   = 255
	maxFieldNameLen  = 128
)

// Evidence is admin-supplied supporting material for a market resolution:
// free text, an optional source URL, an optional attachment filename, and
// free-form key/value fields.
type Evidence struct {
	Content  string            `json:"content"`
	URL      string            `json:"url,omitempty"`
	Filename string            `json:"filename,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// ValidateEvidence checks evidence input and returns the sanitized
// content alongside the result. Content is stripped of control and
// zero-width characters and normalized to NFC before the emptiness and
// size checks, so content that is only invisible characters fails as
// empty.
func ValidateEvidence(ev Evidence) (Evidence, Result) {
	var res Result

	ev.Content = SanitizeText(ev.Content)
	if strings.TrimSpace(ev.Content) == "" {
		res.addError("content", CodeMissingField, "Evidence content is required")
	}
	if len(ev.Content) > maxEvidenceBytes {
		res.addError("content", CodeInvalidField,
			fmt.Sprintf("Evidence content exceeds %d bytes", maxEvidenceBytes))
	}

	if ev.URL != "" {
		if err := checkURL(ev.URL); err != nil {
			res.addError("url", CodeUnsafeContent, err.Error())
		}
	}

	if ev.Filename != "" {
		if err := checkFilename(ev.Filename); err != nil {
			res.addError("filename", CodeUnsafeContent, err.Error())
		}
	}

	for name := range ev.Fields {
		if err := checkFieldName(name); err != nil {
			res.addError("fields", CodeUnsafeContent, err.Error())
		}
	}

	return ev, res.finalize()
}

// SanitizeText removes control characters (except newline and tab) and
// zero-width characters, then normalizes to NFC.
func SanitizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) || isZeroWidth(r) {
			continue
		}
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
		return true
	}
	return false
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("URL is malformed: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme %q is not allowed; use http or https", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host")
	}
	return nil
}

func checkFilename(name string) error {
	if len(name) > maxFilenameLen {
		return fmt.Errorf("filename exceeds %d characters", maxFilenameLen)
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("filename %q contains path separators", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) || isZeroWidth(r) {
			return fmt.Errorf("filename contains invisible characters")
		}
	}
	return nil
}

// checkFieldName rejects field names the document store cannot address:
// empty, oversized, dotted paths, or the reserved dunder namespace.
func checkFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("field name must not be empty")
	}
	if len(name) > maxFieldNameLen {
		return fmt.Errorf("field name %q exceeds %d characters", name, maxFieldNameLen)
	}
	if strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__") {
		return fmt.Errorf("field name %q uses a reserved namespace", name)
	}
	if strings.ContainsAny(name, "./[]*`~") {
		return fmt.Errorf("field name %q contains unsafe characters", name)
	}
	return nil
}
