package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// redactionRule replaces matches of re with replacement. Capture groups in
// replacement keep field names and delimiters around the hidden value.
type redactionRule struct {
	re          *regexp.Regexp
	replacement string
}

// Redactor hides credentials and inline media from log output
type Redactor struct {
	rules []redactionRule
}

// NewRedactor creates a redactor for provider keys, gateway secrets and
// base64 attachments.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactionRule{
			// Provider API keys
			{regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`), redacted},

			// Credentials in JSON payloads, including logged config
			{regexp.MustCompile(`("(?i:api_key|shared_secret|password|token)"\s*:\s*")[^"]*(")`), "${1}" + redacted + "${2}"},

			// Gateway auth
			{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9._~+/=-]+`), "${1}" + redacted},
			{regexp.MustCompile(`(?i)(X-Ranya-Secret["\s:=]+)[^\s",}]+`), "${1}" + redacted},
			{regexp.MustCompile(`([?&]secret=)[^&\s"]+`), "${1}" + redacted},

			// Inline image and audio payloads
			{regexp.MustCompile(`data:[a-z]+/[A-Za-z0-9.+-]+;base64,[A-Za-z0-9+/=]{16,}`), "data:" + redacted},

			// AWS access keys
			{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), redacted},
		},
	}
}

// AddPattern adds a pattern whose whole match is redacted
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactionRule{re: re, replacement: redacted})
	return nil
}

// Redact returns s with every rule applied in order
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.re.ReplaceAllString(s, rule.replacement)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat redaction as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
