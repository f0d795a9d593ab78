package logger

import (
	"io"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// minSecretLen keeps short configured values from blanking common words.
const minSecretLen = 6

// rule replaces matches of re with replacement, which may reference groups.
type rule struct {
	re          *regexp.Regexp
	replacement string
}

// Redactor masks credentials in log output: model API keys, gateway bearer
// tokens, credentials embedded in store and Redis URLs, and any literal
// secrets registered with AddSecret.
type Redactor struct {
	rules   []rule
	secrets []string
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			// Anthropic and OpenAI keys
			{regexp.MustCompile(`sk-(ant-)?[a-zA-Z0-9_-]{20,}`), redacted},
			// Gemini keys
			{regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`), redacted},
			// Gateway bearer tokens, keeping the scheme
			{regexp.MustCompile(`(Bearer\s+)[a-zA-Z0-9._~+/=-]+`), "${1}" + redacted},
			// access_token query parameter on websocket URLs
			{regexp.MustCompile(`(access_token=)[^&\s"]+`), "${1}" + redacted},
			// Passwords in postgres and redis URLs, keeping user and host
			{regexp.MustCompile(`((?:postgres|postgresql|redis|rediss)://[^:/@\s]*:)[^@\s]+@`), "${1}" + redacted + "@"},
			// key=value and "key": "value" forms
			{regexp.MustCompile(`(?i)((?:password|pwd|secret|shared_secret|api_key)["\s:=]+"?)[^\s",}]+`), "${1}" + redacted},
		},
	}
}

// AddSecret masks every literal occurrence of secret. Empty and very short
// values are ignored.
func (r *Redactor) AddSecret(secret string) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minSecretLen {
		return
	}
	r.secrets = append(r.secrets, secret)
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, redacted)
	}
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.replacement)
	}
	return s
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

// redactingWriter is an io.Writer that redacts sensitive information
type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success even though fewer or more bytes reach the
// underlying writer, since callers account for what they passed in.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
