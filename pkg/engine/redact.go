package engine

import (
	"sort"
	"strings"
	"sync"
)

// RedactedPlaceholder replaces secret values in diagnostics.
const RedactedPlaceholder = "[REDACTED]"

// Redactor scrubs registered secret values from text.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

// NewRedactor creates a redactor for the given secret values.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	r.Add(secrets...)
	return r
}

// Add registers more secret values. Empty strings are ignored.
func (r *Redactor) Add(secrets ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range secrets {
		if s == "" {
			continue
		}
		r.secrets = append(r.secrets, s)
	}
	// Longest first so that a secret containing another is fully hidden.
	sort.SliceStable(r.secrets, func(i, j int) bool {
		return len(r.secrets[i]) > len(r.secrets[j])
	})
}

// Redact replaces every registered secret in s.
func (r *Redactor) Redact(s string) string {
	if r == nil || s == "" {
		return s
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, RedactedPlaceholder)
	}
	return s
}

// RedactChanges returns a redacted copy of changes.
func (r *Redactor) RedactChanges(changes []Change) []Change {
	if len(changes) == 0 {
		return nil
	}
	out := make([]Change, len(changes))
	for i, c := range changes {
		out[i] = Change{
			Field:   c.Field,
			Current: r.Redact(c.Current),
			Desired: r.Redact(c.Desired),
		}
	}
	return out
}

// RedactOutcome scrubs every free-text field of o.
func (r *Redactor) RedactOutcome(o Outcome) Outcome {
	o.Message = r.Redact(o.Message)
	o.Stdout = r.Redact(o.Stdout)
	o.Diff = r.RedactChanges(o.Diff)
	return o
}

// RedactError returns an error whose text has every secret scrubbed.
// errors.Is and errors.As still reach err, so its kind is kept.
func (r *Redactor) RedactError(err error) error {
	if r == nil || err == nil {
		return err
	}
	return &redactedError{msg: r.Redact(err.Error()), cause: err}
}

type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }

func (e *redactedError) Unwrap() error { return e.cause }
