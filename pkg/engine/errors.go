package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies execution failures.
type ErrorKind string

const (
	// ErrorKindHostUnreachable indicates the host could not be reached.
	// Fatal for that host's run.
	ErrorKindHostUnreachable ErrorKind = "host_unreachable"

	// ErrorKindCheckFailed indicates drift could not be determined.
	// Fatal regardless of the task's failure policy.
	ErrorKindCheckFailed ErrorKind = "check_failed"

	// ErrorKindActionFailed indicates the corrective action ran but did
	// not succeed. Fatal unless the task opts into ignore.
	ErrorKindActionFailed ErrorKind = "action_failed"

	// ErrorKindGuardEvaluation indicates a malformed guard or a guard that
	// references an undefined name.
	ErrorKindGuardEvaluation ErrorKind = "guard_evaluation_error"

	// ErrorKindPlanInvalid indicates the plan failed structural validation.
	ErrorKindPlanInvalid ErrorKind = "plan_invalid"

	// ErrorKindPolicyDenied indicates the plan was rejected by policy.
	ErrorKindPolicyDenied ErrorKind = "policy_denied"
)

// Fatal reports whether an error of this kind halts the play regardless
// of the task's failure policy.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrorKindHostUnreachable, ErrorKindCheckFailed, ErrorKindGuardEvaluation,
		ErrorKindPlanInvalid, ErrorKindPolicyDenied:
		return true
	default:
		return false
	}
}

// ExecError is a classified error raised while loading or running a plan.
type ExecError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Task is the task name, if applicable.
	Task string `json:"task,omitempty"`

	// Host is the host name, if applicable.
	Host string `json:"host,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Host != "" && e.Task != "" {
		msg = fmt.Sprintf("%s (host=%s, task=%s)", msg, e.Host, e.Task)
	} else if e.Task != "" {
		msg = fmt.Sprintf("%s (task=%s)", msg, e.Task)
	} else if e.Host != "" {
		msg = fmt.Sprintf("%s (host=%s)", msg, e.Host)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// Is matches another *ExecError with the same kind, so that
// errors.Is(err, &ExecError{Kind: ErrorKindCheckFailed}) works.
func (e *ExecError) Is(target error) bool {
	t, ok := target.(*ExecError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithTask returns a copy of the error bound to a task.
func (e *ExecError) WithTask(task string) *ExecError {
	c := *e
	c.Task = task
	return &c
}

// WithHost returns a copy of the error bound to a host.
func (e *ExecError) WithHost(host string) *ExecError {
	c := *e
	c.Host = host
	return &c
}

// NewExecError creates a classified error.
func NewExecError(kind ErrorKind, message string, err error) *ExecError {
	return &ExecError{Kind: kind, Message: message, Err: err}
}

// NewHostUnreachableError creates a host_unreachable error.
func NewHostUnreachableError(host string, err error) *ExecError {
	return &ExecError{Kind: ErrorKindHostUnreachable, Message: "host unreachable", Host: host, Err: err}
}

// NewCheckFailedError creates a check_failed error.
func NewCheckFailedError(reason string, err error) *ExecError {
	return &ExecError{Kind: ErrorKindCheckFailed, Message: reason, Err: err}
}

// NewActionFailedError creates an action_failed error.
func NewActionFailedError(reason string, err error) *ExecError {
	return &ExecError{Kind: ErrorKindActionFailed, Message: reason, Err: err}
}

// NewGuardError creates a guard_evaluation_error.
func NewGuardError(message string, err error) *ExecError {
	return &ExecError{Kind: ErrorKindGuardEvaluation, Message: message, Err: err}
}

// NewPlanInvalidError creates a plan_invalid error.
func NewPlanInvalidError(message string, err error) *ExecError {
	return &ExecError{Kind: ErrorKindPlanInvalid, Message: message, Err: err}
}

// NewPolicyDeniedError creates a policy_denied error.
func NewPolicyDeniedError(message string, err error) *ExecError {
	return &ExecError{Kind: ErrorKindPolicyDenied, Message: message, Err: err}
}

// KindOf returns the kind of the first ExecError in err's chain, or the
// empty kind.
func KindOf(err error) ErrorKind {
	var e *ExecError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries an ExecError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
