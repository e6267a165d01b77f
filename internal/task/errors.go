package task

import "errors"

// permanentError marks a domain failure the retry policy must not retry.
// UserMsg is the short actionable text published in the terminal error event;
// Data optionally carries structured per-item results (partial failures).
type permanentError struct {
	err     error
	userMsg string
	data    any
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// UserMessage is the text published with the terminal error event.
func (p *permanentError) UserMessage() string { return p.userMsg }

// Data is the structured payload attached to the terminal error event.
func (p *permanentError) Data() any { return p.data }

// Permanent wraps err so the pool hard-fails the task instead of retrying.
func Permanent(err error, userMsg string) error {
	return &permanentError{err: err, userMsg: userMsg}
}

// PermanentData is Permanent plus a structured payload for the error event,
// e.g. per-block results of a partially failed schedule generation.
func PermanentData(err error, userMsg string, data any) error {
	return &permanentError{err: err, userMsg: userMsg, data: data}
}

// AsPermanent extracts the permanent marker if present.
func AsPermanent(err error) (*permanentError, bool) {
	var p *permanentError
	if errors.As(err, &p) {
		return p, true
	}
	return nil, false
}
