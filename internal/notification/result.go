package notification

import "fmt"

// Kind tags a Result.
type Kind int

const (
	// KindSuccess acknowledges and removes the message.
	KindSuccess Kind = iota
	// KindUnrecoverable dead-letters the message; redelivery would fail the
	// same way.
	KindUnrecoverable
	// KindPotentiallyRecoverable leaves the message for redelivery by the
	// queue.
	KindPotentiallyRecoverable
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindUnrecoverable:
		return "unrecoverable"
	case KindPotentiallyRecoverable:
		return "potentially_recoverable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of handling one message. It is never persisted.
type Result struct {
	Kind   Kind
	Reason string
	Err    error
}

// Success reports a processed message.
func Success() Result {
	return Result{Kind: KindSuccess}
}

// Unrecoverable reports a message that can never be processed.
func Unrecoverable(reason string) Result {
	return Result{Kind: KindUnrecoverable, Reason: reason}
}

// PotentiallyRecoverable reports a failure that a later delivery may not hit.
func PotentiallyRecoverable(err error) Result {
	r := Result{Kind: KindPotentiallyRecoverable, Err: err}
	if err != nil {
		r.Reason = err.Error()
	}
	return r
}

func (r Result) String() string {
	if r.Reason == "" {
		return r.Kind.String()
	}
	return r.Kind.String() + ": " + r.Reason
}
