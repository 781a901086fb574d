// Package txerrors implements the formal error taxonomy of the execution
// engine: Validation, Policy, Risk, External, Timeout, NotFound, Fatal,
// paired with a human-readable message and a suggested operator action.
package txerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the error taxonomy kind (not a Go type per se, a classification).
type Kind string

const (
	Validation Kind = "validation"
	Policy     Kind = "policy"
	Risk       Kind = "risk"
	External   Kind = "external"
	Timeout    Kind = "timeout"
	NotFound   Kind = "not_found"
	Fatal      Kind = "fatal"
)

// Error is the engine's error type: a taxonomy kind, a human message, and an
// optional suggested action.
type Error struct {
	Kind      Kind
	Message   string
	Action    string
	Retryable bool
	Raw       string
}

func (e *Error) Error() string {
	if e.Action != "" {
		return e.Message + " -> " + e.Action
	}
	return e.Message
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: Validation, Message: sprintf(format, args...)}
}

func Policyf(format string, args ...any) *Error {
	return &Error{Kind: Policy, Message: sprintf(format, args...)}
}

func Riskf(format string, args ...any) *Error {
	return &Error{Kind: Risk, Message: sprintf(format, args...)}
}

func Externalf(format string, args ...any) *Error {
	return &Error{Kind: External, Message: sprintf(format, args...), Retryable: true}
}

func Timeoutf(format string, args ...any) *Error {
	return &Error{Kind: Timeout, Message: sprintf(format, args...), Retryable: true}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: NotFound, Message: sprintf(format, args...)}
}

func Fatalf(format string, args ...any) *Error {
	return &Error{Kind: Fatal, Message: sprintf(format, args...)}
}

// As reports whether err (or one it wraps) is a *Error, mirroring errors.As.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies a plain error by substring heuristics for the generic
// timeout/not-found cases. It has no case for Solana program error codes: a
// 6003 slippage error falls through to the default kind like any other
// unrecognized failure; IsSlippageError is what recognizes that code.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	raw := strings.ToLower(err.Error())
	switch {
	case strings.Contains(raw, "timeout"):
		return Timeout
	case strings.Contains(raw, "not found"), strings.Contains(raw, "no longer exists"):
		return NotFound
	default:
		return External
	}
}

// IsSlippageError recognizes the substrings the original codebase matches
// when deciding whether to escalate to emergency slippage on retry: the
// literal program error code "6003" or the word "slippage" anywhere in the
// error text, case-insensitively.
func IsSlippageError(err error) bool {
	if err == nil {
		return false
	}
	raw := err.Error()
	return contains(raw, "6003") || contains(strings.ToLower(raw), "slippage")
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}

// HumanWithAction renders a message plus suggested operator action, falling
// back to a generic translation for plain errors that never passed through
// this package's constructors.
func HumanWithAction(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Error()
	}
	return translate(err.Error())
}

func translate(raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "insufficient"):
		return "INSUFFICIENT BALANCE -> fund wallet"
	case strings.Contains(lower, "slippage") || strings.Contains(raw, "6003"):
		return "SLIPPAGE TOO HIGH -> increase slippage_bps"
	case strings.Contains(lower, "blockhash"):
		return "BLOCKHASH EXPIRED -> retry immediately"
	case strings.Contains(lower, "rate limit") || strings.Contains(raw, "429"):
		return "RATE LIMITED -> wait and retry"
	case strings.Contains(lower, "timeout"):
		return "TIMEOUT -> retry"
	default:
		return "TRANSACTION FAILED -> check raw error: " + raw
	}
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
