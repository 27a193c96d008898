package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrKind classifies a core error per the propagation policy: only
// StateFatal aborts the process, everything else is recoverable or
// reportable to the caller.
type ErrKind int

const (
	// KindStateFatal marks unrecoverable state-store errors: missing or
	// invalid master key, undecryptable blob, schema-invalid state on load.
	KindStateFatal ErrKind = iota
	// KindCorruptedState marks a missing tag/iv on a record, or an AEAD
	// failure while decrypting a single key.
	KindCorruptedState
	// KindProcessing marks a domain-recoverable error (NoData, NoResource,
	// BadRequest, NotImplemented) reported to the caller, never fatal.
	KindProcessing
	// KindProtocol marks a Whiteflag message invariant violation.
	KindProtocol
	// KindTransient marks an RPC/HTTP failure the Listener may retry.
	KindTransient
)

func (k ErrKind) String() string {
	switch k {
	case KindStateFatal:
		return "StateFatal"
	case KindCorruptedState:
		return "CorruptedState"
	case KindProcessing:
		return "ProcessingError"
	case KindProtocol:
		return "ProtocolError"
	case KindTransient:
		return "Transient"
	default:
		return "Unknown"
	}
}

// CoreError is the common error shape carried across the state store,
// listener and management plane. Causes accumulate contributing failures
// the way a ProtocolError needs to, without forcing every call site
// to build its own multi-error type.
type CoreError struct {
	Kind   ErrKind
	Op     string
	Code   string // domain-specific code, e.g. "WF_AUTH_ERROR" or "NoData"
	Causes []error
	err    error
}

func (e *CoreError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.err != nil {
		b.WriteString(": ")
		b.WriteString(e.err.Error())
	}
	for _, c := range e.Causes {
		b.WriteString("; ")
		b.WriteString(c.Error())
	}
	return b.String()
}

func (e *CoreError) Unwrap() error { return e.err }

// Is allows errors.Is(err, ErrNoData) style matching against Code.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	if t.Code != "" {
		return t.Code == e.Code
	}
	return t.Kind == e.Kind
}

func newErr(kind ErrKind, op string, code string, err error, causes ...error) *CoreError {
	return &CoreError{Kind: kind, Op: op, Code: code, err: err, Causes: causes}
}

// StateFatal builds an unrecoverable state-store error; only this kind
// should ever abort the process.
func StateFatal(op string, err error) error {
	return newErr(KindStateFatal, op, "", err)
}

// CorruptedState builds a CorruptedState error for a missing tag/iv or a
// failed AEAD open on a single record.
func CorruptedState(op string, err error) error {
	return newErr(KindCorruptedState, op, "", err)
}

// ProcessingError builds a domain-recoverable error with the given code
// (e.g. "NoData", "NoResource", "BadRequest", "NotImplemented").
func ProcessingError(op, code string, err error) error {
	return newErr(KindProcessing, op, code, err)
}

// ProtocolError builds a Whiteflag invariant-violation error carrying the
// list of contributing causes.
func ProtocolError(op, code string, causes ...error) error {
	return newErr(KindProtocol, op, code, nil, causes...)
}

// Transient builds a retryable RPC/HTTP error for the Listener's retry
// accounting.
func Transient(op string, err error) error {
	return newErr(KindTransient, op, "", err)
}

// Sentinel codes used with ProcessingError so callers can errors.Is match
// without string comparison.
var (
	ErrNoData           = &CoreError{Kind: KindProcessing, Code: "NoData"}
	ErrNoResource       = &CoreError{Kind: KindProcessing, Code: "NoResource"}
	ErrBadRequest       = &CoreError{Kind: KindProcessing, Code: "BadRequest"}
	ErrNotImplemented   = &CoreError{Kind: KindProcessing, Code: "NotImplemented"}
	ErrResourceConflict = &CoreError{Kind: KindProcessing, Code: "ResourceConflict"}
)

// KindOf reports the ErrKind of err, walking the Unwrap chain. Returns
// KindProcessing, false when err carries no CoreError.
func KindOf(err error) (ErrKind, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return KindProcessing, false
}

// IsFatal reports whether err must abort the process.
func IsFatal(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindStateFatal
}

// wrap mirrors pkg/utils.Wrap's fmt.Errorf("%s: %w", ...) idiom for plain
// (non-taxonomy) context annotation.
func wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
