package types

import "fmt"

// ErrorKind classifies failures so every binding surfaces the same taxonomy.
type ErrorKind string

const (
	// KindNetwork covers transport failures during download; retryable by the caller.
	KindNetwork ErrorKind = "network"
	// KindIntegrity means a checksum mismatch; the artifact has been discarded.
	KindIntegrity ErrorKind = "integrity"
	// KindStorageFull means the storage quota or the disk is exhausted.
	KindStorageFull ErrorKind = "storage_full"
	// KindInsufficientMemory means admission failed even after eviction.
	KindInsufficientMemory ErrorKind = "insufficient_memory"
	// KindModelNotFound means the id is unknown to the catalog or not loaded.
	KindModelNotFound ErrorKind = "model_not_found"
	// KindBackend is an engine-reported failure, not retried automatically.
	KindBackend ErrorKind = "backend"
	// KindInvalidState is misuse of a terminated or busy entity.
	KindInvalidState ErrorKind = "invalid_state"
	// KindConflictingRegistration means a backend name was re-registered with
	// different capabilities.
	KindConflictingRegistration ErrorKind = "conflicting_registration"
	// KindAlreadyInitialized / KindNotInitialized guard the facade lifecycle.
	KindAlreadyInitialized ErrorKind = "already_initialized"
	KindNotInitialized     ErrorKind = "not_initialized"
	// KindTooBusy signals queue overflow or wait timeout (maps to 429).
	KindTooBusy ErrorKind = "too_busy"
)

// Error is the structured failure value surfaced to every binding:
// a kind plus a message, optionally wrapping an underlying cause.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs a structured error of the given kind.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf constructs a structured error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a structured error.
func WrapError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf extracts the error kind, or empty string for foreign errors.
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}

func is(err error, kind ErrorKind) bool { return KindOf(err) == kind }

// IsNetwork reports whether err is a retryable transport failure.
func IsNetwork(err error) bool { return is(err, KindNetwork) }

// IsIntegrity reports whether err indicates a checksum mismatch.
func IsIntegrity(err error) bool { return is(err, KindIntegrity) }

// IsStorageFull reports whether err indicates quota or disk exhaustion.
func IsStorageFull(err error) bool { return is(err, KindStorageFull) }

// IsInsufficientMemory reports whether admission rejected a load.
func IsInsufficientMemory(err error) bool { return is(err, KindInsufficientMemory) }

// IsModelNotFound reports whether the requested model id is unknown.
func IsModelNotFound(err error) bool { return is(err, KindModelNotFound) }

// IsBackend reports whether err was reported by an inference engine.
func IsBackend(err error) bool { return is(err, KindBackend) }

// IsInvalidState reports misuse of a terminated or uninitialized entity.
func IsInvalidState(err error) bool { return is(err, KindInvalidState) }

// IsConflictingRegistration reports a capability mismatch on re-registration.
func IsConflictingRegistration(err error) bool { return is(err, KindConflictingRegistration) }

// IsAlreadyInitialized reports a duplicate facade initialization.
func IsAlreadyInitialized(err error) bool { return is(err, KindAlreadyInitialized) }

// IsNotInitialized reports use of the facade before initialization.
func IsNotInitialized(err error) bool { return is(err, KindNotInitialized) }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool { return is(err, KindTooBusy) }
