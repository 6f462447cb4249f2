package kernel

// ErrorKind classifies an Error so callers can react to a family of failures
// without comparing against every error variable a package exports.
type ErrorKind uint8

const (
	// KindUnknown is the zero kind; it is reported for errors that are not
	// *Error values.
	KindUnknown ErrorKind = iota

	// KindArgument is used when caller-supplied locations or values are
	// invalid. Errors of this kind are detected before any state changes.
	KindArgument

	// KindInvalidMapping is used when a virtual address does not resolve
	// to a mapped physical page.
	KindInvalidMapping

	// KindWriteFailed is used when a page table rewrite could not locate
	// a required level.
	KindWriteFailed

	// KindResourceExhausted is used when an allocator has no free frames.
	KindResourceExhausted

	// KindInvalidAddress is used when a physical address does not refer
	// to a currently allocated frame.
	KindInvalidAddress

	// KindTransferFault is used when results cannot be delivered to the
	// caller's memory.
	KindTransferFault
)

// String implements fmt.Stringer for ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindArgument:
		return "argument error"
	case KindInvalidMapping:
		return "invalid mapping"
	case KindWriteFailed:
		return "write failed"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindInvalidAddress:
		return "invalid address"
	case KindTransferFault:
		return "transfer fault"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so they can be compared
// by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind groups related errors together.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// KindOf returns the kind of err or KindUnknown if err is not a *Error.
func KindOf(err error) ErrorKind {
	if kErr, ok := err.(*Error); ok && kErr != nil {
		return kErr.Kind
	}

	return KindUnknown
}
