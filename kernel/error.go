package kernel

// ErrorKind classifies a kernel Error so that callers can decide whether a
// failure can be recovered from or whether it must bring the system down.
type ErrorKind uint8

const (
	// KindExhausted indicates that a resource (e.g. physical frames or
	// virtual address space) has been depleted. Callers running after
	// boot may fail the operation that triggered the allocation.
	KindExhausted ErrorKind = iota

	// KindInvariant indicates that an operation would violate an
	// invariant of the memory subsystem (double mappings, non-canonical
	// addresses, misaligned huge pages e.t.c). The subsystem never
	// attempts to repair such conditions.
	KindInvariant

	// KindBootInfo indicates that the information supplied by the boot
	// loader is missing or malformed.
	KindBootInfo
)

// String implements fmt.Stringer for ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindExhausted:
		return "exhausted"
	case KindInvariant:
		return "invariant violation"
	case KindBootInfo:
		return "boot info"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available to us so we cannot use
// errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the error.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// IsKind returns true if err is non-nil and of the requested kind.
func IsKind(err *Error, kind ErrorKind) bool {
	return err != nil && err.Kind == kind
}
