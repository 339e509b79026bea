package kernel

// Error describes a kernel error. Kernel errors are defined as package-level
// variables pointing to an Error so that callers can compare them by identity
// and so that reporting a failure never requires an allocation while locks
// are held.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
