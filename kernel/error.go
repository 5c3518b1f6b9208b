package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// variables that point to an Error value so callers can compare the returned
// pointer against the sentinel exported by the package that produced it.
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
