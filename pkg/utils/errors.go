package utils

import (
	"fmt"
)

func MakeError(err error, detailsBody string, args ...any) error {
	return fmt.Errorf("%w: "+detailsBody, append([]any{err}, args...)...)
}

// WrapSyscall annotates a raw syscall error with the operation name, keeping
// the sentinel error as the wrap target so callers can match with errors.Is.
func WrapSyscall(sentinel error, op string, errno error) error {
	return fmt.Errorf("%w: %s: %v", sentinel, op, errno)
}
