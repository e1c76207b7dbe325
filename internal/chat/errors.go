package chat

import "github.com/pkg/errors"

var (
	// ErrPermissionDenied is returned when a privileged operation is
	// attempted by a caller without the privilege.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrValidation is returned for malformed input. Nothing is written.
	ErrValidation = errors.New("invalid request")

	// ErrTransientIO is returned when the backend call failed. The
	// operation is not retried.
	ErrTransientIO = errors.New("backend unavailable")

	// ErrNotFound is returned when the target message or conversation
	// does not exist.
	ErrNotFound = errors.New("not found")
)

// fail converts a store error into the operation's error. Classified
// errors pass through; anything else is a transient backend failure.
func fail(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) || errors.Is(err, ErrPermissionDenied) {
		return errors.WithMessage(err, op)
	}
	return errors.Wrapf(ErrTransientIO, "%s: %v", op, err)
}
