package gateway

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Failure kinds surfaced by engine operations. Together with the sandbox,
// access, and lock sentinels these form the complete error taxonomy of the
// storage gateway; every operation fails with exactly one of them.
var (
	ErrNotFound      = fmt.Errorf("item not found")
	ErrNotADirectory = fmt.Errorf("path must be a directory")
	ErrNotAFile      = fmt.Errorf("path must be a file")
	ErrAlreadyExists = fmt.Errorf("an item with this name already exists")
	ErrForbidden     = fmt.Errorf("operation not allowed on a folder that grants access")
	ErrNotLocked     = fmt.Errorf("item is not locked")
	ErrNameRequired  = fmt.Errorf("a non-empty name is required")
)

// osError translates a filesystem error into a gateway kind, keeping the
// offending path in the message.
func osError(path string, err error) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%s: %w", path, ErrAlreadyExists)
	default:
		return fmt.Errorf("%s: %w", path, err)
	}
}
