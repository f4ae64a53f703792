package catalog

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("mview: not found")
	ErrDuplicate = errors.New("mview: duplicate")
	ErrStopped   = errors.New("mview: stopped")

	// ErrInvalidDefinition is returned synchronously to the DDL caller. The
	// definition is never half-applied: validation happens before anything
	// is durably stored.
	ErrInvalidDefinition = errors.New("mview: invalid view definition")
)

func InvalidDefinitionErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
}
