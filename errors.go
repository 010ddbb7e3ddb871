package busguard

import (
	"errors"
	"fmt"
)

// Store sentinel errors.
// Store implementations translate their backend-specific failures into these
// so the guards and background loops can react uniformly. Use errors.Is()
// to check for them as they may be wrapped with additional context.
var (
	// ErrNotFound indicates the requested message row does not exist.
	ErrNotFound = errors.New("message not found")

	// ErrDuplicateID indicates an insert collided with an existing row id.
	// Because the row id is the deduplication key, this is the race-window
	// signal that another worker recorded the same message first.
	ErrDuplicateID = errors.New("duplicate message id")

	// ErrVersionConflict indicates an optimistic-concurrency update lost the
	// race: the row version changed between read and write. The caller must
	// treat the row as owned by another worker and abort without retrying.
	ErrVersionConflict = errors.New("message version conflict")
)

// IsNotFound reports whether err indicates a missing message row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err indicates a lost optimistic-concurrency
// race. Conflicts are expected under concurrent dispatch and should be
// logged at debug level at most.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsDuplicate reports whether err indicates an insert hit an existing row.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateID)
}

// ConfigurationError indicates a message references a consumer or message
// type that was never registered. The failure is permanent for that message:
// no retry can succeed until the registration is added, so the row is left
// in its failed state for manual inspection.
type ConfigurationError struct {
	Kind string // "consumer" or "message type"
	Name string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s %q is not registered", e.Kind, e.Name)
}

// IsConfigurationError checks if an error indicates a missing registration.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
