package seminar

import (
	"fmt"
	"strings"
)

// SnapshotError describes why a persisted snapshot could not be loaded.
type SnapshotError struct {
	Key     string // Storage key the snapshot was read from
	Version int    // Version found in the snapshot (0 when absent)
	Message string
	Hint    string // Helpful suggestion
	Err     error
}

// Error implements the error interface.
func (e *SnapshotError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("snapshot %q: %s: %v", e.Key, e.Message, e.Err)
	}
	return fmt.Sprintf("snapshot %q: %s", e.Key, e.Message)
}

// Unwrap returns the underlying cause.
func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// Format returns a multi-line description suitable for terminal output.
func (e *SnapshotError) Format() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("❌ Error in snapshot %s\n\n", e.Key))
	b.WriteString(fmt.Sprintf("Version %d: %s\n", e.Version, e.Message))
	if e.Err != nil {
		b.WriteString(fmt.Sprintf("  %v\n", e.Err))
	}
	if e.Hint != "" {
		b.WriteString(fmt.Sprintf("\n💡 Tip: %s\n", e.Hint))
	}

	return b.String()
}
