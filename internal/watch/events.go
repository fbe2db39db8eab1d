// Package watch observes a directory tree and emits debounced,
// coalesced file events for the ingestion pipeline.
package watch

import "time"

// Op represents a file system operation type.
type Op int

const (
	// OpCreate indicates a new file was created.
	OpCreate Op = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or moved away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Event represents a file system event.
type Event struct {
	// Path is the absolute path to the file.
	Path string

	// Op is the type of file system operation.
	Op Op

	// Timestamp is when the event was detected.
	Timestamp time.Time
}
