package seminar

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Snapshot versions:
// v0: legacy browser export (state.currentPage, no updatedAt)
// v1: state.currentPageIndex, updatedAt
const CurrentSnapshotVersion = 1

// ErrUnsupportedVersion is returned when a snapshot was written by a newer
// release than this one.
var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

// Snapshot is the persisted form of a State.
type Snapshot struct {
	Version   int       `json:"version"`
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// migration upgrades the raw state object of a snapshot by one version.
type migration func(state map[string]json.RawMessage) error

// migrations is keyed by the version a migration upgrades from.
var migrations = map[int]migration{
	0: migrateV0,
}

func migrateV0(state map[string]json.RawMessage) error {
	if raw, ok := state["currentPage"]; ok {
		if _, exists := state["currentPageIndex"]; !exists {
			state["currentPageIndex"] = raw
		}
		delete(state, "currentPage")
	}
	return nil
}

// EncodeSnapshot serializes state at the current snapshot version.
func EncodeSnapshot(state State, now time.Time) ([]byte, error) {
	snap := Snapshot{
		Version:   CurrentSnapshotVersion,
		State:     state.Clone(),
		UpdatedAt: now.UTC(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a persisted snapshot, running every migration
// between its version and CurrentSnapshotVersion. Errors are *SnapshotError.
func DecodeSnapshot(key string, data []byte) (Snapshot, error) {
	var envelope struct {
		Version   *int            `json:"version"`
		State     json.RawMessage `json:"state"`
		UpdatedAt time.Time       `json:"updatedAt"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Snapshot{}, &SnapshotError{
			Key:     key,
			Message: "snapshot is not valid JSON",
			Hint:    "the record may be truncated; `seminar progress reset` overwrites it",
			Err:     err,
		}
	}

	version := 0
	if envelope.Version != nil {
		version = *envelope.Version
	}
	if version > CurrentSnapshotVersion || version < 0 {
		return Snapshot{}, &SnapshotError{
			Key:     key,
			Version: version,
			Message: fmt.Sprintf("snapshot version %d is not supported (newest known: %d)", version, CurrentSnapshotVersion),
			Hint:    "upgrade seminar to read this snapshot",
			Err:     ErrUnsupportedVersion,
		}
	}

	// A bare state object without an envelope is treated as v0.
	rawState := envelope.State
	if len(rawState) == 0 && envelope.Version == nil {
		rawState = data
	}

	fields := make(map[string]json.RawMessage)
	if len(rawState) > 0 && string(rawState) != "null" {
		if err := json.Unmarshal(rawState, &fields); err != nil {
			return Snapshot{}, &SnapshotError{
				Key:     key,
				Version: version,
				Message: "snapshot state is not an object",
				Err:     err,
			}
		}
	}

	for v := version; v < CurrentSnapshotVersion; v++ {
		migrate, ok := migrations[v]
		if !ok {
			return Snapshot{}, &SnapshotError{
				Key:     key,
				Version: version,
				Message: fmt.Sprintf("no migration from version %d", v),
				Err:     ErrUnsupportedVersion,
			}
		}
		if err := migrate(fields); err != nil {
			return Snapshot{}, &SnapshotError{
				Key:     key,
				Version: version,
				Message: fmt.Sprintf("migration from version %d failed", v),
				Err:     err,
			}
		}
	}

	migrated, err := json.Marshal(fields)
	if err != nil {
		return Snapshot{}, &SnapshotError{Key: key, Version: version, Message: "failed to re-encode migrated state", Err: err}
	}

	state := DefaultState()
	if err := json.Unmarshal(migrated, &state); err != nil {
		return Snapshot{}, &SnapshotError{
			Key:     key,
			Version: version,
			Message: "snapshot state has unexpected field types",
			Hint:    "scores must be integers and completedExperiments a list of ids",
			Err:     err,
		}
	}
	state.normalize()

	return Snapshot{
		Version:   CurrentSnapshotVersion,
		State:     state,
		UpdatedAt: envelope.UpdatedAt,
	}, nil
}
