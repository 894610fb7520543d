// Package persistence implements core.IPersistence over memory, a JSON file, SQLite and PostgreSQL
package persistence

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"copy_trader/internal/core"
)

// encodeSnapshot marshals a snapshot and returns its sha256 checksum
func encodeSnapshot(snap *core.Snapshot) ([]byte, []byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Validate JSON (round-trip test)
	var check core.Snapshot
	if err := json.Unmarshal(data, &check); err != nil {
		return nil, nil, fmt.Errorf("snapshot validation failed: %w", err)
	}

	sum := sha256.Sum256(data)
	return data, sum[:], nil
}

// decodeSnapshot verifies the checksum (when present) and unmarshals
func decodeSnapshot(data, checksum []byte) (*core.Snapshot, error) {
	if checksum != nil {
		computed := sha256.Sum256(data)
		if len(checksum) != len(computed) {
			return nil, fmt.Errorf("checksum length mismatch: expected %d, got %d", len(computed), len(checksum))
		}
		if subtle.ConstantTimeCompare(checksum, computed[:]) != 1 {
			return nil, fmt.Errorf("checksum verification failed: data corruption detected")
		}
	}

	var snap core.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if snap.OwnPositions == nil {
		snap.OwnPositions = map[string]core.Position{}
	}
	if snap.MonitoredPositions == nil {
		snap.MonitoredPositions = map[string]core.Position{}
	}
	return &snap, nil
}
