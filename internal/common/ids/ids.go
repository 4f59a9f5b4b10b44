// Package ids mints the opaque identifiers used across the coordinator.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewSessionID returns a new globally unique session id.
func NewSessionID() string {
	return "s-" + short(uuid.New().String())
}

// NewRunID returns a new globally unique run id.
func NewRunID() string {
	return "r-" + short(uuid.New().String())
}

// WorkerID derives a stable worker identity from the properties that define a
// worker slot. A restarted worker with the same hostname, project directory
// and executor profile reconnects to the same slot.
func WorkerID(hostname, projectDir, executorProfile string) string {
	sum := sha256.Sum256([]byte(hostname + "|" + projectDir + "|" + executorProfile))
	return "w-" + hex.EncodeToString(sum[:])[:12]
}

func short(u string) string {
	return strings.ReplaceAll(u, "-", "")[:20]
}
