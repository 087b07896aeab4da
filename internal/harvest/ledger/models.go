package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/regharvest/harvester/internal/harvest/region"
)

// Status is the terminal state of a region within a sweep.
type Status string

const (
	// StatusSuccess means the artifact was written.
	StatusSuccess Status = "SUCCESS"
	// StatusSkipped means the region needed no work.
	StatusSkipped Status = "SKIPPED"
	// StatusFail means the region could not be harvested.
	StatusFail Status = "FAIL"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusSkipped, StatusFail:
		return true
	}
	return false
}

// Entry is one immutable line of the run history.
type Entry struct {
	RunID        uuid.UUID
	Unit         region.Unit
	ArtifactName string
	RecordCount  int
	Status       Status
	Message      string
	Timestamp    time.Time
}

func (e Entry) validate() error {
	if !e.Status.Valid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	if e.RecordCount < 0 {
		return fmt.Errorf("negative record count %d", e.RecordCount)
	}
	return nil
}
