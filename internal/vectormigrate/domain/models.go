package domain

import (
	"context"
	"errors"
	"time"
)

// EmbeddingTable is the partitioned table holding embedding vectors.
const EmbeddingTable = "embeddings"

// State of the reconfigurator. Exactly one migration runs at a time;
// Done and PartiallyFailed are terminal per run and the service returns
// to idle afterwards.
type State string

const (
	StateIdle            State = "idle"
	StateMigrating       State = "migrating"
	StateDone            State = "done"
	StatePartiallyFailed State = "partially_failed"
)

// Report describes one migration run. Failed maps partition names to
// the error that stopped them; those partitions keep the old dimension
// and the stored dimension is only advanced when Failed is empty.
type Report struct {
	RunID      string            `json:"run_id"`
	FromDim    int               `json:"from_dim"`
	ToDim      int               `json:"to_dim"`
	State      State             `json:"state"`
	Migrated   []string          `json:"migrated,omitempty"`
	Failed     map[string]string `json:"failed,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

type Service interface {
	// Run migrates every embedding partition to newDim. A second call
	// while a run is active returns ErrMigrationInProgress.
	Run(ctx context.Context, newDim int) (*Report, error)

	// Status returns the current state and the last finished report.
	Status(ctx context.Context) (State, *Report)
}

var (
	ErrMigrationInProgress = errors.New("migration_in_progress")
	ErrInvalidDimension    = errors.New("invalid_vector_dimension")
)
