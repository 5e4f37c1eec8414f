package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	quotadomain "github.com/craftpage/metering/internal/quota/domain"
	tenantdomain "github.com/craftpage/metering/internal/tenant/domain"
)

// Resource kinds admitted through the facade.
const (
	KindBot        = "bot"
	KindCollection = "collection"
	KindDocument   = "document"
)

// MetricForKind maps a resource kind to the metric charged for it. The
// raw kind is returned unmapped so unknown kinds flow into the ledger's
// unknown-metric rejection path.
func MetricForKind(kind string) string {
	switch kind {
	case KindBot:
		return quotadomain.MetricBots
	case KindCollection:
		return quotadomain.MetricCollections
	case KindDocument:
		return quotadomain.MetricDocuments
	}
	return kind
}

// EventInput is one telemetry event to store.
type EventInput struct {
	Kind       string         `json:"kind"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// StoredEvent echoes where an accepted event landed.
type StoredEvent struct {
	ID        snowflake.ID `json:"id"`
	Partition string       `json:"partition"`
}

type Service interface {
	// AdmitResource charges quota for one resource of kind and creates
	// it when admitted. Rejections return ErrQuotaExceeded with the
	// decision carrying the current count and limit.
	AdmitResource(ctx context.Context, tenantID snowflake.ID, kind string) (*tenantdomain.Resource, quotadomain.Decision, error)

	// RemoveResource deletes the resource and returns its quota unit.
	RemoveResource(ctx context.Context, tenantID, id snowflake.ID, kind string) error

	// RecordEvent writes one event into the correct monthly partition,
	// creating partitions as needed. Search events consume search
	// quota first.
	RecordEvent(ctx context.Context, tenantID snowflake.ID, table string, in EventInput) (*StoredEvent, error)
}

var ErrQuotaExceeded = errors.New("quota_exceeded")
