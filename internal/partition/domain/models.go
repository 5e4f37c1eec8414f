package domain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Descriptor registers one physical monthly partition of an event table,
// including which secondary objects actually made it on.
type Descriptor struct {
	ID              snowflake.ID                `json:"id" gorm:"primaryKey"`
	LogicalTable    string                      `json:"table_name" gorm:"column:table_name;type:text;not null;uniqueIndex:ux_partition_descriptors_name,priority:1"`
	PartitionName   string                      `json:"partition_name" gorm:"type:text;not null;uniqueIndex:ux_partition_descriptors_name,priority:2"`
	PeriodStart     time.Time                   `json:"period_start" gorm:"not null"`
	PeriodEnd       time.Time                   `json:"period_end" gorm:"not null"`
	AttachedIndexes datatypes.JSONSlice[string] `json:"attached_indexes,omitempty"`
	PolicyName      string                      `json:"policy_name" gorm:"type:text;not null;default:''"`
	CreatedAt       time.Time                   `json:"created_at"`
}

func (Descriptor) TableName() string { return "partition_descriptors" }

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func ValidTableName(table string) bool {
	return tableNameRe.MatchString(table)
}

// NameFor derives the deterministic partition name for table and ts,
// e.g. events_y2024m03. Renaming this scheme breaks routing for every
// existing partition, so it never changes.
func NameFor(table string, ts time.Time) string {
	ts = ts.UTC()
	return fmt.Sprintf("%s_y%04dm%02d", table, ts.Year(), int(ts.Month()))
}

// MonthRange returns the UTC month boundaries covering ts.
func MonthRange(ts time.Time) (time.Time, time.Time) {
	ts = ts.UTC()
	start := time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

type Service interface {
	// Ensure guarantees the partition covering ts exists, plus the
	// configured number of months ahead, and returns the descriptor
	// events at ts route to. Safe to call concurrently and repeatedly.
	Ensure(ctx context.Context, table string, ts time.Time) (*Descriptor, error)

	// PartitionFor returns the physical table name events for ts must
	// be written to.
	PartitionFor(table string, ts time.Time) string

	// List returns the registered partitions of a table, oldest first.
	List(ctx context.Context, table string) ([]Descriptor, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, d *Descriptor) (bool, error)
	Exists(ctx context.Context, db *gorm.DB, table, partition string) (bool, error)
	Find(ctx context.Context, db *gorm.DB, table, partition string) (*Descriptor, error)
	List(ctx context.Context, db *gorm.DB, table string) ([]Descriptor, error)
}

var ErrInvalidTableName = errors.New("invalid_table_name")
