// Package journal records the outcome of every job delivery so operators can
// trace which job triggered which invocation and how it ended.
package journal

import (
	"context"
	"time"

	"github.com/vietddude/dispatcher/internal/core/domain"
)

// Journal stores dispatch records.
type Journal interface {
	// Record stores one terminal outcome.
	Record(ctx context.Context, rec domain.DispatchRecord) error

	// Recent returns up to limit records for queue, newest first. An empty
	// queue matches all queues.
	Recent(ctx context.Context, queue string, limit int) ([]domain.DispatchRecord, error)

	Close() error
}

// Config selects the journal backend.
type Config struct {
	Driver   string `yaml:"driver"` // memory (default), postgres, none
	Capacity int    `yaml:"capacity"`
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`

	// Retention prunes postgres records older than this. 0 keeps everything.
	Retention time.Duration `yaml:"retention"`
}
