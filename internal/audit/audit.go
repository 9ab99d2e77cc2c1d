// Package audit records the history of knowledge-base mutations in SQLite.
package audit

import (
	"context"
	"time"
)

// Actions written by the knowledge base.
const (
	ActionAddDocument    = "add_document"
	ActionDeleteDocument = "delete_document"
	ActionExportAll      = "export_all"
	ActionRebuildIndex   = "rebuild_index"
)

// Entry is one history record.
type Entry struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Detail    map[string]any `json:"detail"`
}

// ListOptions narrows a history listing. Entries come back newest first.
type ListOptions struct {
	Limit  int
	Action string
}

// Recorder is implemented by anything that can store history entries.
type Recorder interface {
	Record(ctx context.Context, action string, detail map[string]any) error
	List(ctx context.Context, opts ListOptions) ([]Entry, error)
	Close() error
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(context.Context, string, map[string]any) error { return nil }
func (Nop) List(context.Context, ListOptions) ([]Entry, error)   { return nil, nil }
func (Nop) Close() error                                         { return nil }
