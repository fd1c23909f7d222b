package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"escrowcore/storage"
)

// Record is the serialised form of an observation.
type Record struct {
	Chain    string `json:"chain"`
	Handle   string `json:"handle"`
	Height   uint64 `json:"height"`
	Index    int    `json:"index"`
	Name     string `json:"name"`
	RecordID uint64 `json:"recordId,omitempty"`
	Event    any    `json:"event,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewRecord converts an observation to its serialised form.
func NewRecord(o Observation) Record {
	rec := Record{
		Chain:    string(o.Chain),
		Handle:   o.Handle,
		Height:   o.Height,
		Index:    o.Index,
		Name:     string(o.Name),
		RecordID: o.RecordID(),
	}
	if o.Event != nil {
		rec.Event = o.Event
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	return rec
}

// EventRecorder persists observed events. *storage.Store satisfies it.
type EventRecorder interface {
	RecordEvents(ctx context.Context, events []storage.ObservedEvent) (int64, error)
}

// StoreSink writes observations to the observed events table.
type StoreSink struct {
	store EventRecorder
}

// NewStoreSink builds a storage sink.
func NewStoreSink(store EventRecorder) *StoreSink { return &StoreSink{store: store} }

// Name implements Sink.
func (s *StoreSink) Name() string { return "storage" }

// Deliver implements Sink. Rows already present are left untouched.
func (s *StoreSink) Deliver(ctx context.Context, batch []Observation) error {
	rows := make([]storage.ObservedEvent, 0, len(batch))
	for _, o := range batch {
		row := storage.ObservedEvent{
			Chain:    string(o.Chain),
			Handle:   o.Handle,
			LogIndex: o.Index,
			Name:     string(o.Name),
			RecordID: o.RecordID(),
			Height:   o.Height,
		}
		if o.Event != nil {
			payload, err := json.Marshal(o.Event)
			if err != nil {
				return fmt.Errorf("encode %s payload: %w", o.Name, err)
			}
			row.Payload = string(payload)
		}
		if o.Err != nil {
			row.Error = o.Err.Error()
		}
		rows = append(rows, row)
	}
	_, err := s.store.RecordEvents(ctx, rows)
	return err
}

// LogSink writes one structured log line per observation.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds a logging sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink.
func (s *LogSink) Deliver(ctx context.Context, batch []Observation) error {
	for _, o := range batch {
		attrs := []any{
			"chain", string(o.Chain),
			"handle", o.Handle,
			"height", o.Height,
			"index", o.Index,
			"event", string(o.Name),
		}
		if o.Err != nil {
			s.logger.WarnContext(ctx, "malformed escrow event", append(attrs, "error", o.Err)...)
			continue
		}
		s.logger.InfoContext(ctx, "escrow event observed", append(attrs, "record_id", o.RecordID())...)
	}
	return nil
}
