// Package runlog is the pipeline's append-only log sink: entries are
// persisted to the bounded store table, mirrored to zap, and fanned out
// to live tail subscribers.
package runlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lccnetwork/catalog-sync/internal/model"
	"github.com/lccnetwork/catalog-sync/internal/store"
)

// Sink writes pipeline log entries.
type Sink struct {
	store store.Store

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

type subscriber struct {
	since time.Time
	ch    chan model.LogEntry
}

// New creates a Sink backed by the given store.
func New(st store.Store) *Sink {
	return &Sink{store: st, subs: make(map[int]*subscriber)}
}

// Option decorates a log entry.
type Option func(*model.LogEntry)

// WithCode tags the entry with a machine-readable code.
func WithCode(code string) Option {
	return func(e *model.LogEntry) { e.Code = code }
}

// WithLcc tags the entry with the tenant it concerns.
func WithLcc(lccID string) Option {
	return func(e *model.LogEntry) { e.LccID = lccID }
}

// WithItem tags the entry with the item it concerns.
func WithItem(itemID string) Option {
	return func(e *model.LogEntry) { e.ItemID = itemID }
}

// WithData attaches structured payload data.
func WithData(data map[string]any) Option {
	return func(e *model.LogEntry) { e.Data = data }
}

// Info logs at info level.
func (s *Sink) Info(ctx context.Context, processorID, message string, opts ...Option) error {
	return s.log(ctx, model.LogInfo, processorID, message, opts)
}

// Warn logs at warn level.
func (s *Sink) Warn(ctx context.Context, processorID, message string, opts ...Option) error {
	return s.log(ctx, model.LogWarn, processorID, message, opts)
}

// Error logs at error level.
func (s *Sink) Error(ctx context.Context, processorID, message string, opts ...Option) error {
	return s.log(ctx, model.LogError, processorID, message, opts)
}

// Debug logs at debug level.
func (s *Sink) Debug(ctx context.Context, processorID, message string, opts ...Option) error {
	return s.log(ctx, model.LogDebug, processorID, message, opts)
}

func (s *Sink) log(ctx context.Context, level model.LogLevel, processorID, message string, opts []Option) error {
	entry := model.LogEntry{
		ID:          uuid.New().String(),
		Time:        time.Now().UTC(),
		Level:       level,
		ProcessorID: processorID,
		Message:     message,
	}
	for _, opt := range opts {
		opt(&entry)
	}

	if err := s.store.AppendLog(ctx, entry); err != nil {
		return eris.Wrap(err, "runlog: append")
	}

	mirror(entry)
	s.broadcast(entry)
	return nil
}

// Tail subscribes to entries newer than since. The returned cancel func
// must be called to release the subscription. Entries are delivered
// best-effort: a subscriber that falls behind misses entries rather than
// blocking the pipeline.
func (s *Sink) Tail(since time.Time) (<-chan model.LogEntry, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	sub := &subscriber{since: since, ch: make(chan model.LogEntry, 64)}
	s.subs[id] = sub

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

func (s *Sink) broadcast(entry model.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if !entry.Time.After(sub.since) {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
		}
	}
}

func mirror(e model.LogEntry) {
	fields := []zap.Field{zap.String("processor_id", e.ProcessorID)}
	if e.Code != "" {
		fields = append(fields, zap.String("code", e.Code))
	}
	if e.LccID != "" {
		fields = append(fields, zap.String("lcc_id", e.LccID))
	}
	if e.ItemID != "" {
		fields = append(fields, zap.String("item_id", e.ItemID))
	}
	if e.Data != nil {
		fields = append(fields, zap.Any("data", e.Data))
	}

	switch e.Level {
	case model.LogError:
		zap.L().Error(e.Message, fields...)
	case model.LogWarn:
		zap.L().Warn(e.Message, fields...)
	case model.LogDebug:
		zap.L().Debug(e.Message, fields...)
	default:
		zap.L().Info(e.Message, fields...)
	}
}
