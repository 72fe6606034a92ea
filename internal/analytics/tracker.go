package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sink receives flushed event batches.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []Event) error
}

// Config controls batching.
type Config struct {
	BatchSize     int           `json:"batch_size"`
	MaxBuffer     int           `json:"max_buffer"`
	FlushSchedule string        `json:"flush_schedule"`
	FlushTimeout  time.Duration `json:"flush_timeout"`
}

// DefaultConfig returns default batching configuration
func DefaultConfig() Config {
	return Config{
		BatchSize:     50,
		MaxBuffer:     5000,
		FlushSchedule: "@every 10s",
		FlushTimeout:  10 * time.Second,
	}
}

// Tracker buffers events and delivers them to every sink in batches.
// Sink failures are logged and never reach the caller of Track.
type Tracker struct {
	sinks  []Sink
	logger *zap.Logger
	config Config
	cron   *cron.Cron

	mu      sync.Mutex
	buffer  []Event
	closed  bool
	flushMu sync.Mutex
	wg      sync.WaitGroup
}

// NewTracker creates a tracker and registers its flush schedule.
func NewTracker(logger *zap.Logger, config Config, sinks ...Sink) (*Tracker, error) {
	def := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MaxBuffer <= 0 {
		config.MaxBuffer = def.MaxBuffer
	}
	if config.FlushSchedule == "" {
		config.FlushSchedule = def.FlushSchedule
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = def.FlushTimeout
	}

	t := &Tracker{
		sinks:  sinks,
		logger: logger,
		config: config,
		cron:   cron.New(),
	}

	if _, err := t.cron.AddFunc(config.FlushSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.config.FlushTimeout)
		defer cancel()
		t.Flush(ctx)
	}); err != nil {
		return nil, fmt.Errorf("invalid analytics flush schedule %q: %w", config.FlushSchedule, err)
	}

	return t, nil
}

// Start begins the periodic flush.
func (t *Tracker) Start() {
	t.logger.Info("Starting analytics tracker",
		zap.String("schedule", t.config.FlushSchedule),
		zap.Int("sinks", len(t.sinks)))
	t.cron.Start()
}

// Track enqueues an event. A full batch triggers an asynchronous flush.
func (t *Tracker) Track(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.logger.Debug("Dropping analytics event after close", zap.String("type", string(event.Type)))
		return
	}
	if len(t.buffer) >= t.config.MaxBuffer {
		t.buffer = t.buffer[1:]
		t.logger.Warn("Analytics buffer full, dropping oldest event")
	}
	t.buffer = append(t.buffer, event)
	full := len(t.buffer) >= t.config.BatchSize
	if full {
		t.wg.Add(1)
	}
	t.mu.Unlock()

	if full {
		go func() {
			defer t.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), t.config.FlushTimeout)
			defer cancel()
			t.Flush(ctx)
		}()
	}
}

// Pending returns the number of buffered events.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}

// Flush delivers the buffered events and returns how many were taken.
func (t *Tracker) Flush(ctx context.Context) int {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	batch := t.buffer
	t.buffer = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	for _, sink := range t.sinks {
		if err := sink.Write(ctx, batch); err != nil {
			t.logger.Error("Failed to deliver analytics batch",
				zap.String("sink", sink.Name()),
				zap.Int("events", len(batch)),
				zap.Error(err))
		}
	}
	return len(batch)
}

// Close stops the schedule and flushes what is left.
func (t *Tracker) Close(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	stopped := t.cron.Stop()
	<-stopped.Done()
	t.wg.Wait()

	n := t.Flush(ctx)
	t.logger.Info("Analytics tracker closed", zap.Int("flushed", n))
}

type nopTracker struct{}

func (nopTracker) Track(Event) {}

// Nop returns a tracker that drops every event.
func Nop() interface{ Track(Event) } { return nopTracker{} }
