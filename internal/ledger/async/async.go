// Package async wraps a ledger.Store with buffered background writes so
// recording a finished turn never blocks the event path.
package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/turnstream/turnstream-gateway/internal/ledger"
)

// Store wraps a ledger.Store with asynchronous batch writes. Entries are
// queued in memory and flushed in batches. Entries may be lost if the
// process crashes before flushing.
type Store struct {
	underlying    ledger.Store
	entryChan     chan ledger.Entry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
	logger        *log.Logger
}

// Config configures the async ledger behavior.
type Config struct {
	BatchSize     int           // maximum entries per batch (default 100)
	FlushInterval time.Duration // maximum time between flushes (default 1s)
	ChannelBuffer int           // queue capacity (default 10000)
	Logger        *log.Logger   // optional diagnostics
}

// New wraps an existing ledger store with async batch writing.
func New(underlying ledger.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}

	s := &Store{
		underlying:    underlying,
		entryChan:     make(chan ledger.Entry, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stopChan:      make(chan struct{}),
		logger:        cfg.Logger,
	}
	s.wg.Add(1)
	go s.batchWriter()
	return s
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Store) batchWriter() {
	defer s.wg.Done()

	batch := make([]ledger.Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		for _, entry := range batch {
			if err := s.underlying.Record(ctx, entry); err != nil {
				s.logf("ledger: async write failed turn_id=%s err=%v", entry.TurnID, err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-s.entryChan:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopChan:
			// Drain whatever is still queued before shutting down.
			for {
				select {
				case entry := <-s.entryChan:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Record queues the entry for background writing. When the queue is full
// the entry is dropped rather than blocking the caller.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	select {
	case s.entryChan <- entry:
		return nil
	default:
		s.logf("ledger: async queue full, dropping turn_id=%s", entry.TurnID)
		return nil
	}
}

// Summary delegates to the underlying store. Recently queued entries may
// not be visible yet.
func (s *Store) Summary(ctx context.Context, identity string) (ledger.Summary, error) {
	return s.underlying.Summary(ctx, identity)
}

// ListRecent delegates to the underlying store.
func (s *Store) ListRecent(ctx context.Context, identity string, limit int) ([]ledger.Entry, error) {
	return s.underlying.ListRecent(ctx, identity, limit)
}

// Close flushes queued entries and closes the underlying store.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return s.underlying.Close()
}
