// Package consumer drives a handler over the log's record stream, resuming
// from a durably checkpointed position and persisting progress per record.
package consumer

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dsjohal14/seglog/internal/checkpoint"
	"github.com/dsjohal14/seglog/internal/wal"
)

// Handler processes one record. The record is released by the consumer after
// the handler returns; handlers must copy the payload to retain it.
type Handler func(ctx context.Context, rec *wal.Record) error

// ErrorHandler is invoked when Handler fails. Returning true marks the error
// handled; otherwise the consumer logs it. Processing continues either way.
type ErrorHandler func(ctx context.Context, rec *wal.Record, err error) bool

// StartOptions control where the consumer resumes.
type StartOptions struct {
	// Position is the fallback start position when no checkpoint exists, or
	// the forced position with OverrideCheckpoint. It denotes the last
	// processed record: delivery resumes after it.
	Position wal.Position

	// OverrideCheckpoint discards the stored checkpoint in favor of
	// Position.
	OverrideCheckpoint bool
}

// Consumer wraps a Log and an optional checkpoint store and pumps records
// into a registered handler.
type Consumer struct {
	log        *wal.Log
	store      *checkpoint.Store
	handler    Handler
	errHandler ErrorHandler
	logger     zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	pos  wal.Position
	skip bool
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithErrorHandler installs a per-record error handler.
func WithErrorHandler(h ErrorHandler) Option {
	return func(c *Consumer) { c.errHandler = h }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Consumer) { c.logger = l }
}

// New creates a consumer. The checkpoint store may be nil, in which case
// progress is tracked in memory only.
func New(log *wal.Log, store *checkpoint.Store, handler Handler, opts ...Option) *Consumer {
	c := &Consumer{
		log:     log,
		store:   store,
		handler: handler,
		logger:  zerolog.Nop(),
	}
	for _, fn := range opts {
		fn(c)
	}
	c.logger = c.logger.With().Str("component", "consumer").Logger()
	return c
}

// Start resolves the resume position and launches the background loop. A
// concrete position always denotes the last processed record, so the record
// exactly at the position is dropped instead of re-delivered.
func (c *Consumer) Start(ctx context.Context, opts StartOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	switch {
	case opts.OverrideCheckpoint:
		c.pos = opts.Position
		c.skip = !c.pos.IsNone()
		if c.store != nil {
			if err := c.store.Save(c.pos); err != nil {
				return err
			}
		}
	case c.store != nil:
		stored, err := c.store.Load()
		if err != nil {
			return err
		}
		if stored.IsNone() {
			c.pos = opts.Position
		} else {
			c.pos = stored
		}
		c.skip = !c.pos.IsNone()
	default:
		// No store: resume from the in-memory position of a previous run,
		// falling back to the caller's position.
		if c.pos.IsNone() {
			c.pos = opts.Position
		}
		c.skip = !c.pos.IsNone()
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	go c.run(runCtx)
	return nil
}

// Stop pauses the loop and awaits quiescence. It is not destructive: Start
// resumes from the last persisted position.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// Run starts the consumer and blocks until ctx is cancelled, then stops.
func (c *Consumer) Run(ctx context.Context, opts StartOptions) error {
	if err := c.Start(ctx, opts); err != nil {
		return err
	}
	<-ctx.Done()
	c.Stop()
	return ctx.Err()
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)

	c.mu.Lock()
	pos, skip := c.pos, c.skip
	c.mu.Unlock()

	cur, err := c.log.Read(ctx, wal.ReadOptions{
		Position: pos,
		Limit:    -1,
		Watch:    true,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("read stream failed to open")
		return
	}
	defer func() { _ = cur.Close() }()

	for cur.Next(ctx) {
		rec := cur.Record()
		if skip && pos.At(rec.Sequence, rec.Timestamp) {
			skip = false
			rec.Release()
			continue
		}
		skip = false

		if err := c.handler(ctx, rec); err != nil {
			handled := false
			if c.errHandler != nil {
				handled = c.errHandler(ctx, rec, err)
			}
			if !handled {
				c.logger.Error().
					Err(err).
					Uint64("sequence", rec.Sequence).
					Msg("record handler failed")
			}
		}

		// Advance preserving the dimension of the initial position.
		if pos.Kind == wal.PositionTimestamp {
			pos = wal.TimestampPosition(rec.Timestamp)
		} else {
			pos = wal.SequencePosition(rec.Sequence)
		}
		c.setPosition(pos)
		rec.Release()
	}
	if err := cur.Err(); err != nil && err != context.Canceled {
		c.logger.Warn().Err(err).Msg("read stream terminated")
	}
}

// setPosition records and persists the last processed position.
func (c *Consumer) setPosition(pos wal.Position) {
	c.mu.Lock()
	c.pos = pos
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Save(pos); err != nil {
			c.logger.Warn().Err(err).Msg("checkpoint save failed")
		}
	}
}

// Position returns the last processed position.
func (c *Consumer) Position() wal.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}
