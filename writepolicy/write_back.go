package writepolicy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/krisalay/weather-cache/types"
)

// This file implements the "write-back" policy.

/*
WriteBackPolicy queues projections and writes them from one background worker.
*/
type WriteBackPolicy struct {
	w      Writer
	logger *slog.Logger

	// ch is a buffered channel that holds pending projections.
	// Buffering absorbs bursts (a preload, a refresh wave) without
	// blocking Get.
	ch chan job

	dropped atomic.Int64

	once sync.Once
	wg   sync.WaitGroup
}

// job is either a projection to write or a flush marker.
type job struct {
	proj  types.Projection
	flush chan struct{}
}

// NewWriteBackPolicy starts the worker. A nil logger uses slog.Default.
func NewWriteBackPolicy(w Writer, buffer int, logger *slog.Logger) *WriteBackPolicy {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &WriteBackPolicy{
		w:      w,
		logger: logger,
		ch:     make(chan job, buffer),
	}

	p.wg.Add(1)
	go p.worker()

	return p
}

// OnWrite queues the projection. If the queue is full the projection is
// dropped and logged; a later write of the same key supersedes it anyway.
func (p *WriteBackPolicy) OnWrite(ctx context.Context, proj types.Projection) {
	select {
	case p.ch <- job{proj: proj}:
	default:
		p.dropped.Add(1)
		p.logger.WarnContext(ctx, "write-back queue full, dropping projection", "key", proj.Key)
	}
}

/*
Flush waits until the worker has handled everything queued before the call.
Unlike OnWrite it blocks while the queue is full.

Flush must not be called after Close.
*/
func (p *WriteBackPolicy) Flush() {
	done := make(chan struct{})
	p.ch <- job{flush: done}
	<-done
}

// Dropped returns how many projections were dropped on a full queue.
func (p *WriteBackPolicy) Dropped() int64 {
	return p.dropped.Load()
}

/*
worker drains the queue.

The request that produced a projection may be long gone by the time it is
written, so writes use their own context.
*/
func (p *WriteBackPolicy) worker() {
	defer p.wg.Done()

	for j := range p.ch {
		if j.flush != nil {
			close(j.flush)
			continue
		}
		p.w.Write(context.Background(), j.proj)
	}
}

/*
Close shuts down the write-back policy gracefully.
------------------
1. Close the channel (no more writes accepted)
2. Wait for the worker to finish processing queued writes

OnWrite must not be called after Close.
*/
func (p *WriteBackPolicy) Close() {
	p.once.Do(func() {
		close(p.ch)
		p.wg.Wait()
	})
}
