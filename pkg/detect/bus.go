// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

package detect

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/freitascorp/mcpclaw/pkg/event"
	"github.com/freitascorp/mcpclaw/pkg/journal"
	"github.com/freitascorp/mcpclaw/pkg/notify"
)

// Bus fans observed events out to the registered detectors and owns all
// journal writes: one raw event row plus one engine_results row per finding.
//
// Two modes: Publish enqueues and returns a completion handle the caller
// may discard; PublishSync processes inline and returns only when every
// detector has finished. Transports use sync mode for tools/list responses
// so the DangerousToolSet is current before the rewriter runs.
type Bus struct {
	journal   journal.Store
	notifier  notify.Notifier
	detectors []Detector
	logger    *slog.Logger

	queue chan *job
	wg    sync.WaitGroup
	stop  chan struct{}
	once  sync.Once

	// Shed counts events dropped oldest-first when the queue saturates.
	Shed atomic.Int64
}

type job struct {
	event *event.MCPEvent
	done  chan struct{}
}

// Completion lets a publisher wait for the detector pass on one event.
type Completion struct {
	done <-chan struct{}
}

// Wait blocks until processing completes or ctx is cancelled.
func (c Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

const defaultQueueSize = 512

// NewBus creates a bus over the given journal and notifier.
func NewBus(store journal.Store, notifier notify.Notifier, logger *slog.Logger, detectors ...Detector) *Bus {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Bus{
		journal:   store,
		notifier:  notifier,
		detectors: detectors,
		logger:    logger,
		queue:     make(chan *job, defaultQueueSize),
		stop:      make(chan struct{}),
	}
}

// Start launches the single worker. One worker keeps journal writes
// serialized; detectors for one event still run concurrently.
func (b *Bus) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.stop:
				// Drain whatever is left.
				for {
					select {
					case j := <-b.queue:
						b.process(context.Background(), j.event)
						close(j.done)
					default:
						return
					}
				}
			case j := <-b.queue:
				b.process(context.Background(), j.event)
				close(j.done)
			}
		}
	}()
}

// Shutdown drains the queue with the given context as deadline.
func (b *Bus) Shutdown(ctx context.Context) {
	b.once.Do(func() { close(b.stop) })
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("event bus shutdown deadline hit; dropping queued events")
	}
}

// Publish enqueues the event for asynchronous processing. When the queue is
// full the oldest queued event is shed (counted, never blocking).
func (b *Bus) Publish(e *event.MCPEvent) Completion {
	j := &job{event: e, done: make(chan struct{})}
	select {
	case b.queue <- j:
		return Completion{done: j.done}
	default:
	}

	// Queue saturated: shed oldest, then retry once.
	select {
	case old := <-b.queue:
		b.Shed.Add(1)
		close(old.done)
	default:
	}
	select {
	case b.queue <- j:
	default:
		b.Shed.Add(1)
		close(j.done)
	}
	return Completion{done: j.done}
}

// PublishSync processes the event inline, returning after every detector
// has run and all findings are persisted.
func (b *Bus) PublishSync(ctx context.Context, e *event.MCPEvent) {
	b.process(ctx, e)
}

// process does the actual work: journal row, detector fan-out, finding rows.
func (b *Bus) process(ctx context.Context, e *event.MCPEvent) {
	rawID, err := b.journal.AppendEvent(ctx, e)
	if err != nil {
		// The journal is advisory; the event still reaches detectors.
		b.logger.Warn("journal write failed", "error", err, "mcp_tag", e.MCPTag)
	}

	b.notifier.Publish(ctx, notify.Notification{Topic: "event", Payload: e})

	if e.SkipAnalysis {
		return
	}

	var (
		mu       sync.Mutex
		findings []*event.Finding
		wg       sync.WaitGroup
	)
	for _, d := range b.detectors {
		if !d.Wants(e) {
			continue
		}
		wg.Add(1)
		go func(d Detector) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("detector panicked", "detector", d.Name(), "panic", r)
				}
			}()
			f, err := d.Analyze(ctx, e)
			if err != nil {
				b.logger.Warn("detector failed", "detector", d.Name(), "error", err)
				return
			}
			if f == nil || f.Severity == event.SeverityNone {
				return
			}
			f.EventID = e.ID
			f.Producer = e.Producer
			if f.ServerName == "" {
				f.ServerName = e.Server
			}
			mu.Lock()
			findings = append(findings, f)
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	for _, f := range findings {
		if rawID != 0 {
			if err := b.journal.AppendFinding(ctx, rawID, f); err != nil {
				b.logger.Warn("finding write failed", "detector", f.Engine, "error", err)
			}
		}
		b.notifier.Publish(ctx, notify.Notification{Topic: "finding", Payload: f})
	}
}
