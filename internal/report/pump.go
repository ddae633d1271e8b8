package report

import (
	"context"
	"sync"
	"time"
	"xfl/config"
	"xfl/internal/stats"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Pump delivers the snapshots of one worker in order, from a single
// goroutine. Offers never block: when the sink is slow, a newer pending
// snapshot replaces an older one. Errors never reach the worker.
type Pump struct {
	sink   Sink
	cfg    config.ReportConfig
	logger *zap.Logger
	onStop func()

	mu      sync.Mutex
	pending *stats.Snapshot
	closed  bool
	wake    chan struct{}
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPump starts the delivery goroutine. onStop is called (at most once per
// ack) when the scheduler asks the worker to stop.
func NewPump(sink Sink, cfg config.ReportConfig, logger *zap.Logger, onStop func()) *Pump {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pump{
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		onStop: onStop,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go p.run()
	return p
}

// Offer queues a snapshot for delivery, replacing any snapshot still waiting.
func (p *Pump) Offer(snapshot stats.Snapshot) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.pending = &snapshot
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close delivers the final snapshot after everything offered before it, and
// waits until it was sent or ctx expired.
func (p *Pump) Close(ctx context.Context, final stats.Snapshot) {
	p.Offer(final)
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		p.cancel()
		<-p.done
	}
}

func (p *Pump) run() {
	defer close(p.done)
	defer p.cancel()
	for {
		select {
		case <-p.wake:
		case <-p.ctx.Done():
			return
		}

		for {
			p.mu.Lock()
			next, closed := p.pending, p.closed
			p.pending = nil
			p.mu.Unlock()

			if next == nil {
				if closed {
					return
				}
				break
			}
			p.deliver(*next)
		}
	}
}

func (p *Pump) deliver(snapshot stats.Snapshot) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(p.newBackOff(), uint64(max(p.cfg.MaxAttempts-1, 0))),
		p.ctx,
	)

	attempt := 0
	ack, err := backoff.RetryWithData(func() (Ack, error) {
		attempt++
		ack, err := p.sink.Report(p.ctx, snapshot)
		if err != nil && !IsTransient(err) {
			return ack, backoff.Permanent(err)
		}
		if err != nil {
			p.logger.Debug("stats report failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		}
		return ack, err
	}, policy)

	if err != nil {
		p.logger.Warn("dropping stats snapshot",
			zap.Int("worker_id", snapshot.WorkerID),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return
	}
	if ack.Cancel && p.onStop != nil {
		p.logger.Info("scheduler requested stop", zap.Int("worker_id", snapshot.WorkerID))
		p.onStop()
	}
}

func (p *Pump) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	if p.cfg.Interval > 0 && p.cfg.Interval < b.MaxInterval {
		b.MaxInterval = p.cfg.Interval
	}
	b.InitialInterval = min(b.InitialInterval, b.MaxInterval)
	b.Reset()
	return b
}
