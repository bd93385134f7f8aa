package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/puyokura/dashchat/logger"
	"github.com/puyokura/dashchat/metrics"
	"github.com/puyokura/dashchat/model"
)

// StateSource is the realtime connection as seen by the poller.
type StateSource interface {
	State() model.ConnectionState
	// Watch delivers state changes until the returned func is called.
	Watch() (<-chan model.ConnectionState, func())
}

// Fetcher loads the messages a poll should reconcile.
type Fetcher interface {
	Recent(ctx context.Context) ([]model.ChatMessage, error)
}

// Sink receives poll results.
type Sink interface {
	ApplyAll(batch []model.ChatMessage) bool
}

// Poller runs fetches on a fixed interval while the realtime state is
// anything but Connected.
type Poller struct {
	source   StateSource
	fetch    Fetcher
	sink     Sink
	interval time.Duration
	logger   *slog.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	pollCancel context.CancelFunc
	gen        uint64
}

func NewPoller(source StateSource, fetch Fetcher, sink Sink, interval time.Duration, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Poller{
		source:   source,
		fetch:    fetch,
		sink:     sink,
		interval: interval,
		logger:   logger.OrDefault(log).With(slog.String("component", "fallback_poller")),
	}
}

// Start begins watching the connection state. Calling Start on a running
// poller does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	states, unwatch := p.source.Watch()
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.supervise(ctx, states, unwatch, p.done)
}

// Stop halts polling and waits for the supervisor to exit. A fetch still in
// flight is abandoned and its result discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Active reports whether the poll loop is currently running.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pollCancel != nil
}

func (p *Poller) supervise(ctx context.Context, states <-chan model.ConnectionState, unwatch func(), done chan struct{}) {
	defer close(done)
	defer unwatch()
	defer p.stopPolling()

	p.react(ctx, p.source.State())
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			p.react(ctx, st)
		}
	}
}

func (p *Poller) react(ctx context.Context, st model.ConnectionState) {
	if st == model.Connected {
		p.stopPolling()
		return
	}
	p.startPolling(ctx)
}

func (p *Poller) startPolling(parent context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pollCancel != nil {
		return
	}

	p.gen++
	ctx, cancel := context.WithCancel(parent)
	p.pollCancel = cancel
	p.logger.Info("fallback polling started", slog.Duration("interval", p.interval))
	go p.loop(ctx, p.gen)
}

func (p *Poller) stopPolling() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pollCancel == nil {
		return
	}
	p.pollCancel()
	p.pollCancel = nil
	p.gen++
	p.logger.Info("fallback polling stopped")
}

func (p *Poller) loop(ctx context.Context, gen uint64) {
	p.tick(ctx, gen)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, gen)
		}
	}
}

func (p *Poller) tick(ctx context.Context, gen uint64) {
	msgs, err := p.fetch.Recent(ctx)
	if ctx.Err() != nil {
		metrics.PollTotal.WithLabelValues(metrics.OutcomeStale).Inc()
		return
	}
	if err != nil {
		metrics.PollTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		p.logger.WarnContext(ctx, "poll failed", slog.String("error", err.Error()))
		return
	}

	// Applied under the lock so a stop that lands mid-fetch always wins.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || p.pollCancel == nil {
		metrics.PollTotal.WithLabelValues(metrics.OutcomeStale).Inc()
		return
	}
	p.sink.ApplyAll(msgs)
	metrics.PollTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
}
