package presence

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// OnlineLister fetches the current online set over HTTP.
type OnlineLister interface {
	OnlineUsers(ctx context.Context) ([]string, error)
}

// Poller periodically reconciles the tracker against the HTTP online
// list. It runs at the fast interval until the first push presence event
// is observed, then drops to the idle interval as a safety net.
type Poller struct {
	tracker  *Tracker
	lister   OnlineLister
	interval time.Duration
	idle     time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(tracker *Tracker, lister OnlineLister, interval, idle time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		tracker:  tracker,
		lister:   lister,
		interval: interval,
		idle:     idle,
		logger:   logger,
	}
}

// Start launches the poll loop. Stop must be called to shut it down.
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
}

func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	timer := time.NewTimer(p.next())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		p.pollOnce(ctx)
		timer.Reset(p.next())
	}
}

func (p *Poller) next() time.Duration {
	if p.tracker.PushSeen() {
		return p.idle
	}
	return p.interval
}

func (p *Poller) pollOnce(ctx context.Context) {
	sampledAt := time.Now()
	online, err := p.lister.OnlineUsers(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("presence poll failed", zap.Error(err))
		}
		return
	}
	p.tracker.ApplyPollResult(online, sampledAt)
}
