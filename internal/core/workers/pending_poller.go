package workers

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/comitanigiacomo/caresync/internal/core/services"
)

const DefaultPollInterval = 30 * time.Second

type StatsSource interface {
	Stats(ctx context.Context) (services.QueueStats, error)
}

// PendingPoller refreshes the queue counters shown next to the sync status.
type PendingPoller struct {
	source   StatsSource
	interval time.Duration
	onUpdate func(services.QueueStats)

	mu     sync.RWMutex
	latest services.QueueStats
}

func NewPendingPoller(source StatsSource, interval time.Duration, onUpdate func(services.QueueStats)) *PendingPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PendingPoller{
		source:   source,
		interval: interval,
		onUpdate: onUpdate,
	}
}

func (p *PendingPoller) Latest() services.QueueStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Start polls once right away, then on every tick until ctx is cancelled.
func (p *PendingPoller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.poll(ctx)
		for {
			select {
			case <-ticker.C:
				p.poll(ctx)
			case <-ctx.Done():
				log.Println("[WORKER] Pending poller shutting down...")
				return
			}
		}
	}()
}

// Refresh polls right away, outside the regular schedule. The connectivity
// watcher calls it after a reconnect sweep so the counters do not lag.
func (p *PendingPoller) Refresh(ctx context.Context) {
	p.poll(ctx)
}

func (p *PendingPoller) poll(ctx context.Context) {
	stats, err := p.source.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[WORKER] Failed to read queue stats: %v", err)
		}
		return
	}

	p.mu.Lock()
	p.latest = stats
	p.mu.Unlock()

	if p.onUpdate != nil {
		p.onUpdate(stats)
	}
}
