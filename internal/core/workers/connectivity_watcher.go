package workers

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/comitanigiacomo/caresync/internal/core/services"
)

type Syncer interface {
	SyncPendingChanges(ctx context.Context) (services.SyncResult, error)
}

// ConnectivityWatcher turns online/offline signals into sync sweeps. A sweep
// starts once the connection has been back for the debounce window; flapping
// inside the window produces a single sweep.
type ConnectivityWatcher struct {
	syncer   Syncer
	debounce time.Duration
	signals  chan bool

	afterSync []func(ctx context.Context)

	online atomic.Bool
	sweeps atomic.Int64
}

func NewConnectivityWatcher(syncer Syncer, debounce time.Duration, online bool) *ConnectivityWatcher {
	w := &ConnectivityWatcher{
		syncer:   syncer,
		debounce: debounce,
		signals:  make(chan bool, 16),
	}
	w.online.Store(online)
	return w
}

func (w *ConnectivityWatcher) Online() bool {
	return w.online.Load()
}

// Sweeps reports how many reconnect sweeps the watcher has started.
func (w *ConnectivityWatcher) Sweeps() int64 {
	return w.sweeps.Load()
}

// AfterSync registers fn to run once each reconnect sweep returns. Call it
// before Start.
func (w *ConnectivityWatcher) AfterSync(fn func(ctx context.Context)) {
	w.afterSync = append(w.afterSync, fn)
}

func (w *ConnectivityWatcher) SetOnline(online bool) {
	select {
	case w.signals <- online:
	default:
		log.Printf("[WORKER] Connectivity signal queue full, dropping online=%t", online)
	}
}

func (w *ConnectivityWatcher) Start(ctx context.Context) {
	go func() {
		log.Println("[WORKER] Connectivity watcher started")

		var timer *time.Timer
		var reconnect <-chan time.Time
		stop := func() {
			if timer != nil {
				timer.Stop()
			}
			reconnect = nil
		}

		for {
			select {
			case online := <-w.signals:
				wasOnline := w.online.Swap(online)
				switch {
				case online && !wasOnline:
					log.Println("[WORKER] Connection restored")
					stop()
					timer = time.NewTimer(w.debounce)
					reconnect = timer.C
				case !online && wasOnline:
					log.Println("[WORKER] Connection lost, queueing changes locally")
					stop()
				}

			case <-reconnect:
				reconnect = nil
				w.sweeps.Add(1)
				// The sweep runs off the loop so edges keep draining while it works.
				go w.sync(ctx)

			case <-ctx.Done():
				stop()
				log.Println("[WORKER] Connectivity watcher shutting down...")
				return
			}
		}
	}()
}

func (w *ConnectivityWatcher) sync(ctx context.Context) {
	defer func() {
		for _, fn := range w.afterSync {
			fn(ctx)
		}
	}()

	result, err := w.syncer.SyncPendingChanges(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[ERROR] Reconnect sync failed: %v", err)
		}
		return
	}
	if result.Success > 0 || result.Failed > 0 {
		log.Printf("[WORKER] Reconnect sync: %d synced, %d failed", result.Success, result.Failed)
	}
}
