package identitysync

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/storefront_backend/config"
	"github.com/sirupsen/logrus"
)

const defaultReconcileInterval = 60 * time.Second

// Daemon is the background reconciliation loop. It owns its state machine
// explicitly (stopped <-> running) instead of ambient package-level flags so
// the transitions are testable.
type Daemon struct {
	svc    *Service
	logger *logrus.Logger

	mu              sync.Mutex
	running         bool
	cancel          context.CancelFunc
	interval        time.Duration
	wake            chan struct{}
	lastRunAt       *time.Time
	lastRunDuration time.Duration
	totalRuns       int
	successfulRuns  int
	failedRuns      int
}

// DaemonStatus is the status-query snapshot.
type DaemonStatus struct {
	Running           bool       `json:"running"`
	LastRunAt         *time.Time `json:"lastRunAt"`
	IntervalMs        int64      `json:"intervalMs"`
	TotalRuns         int        `json:"totalRuns"`
	SuccessfulRuns    int        `json:"successfulRuns"`
	FailedRuns        int        `json:"failedRuns"`
	LastRunDurationMs int64      `json:"lastRunDurationMs"`
}

func NewDaemon(svc *Service, logger *logrus.Logger) *Daemon {
	interval := defaultReconcileInterval
	if v := strings.TrimSpace(os.Getenv("RECONCILE_INTERVAL_MS")); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			interval = time.Duration(ms) * time.Millisecond
		}
	}
	return &Daemon{
		svc:      svc,
		logger:   logger,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the loop. Starting an already-running daemon is a no-op
// with a warning.
func (d *Daemon) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.logger.WithFields(logrus.Fields{"module": "identitysync"}).Warn("reconciliation daemon already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.running = true
	d.cancel = cancel
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"module":   "identitysync",
		"interval": d.Interval().String(),
	}).Info("reconciliation daemon started")
	go d.loop(ctx)
}

// Stop halts the loop. Stopping a stopped daemon is a no-op with a warning.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		d.logger.WithFields(logrus.Fields{"module": "identitysync"}).Warn("reconciliation daemon not running")
		return
	}
	d.running = false
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	cancel()
	d.logger.WithFields(logrus.Fields{"module": "identitysync"}).Info("reconciliation daemon stopped")
}

// SetInterval changes the polling interval. While running, the timer restarts
// with the new interval without leaving the running state.
func (d *Daemon) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.mu.Lock()
	d.interval = interval
	running := d.running
	d.mu.Unlock()

	if running {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

func (d *Daemon) Interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}

func (d *Daemon) Status() DaemonStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DaemonStatus{
		Running:           d.running,
		LastRunAt:         d.lastRunAt,
		IntervalMs:        d.interval.Milliseconds(),
		TotalRuns:         d.totalRuns,
		SuccessfulRuns:    d.successfulRuns,
		FailedRuns:        d.failedRuns,
		LastRunDurationMs: d.lastRunDuration.Milliseconds(),
	}
}

func (d *Daemon) loop(ctx context.Context) {
	// First pass immediately on start, then on the interval.
	d.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			// Interval changed; restart the timer without running a pass.
			continue
		case <-time.After(d.Interval()):
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.runPass(ctx)
	}
}

// runPass executes one reconciliation pass. A pass that fails or panics is
// recorded and logged; the next interval tries again.
func (d *Daemon) runPass(ctx context.Context) {
	start := time.Now()

	var passErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				passErr = fmt.Errorf("reconciliation pass panicked: %v", r)
			}
		}()
		passErr = d.reconcileOnce(ctx)
	}()

	duration := time.Since(start)
	d.mu.Lock()
	d.lastRunAt = &start
	d.lastRunDuration = duration
	d.totalRuns++
	if passErr != nil {
		d.failedRuns++
	} else {
		d.successfulRuns++
	}
	d.mu.Unlock()

	if passErr != nil {
		config.LogError(d.logger, "identitysync", "runPass", "reconcile", nil, passErr)
	}
}

func (d *Daemon) reconcileOnce(ctx context.Context) error {
	// Only one replica reconciles at a time. Without redis we proceed anyway;
	// the pull path is idempotent so overlap is wasteful, not unsafe.
	var lock *redislock.Lock
	if locker := config.GetRedisLock(); locker == nil {
		d.logger.WithFields(logrus.Fields{"module": "identitysync"}).Warn("redis lock not ready; reconciling without lock")
	} else {
		var err error
		lock, err = locker.Obtain(ctx, "lock:identity-sync:pass", 30*time.Second, nil)
		if err == redislock.ErrNotObtained {
			d.logger.WithFields(logrus.Fields{"module": "identitysync"}).Info("another replica is reconciling; skipping pass")
			return nil
		} else if err != nil {
			d.logger.WithFields(logrus.Fields{"module": "identitysync"}).Warn("could not obtain redis lock; reconciling without lock")
			lock = nil
		}
	}
	if lock != nil {
		defer func() { _ = lock.Release(context.Background()) }()
	}

	stats, err := d.svc.Reconcile(ctx)
	if err != nil {
		return err
	}
	d.logger.WithFields(logrus.Fields{
		"module":   "identitysync",
		"examined": stats.Examined,
		"created":  stats.Created,
		"updated":  stats.Updated,
		"unlinked": stats.Unlinked,
		"errors":   stats.Errors,
	}).Info("reconciliation pass finished")
	return nil
}
