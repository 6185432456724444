package axis

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// DiagnosticDump is emitted when the watchdog observes the scheduler's
// cooperative loop blocked longer than its threshold.
type DiagnosticDump struct {
	Timestamp         time.Time `json:"timestamp"`
	EventLoopBlockedMs int64    `json:"eventLoopBlockedMs"`
	HeapAllocBytes    uint64    `json:"heapAllocBytes"`
	HeapSysBytes      uint64    `json:"heapSysBytes"`
	NumGoroutine      int       `json:"numGoroutine"`
	Uptime            time.Duration `json:"uptime"`
}

// Watchdog samples the gap between expected and actual ticks on the
// scheduler's cooperative loop.
type Watchdog struct {
	blockThreshold time.Duration
	checkInterval  time.Duration
	logger         *slog.Logger
	startedAt      time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func NewWatchdog(blockThreshold, checkInterval time.Duration, logger *slog.Logger) *Watchdog {
	return &Watchdog{blockThreshold: blockThreshold, checkInterval: checkInterval, logger: logger}
}

// Start begins sampling on a background goroutine. Idempotent: a second
// call while already running is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.startedAt = time.Now()

	go w.loop(runCtx)
}

// Stop halts sampling. Idempotent: a second call while already stopped
// is a no-op.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.cancel()
	w.running = false
}

func (w *Watchdog) loop(ctx context.Context) {
	interval := w.checkInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			lag := now.Sub(last) - interval
			last = now
			if lag > w.blockThreshold {
				w.emit(lag)
			}
		}
	}
}

func (w *Watchdog) emit(lag time.Duration) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	dump := DiagnosticDump{
		Timestamp:          time.Now(),
		EventLoopBlockedMs: lag.Milliseconds(),
		HeapAllocBytes:     mem.HeapAlloc,
		HeapSysBytes:       mem.HeapSys,
		NumGoroutine:       runtime.NumGoroutine(),
		Uptime:             time.Since(w.startedAt),
	}
	if w.logger != nil {
		w.logger.Warn("scheduler loop stall detected",
			"blockedMs", dump.EventLoopBlockedMs,
			"heapAlloc", dump.HeapAllocBytes,
			"goroutines", dump.NumGoroutine,
			"uptime", dump.Uptime)
	}
}
