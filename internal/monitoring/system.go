package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemCollector samples process CPU, memory, and goroutine counts on
// a ticker and feeds the system gauges.
type SystemCollector struct {
	interval time.Duration
	logger   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewSystemCollector returns a stopped collector sampling every
// interval.
func NewSystemCollector(interval time.Duration, logger zerolog.Logger) *SystemCollector {
	return &SystemCollector{
		interval: interval,
		logger:   logger.With().Str("component", "system_collector").Logger(),
		done:     make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (sc *SystemCollector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sc.cancel = cancel
	go sc.run(ctx)
}

// Stop halts sampling and waits for the loop to exit.
func (sc *SystemCollector) Stop() {
	sc.once.Do(func() {
		if sc.cancel != nil {
			sc.cancel()
		}
		<-sc.done
	})
}

func (sc *SystemCollector) run(ctx context.Context) {
	defer close(sc.done)

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		sc.logger.Warn().Err(err).Msg("process handle unavailable, system sampling disabled")
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.sample(proc)
		}
	}
}

func (sc *SystemCollector) sample(proc *process.Process) {
	if pct, err := proc.CPUPercent(); err == nil {
		SystemCPUPercent.Set(pct)
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		SystemMemoryBytes.Set(float64(mem.RSS))
	}
	SystemGoroutines.Set(float64(runtime.NumGoroutine()))
}
