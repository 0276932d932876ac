// Package daemon decides when the sync orchestrator runs.
//
// The daemon:
// 1. Runs a pass when connectivity is restored
// 2. Runs a pass on a fixed interval, armed only while online
// 3. Runs a pass when the app returns to the foreground
// 4. Runs a pass when the edge cache asks for a background sync
// 5. Re-runs a pass when the earliest backed-off operation becomes due
// 6. Handles graceful shutdown
//
// Passes are started from a single goroutine, one at a time. Triggers that
// arrive while a pass runs are collapsed into one follow-up pass.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"time"

	"github.com/cognitrack/offsync/internal/offline/edgecache"
	"github.com/cognitrack/offsync/internal/offline/schema"
	"github.com/cognitrack/offsync/internal/offline/sync"
)

// Orchestrator runs sync passes.
type Orchestrator interface {
	Trigger(ctx context.Context, reason sync.Reason) (sync.PassResult, error)
}

// Connectivity is the reachability signal the daemon follows.
type Connectivity interface {
	IsOnline() bool
	OnChange(fn func(schema.ConnectivityState)) (unsubscribe func())
	OnForeground(fn func()) (unsubscribe func())
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often a pass runs while online (0 disables the timer)
	Interval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 5 * time.Minute,
		Logger:   log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon schedules sync passes.
type Daemon struct {
	orch     Orchestrator
	conn     Connectivity
	messages <-chan edgecache.Message
	config   *Config

	requests chan sync.Reason
	online   chan bool

	mu      gosync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
}

// New creates a daemon with the default configuration.
func New(orch Orchestrator, conn Connectivity) (*Daemon, error) {
	return NewWithConfig(orch, conn, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(orch Orchestrator, conn Connectivity, config *Config) (*Daemon, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if conn == nil {
		return nil, fmt.Errorf("connectivity cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	return &Daemon{
		orch:     orch,
		conn:     conn,
		config:   config,
		requests: make(chan sync.Reason, 1),
		online:   make(chan bool, 16),
	}, nil
}

// ListenMessages makes the daemon act on BACKGROUND_SYNC messages from ch,
// typically edgecache.Worker.Outbound(). It must be called before Start.
func (d *Daemon) ListenMessages(ch <-chan edgecache.Message) {
	d.messages = ch
}

// Request asks for a pass. It never blocks: a request made while another
// is pending is merged into it.
func (d *Daemon) Request(reason sync.Reason) {
	select {
	case d.requests <- reason:
	default:
	}
}

// Start begins scheduling and blocks until ctx is cancelled or Stop is
// called. A pass runs right away if the network is up.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	d.config.Logger.Println("Starting daemon")

	unsubChange := d.conn.OnChange(func(st schema.ConnectivityState) {
		select {
		case d.online <- st.IsOnline:
		default:
			d.config.Logger.Println("Warning: connectivity change dropped, channel full")
		}
	})
	defer unsubChange()
	unsubForeground := d.conn.OnForeground(func() {
		d.Request(sync.ReasonForeground)
	})
	defer unsubForeground()

	d.wg.Add(1)
	go d.loop(ctx)

	<-ctx.Done()
	d.wg.Wait()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// Stop shuts the daemon down. A pass in progress finishes first.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		d.config.Logger.Println("Stopping daemon")
		cancel()
	}
	return nil
}

// loop owns the timers and runs every pass.
func (d *Daemon) loop(ctx context.Context) {
	defer d.wg.Done()

	var ticker *time.Ticker
	var tick <-chan time.Time
	arm := func(online bool) {
		switch {
		case online && ticker == nil && d.config.Interval > 0:
			ticker = time.NewTicker(d.config.Interval)
			tick = ticker.C
		case !online && ticker != nil:
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	var retry *time.Timer
	var retryC <-chan time.Time
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	run := func(reason sync.Reason) {
		result, ok := d.runPass(ctx, reason)
		if !ok {
			return
		}
		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}
		if result.NextRetryAt != nil {
			retry = time.NewTimer(time.Until(*result.NextRetryAt))
			retryC = retry.C
		}
	}

	messages := d.messages
	online := d.conn.IsOnline()
	arm(online)
	if online {
		run(sync.ReasonConnectivity)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case up := <-d.online:
			if up == online {
				continue
			}
			online = up
			arm(online)
			if online {
				d.config.Logger.Println("Connectivity restored")
				run(sync.ReasonConnectivity)
			}

		case <-tick:
			run(sync.ReasonTimer)

		case <-retryC:
			retry, retryC = nil, nil
			run(sync.ReasonRetry)

		case reason := <-d.requests:
			run(reason)

		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			if msg.Type != edgecache.MsgBackgroundSync || msg.Validate() != nil {
				d.config.Logger.Printf("Warning: ignoring message %s", msg.Type)
				continue
			}
			run(sync.ReasonBackgroundSync)
		}
	}
}

// runPass triggers one pass. Offline and in-progress refusals are expected
// and only logged.
func (d *Daemon) runPass(ctx context.Context, reason sync.Reason) (sync.PassResult, bool) {
	result, err := d.orch.Trigger(ctx, reason)
	switch {
	case errors.Is(err, sync.ErrOffline):
		return result, false
	case errors.Is(err, sync.ErrSyncInProgress):
		d.config.Logger.Printf("Sync (%s) skipped: a pass is already running", reason)
		return result, false
	case err != nil:
		d.config.Logger.Printf("Error running sync (%s): %v", reason, err)
		return result, false
	}
	if result.Result != schema.ResultSuccess {
		d.config.Logger.Printf("Sync (%s) finished with %s: %d synced, %d failed",
			reason, result.Result, result.SuccessCount, result.ErrorCount)
	}
	return result, true
}
