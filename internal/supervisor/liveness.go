package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is how often the poller samples its targets.
const DefaultPollInterval = 500 * time.Millisecond

// Target is anything the poller can sample. *Supervisor implements it.
type Target interface {
	Status() Status
}

// Liveness is the displayed status of one target.
type Liveness struct {
	LastCheck  time.Time // Time of the most recent sample
	LastChange time.Time // Time Online or State last changed
	Name       string    // Name the target was registered under
	Address    string    // Reachable address while running
	State      State     // Supervisor state at the last sample
	Online     bool      // Running with a live child

	// Exited is set when the target was running and its child died
	// without a stop. It stays set until the next start begins.
	Exited bool
}

// Label is the short status shown to an operator.
func (l Liveness) Label() string {
	switch {
	case l.Online:
		return "ONLINE"
	case l.Exited:
		return "EXITED"
	case l.State == Starting:
		return "STARTING"
	case l.State == Failed:
		return "FAILED"
	default:
		return "OFFLINE"
	}
}

// LivenessPoller samples registered targets on a fixed interval and keeps
// the displayed status of each. It only reads target state: an unexpected
// exit is reported through the exit callback, never acted on here, and
// nothing is restarted.
// Thread-safe: All methods are safe for concurrent access.
type LivenessPoller struct {
	targets  map[string]Target    // Registered targets by name
	statuses map[string]*Liveness // Last displayed status per target
	onExit   func(name string)    // Called once per unexpected exit
	onChange func(Liveness)       // Called when a displayed status changes
	logger   *slog.Logger
	ctx      context.Context    // Context for cancellation
	cancel   context.CancelFunc // Cancel function for shutdown
	interval time.Duration      // How often to sample
	mu       sync.RWMutex       // Protects targets, statuses and callbacks
	wg       sync.WaitGroup     // Wait group for graceful shutdown
}

// NewLivenessPoller creates a poller with the given interval. A
// non-positive interval selects DefaultPollInterval.
func NewLivenessPoller(interval time.Duration, logger *slog.Logger) *LivenessPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LivenessPoller{
		targets:  make(map[string]Target),
		statuses: make(map[string]*Liveness),
		logger:   logger,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Watch registers target under name, replacing any previous target with
// that name.
func (p *LivenessPoller) Watch(name string, target Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets[name] = target
	delete(p.statuses, name)
}

// Unwatch stops sampling name.
func (p *LivenessPoller) Unwatch(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.targets, name)
	delete(p.statuses, name)
}

// SetOnExit sets the callback for unexpected exits. The panel uses it to
// reap the supervisor.
func (p *LivenessPoller) SetOnExit(callback func(name string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExit = callback
}

// SetOnChange sets the callback for displayed status changes.
func (p *LivenessPoller) SetOnChange(callback func(Liveness)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = callback
}

// Start samples every target immediately and then on each tick. It blocks
// until ctx or the poller is cancelled.
func (p *LivenessPoller) Start(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	if ctx == nil {
		ctx = p.ctx
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Debug("liveness poller started", "interval", p.interval)
	p.CheckAll()

	for {
		select {
		case <-ticker.C:
			p.CheckAll()
		case <-ctx.Done():
			return
		case <-p.ctx.Done():
			return
		}
	}
}

// Stop cancels a running Start and waits for it to return.
func (p *LivenessPoller) Stop() {
	p.cancel()
	p.wg.Wait()
}

// CheckAll samples every registered target once.
func (p *LivenessPoller) CheckAll() {
	p.mu.RLock()
	targets := make(map[string]Target, len(p.targets))
	for name, t := range p.targets {
		targets[name] = t
	}
	p.mu.RUnlock()

	for name, target := range targets {
		p.check(name, target)
	}
}

func (p *LivenessPoller) check(name string, target Target) {
	st := target.Status()
	now := time.Now()

	p.mu.Lock()
	if _, watched := p.targets[name]; !watched {
		p.mu.Unlock()
		return
	}
	prev, seen := p.statuses[name]
	if !seen {
		prev = &Liveness{Name: name, LastChange: now}
		p.statuses[name] = prev
	}
	wasOnline, wasExited, prevState := prev.Online, prev.Exited, prev.State

	online := st.State == Running && st.Alive
	var exited bool
	switch st.State {
	case Running:
		exited = !st.Alive
	case Stopped:
		exited = wasExited
	}

	prev.LastCheck = now
	prev.State = st.State
	prev.Address = st.Address
	prev.Online = online
	prev.Exited = exited

	changed := !seen || online != wasOnline || exited != wasExited || st.State != prevState
	if changed {
		prev.LastChange = now
	}
	snapshot := *prev
	onChange, onExit := p.onChange, p.onExit
	p.mu.Unlock()

	newlyExited := exited && !wasExited && st.State == Running
	if newlyExited {
		p.logger.Warn("supervised process exited unexpectedly", "name", name, "pid", st.PID)
	}
	if changed && onChange != nil {
		onChange(snapshot)
	}
	if newlyExited && onExit != nil {
		onExit(name)
	}
}

// GetStatus returns the displayed status of name, or nil if it has not
// been sampled.
func (p *LivenessPoller) GetStatus(name string) *Liveness {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.statuses[name]
	if !ok {
		return nil
	}
	out := *l
	return &out
}

// GetAll returns copies of every displayed status.
func (p *LivenessPoller) GetAll() map[string]Liveness {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Liveness, len(p.statuses))
	for name, l := range p.statuses {
		out[name] = *l
	}
	return out
}

// IsOnline reports whether name was running with a live child at the last
// sample.
func (p *LivenessPoller) IsOnline(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.statuses[name]
	return ok && l.Online
}
