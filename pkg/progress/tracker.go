package progress

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event is one observable moment of a migration run: a phase change, a
// progress update within a phase, a recorded error, or a heartbeat.
type Event struct {
	RunID     string    `json:"run_id"`
	Phase     Phase     `json:"phase"`
	Fraction  float64   `json:"fraction"`
	Operation string    `json:"operation,omitempty"`
	Error     string    `json:"error,omitempty"`
	Heartbeat bool      `json:"heartbeat,omitempty"`
	At        time.Time `json:"at"`
}

// phaseChange remembers when a phase was entered, for timing the report.
type phaseChange struct {
	phase Phase
	at    time.Time
}

// Tracker records the lifecycle of a single migration run and fans
// events out to any number of subscribers. Writes come from the one
// goroutine driving the run; subscribers that fall behind lose events
// rather than stall the migration.
type Tracker struct {
	runID  string
	logger *slog.Logger
	clock  func() time.Time
	slow   time.Duration

	mu        sync.Mutex
	phase     Phase
	fraction  float64
	operation string
	started   time.Time
	changes   []phaseChange
	events    []Event
	errs      []string
	warnings  int
	rows      int64
	recs      []string
	subs      map[int]chan Event
	nextSub   int
	closed    bool
	hbStop    chan struct{}
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the time source. Tests use this to make phase
// durations deterministic.
func WithClock(clock func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithSlowPhaseThreshold overrides the duration above which a phase is
// called out as slow in the run report.
func WithSlowPhaseThreshold(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.slow = d
		}
	}
}

// WithLogger sets the logger used for phase transitions and errors.
func WithLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracker creates a tracker for one run, starting in PhaseIdle.
func NewTracker(runID string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		runID:  runID,
		logger: slog.Default(),
		clock:  time.Now,
		slow:   DefaultSlowPhase,
		phase:  PhaseIdle,
		subs:   make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.started = t.clock()
	t.changes = []phaseChange{{phase: PhaseIdle, at: t.started}}
	return t
}

// RunID returns the run this tracker belongs to.
func (t *Tracker) RunID() string { return t.runID }

// Phase returns the current phase.
func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Transition moves the run to phase to, resetting the in-phase fraction
// to zero. Illegal moves are rejected so a bug in the driver cannot
// publish a nonsensical lifecycle.
func (t *Tracker) Transition(to Phase) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("tracker for run %s is closed", t.runID)
	}
	if !CanTransition(t.phase, to) {
		return fmt.Errorf("illegal phase transition %s -> %s", t.phase, to)
	}
	t.phase = to
	t.fraction = 0
	t.operation = ""
	t.changes = append(t.changes, phaseChange{phase: to, at: t.clock()})
	if to.Terminal() {
		t.stopHeartbeatLocked()
	}
	t.logger.Info("phase transition", "runID", t.runID, "phase", to)
	t.publishLocked(Event{
		RunID: t.runID,
		Phase: to,
		At:    t.clock(),
	})
	return nil
}

// Update reports progress within the current phase. Fractions are
// clamped to [0, 1]; updates after a terminal phase are dropped.
func (t *Tracker) Update(fraction float64, operation string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.phase.Terminal() {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	t.fraction = fraction
	t.operation = operation
	t.publishLocked(Event{
		RunID:     t.runID,
		Phase:     t.phase,
		Fraction:  fraction,
		Operation: operation,
		At:        t.clock(),
	})
}

// Error records a run error and publishes it to subscribers.
func (t *Tracker) Error(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.errs = append(t.errs, err.Error())
	t.logger.Error("migration error", "runID", t.runID, "phase", t.phase, "error", err)
	t.publishLocked(Event{
		RunID:     t.runID,
		Phase:     t.phase,
		Fraction:  t.fraction,
		Operation: t.operation,
		Error:     err.Error(),
		At:        t.clock(),
	})
}

// AddWarnings bumps the warning counter by n.
func (t *Tracker) AddWarnings(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.warnings += n
}

// SetRowCount records the total number of source rows in the run, used
// by the report to judge the warning ratio.
func (t *Tracker) SetRowCount(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = n
}

// Recommend adds an operator-facing recommendation to the run report.
func (t *Tracker) Recommend(msg string) {
	if msg == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recs = append(t.recs, msg)
}

// Subscribe registers a new event channel with the given buffer size and
// returns it with a cancel function. Events that do not fit the buffer
// are dropped for that subscriber only. Subscribing to a closed tracker
// yields an already-closed channel.
func (t *Tracker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, buffer)
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// StartHeartbeat begins publishing heartbeat events at the given
// interval so subscribers can tell a long-running phase from a stall.
// Heartbeats stop at the first terminal phase and are not retained in
// the run report. Intervals <= 0 disable the heartbeat.
func (t *Tracker) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.hbStop != nil || t.phase.Terminal() {
		return
	}
	stop := make(chan struct{})
	t.hbStop = stop
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.publishHeartbeat()
			}
		}
	}()
}

// publishHeartbeat broadcasts the current position without recording it.
func (t *Tracker) publishHeartbeat() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.phase.Terminal() {
		return
	}
	t.broadcastLocked(Event{
		RunID:     t.runID,
		Phase:     t.phase,
		Fraction:  t.fraction,
		Operation: t.operation,
		Heartbeat: true,
		At:        t.clock(),
	})
}

// Snapshot returns the run's current position as a synthetic event.
func (t *Tracker) Snapshot() Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Event{
		RunID:     t.runID,
		Phase:     t.phase,
		Fraction:  t.fraction,
		Operation: t.operation,
		At:        t.clock(),
	}
}

// Close stops the heartbeat and closes every subscriber channel. Further
// transitions and updates are rejected or dropped.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.stopHeartbeatLocked()
	for id, sub := range t.subs {
		delete(t.subs, id)
		close(sub)
	}
}

func (t *Tracker) stopHeartbeatLocked() {
	if t.hbStop != nil {
		close(t.hbStop)
		t.hbStop = nil
	}
}

// publishLocked records the event in the run timeline and broadcasts it.
func (t *Tracker) publishLocked(ev Event) {
	t.events = append(t.events, ev)
	t.broadcastLocked(ev)
}

func (t *Tracker) broadcastLocked(ev Event) {
	for _, sub := range t.subs {
		select {
		case sub <- ev:
		default:
			// Slow subscriber: drop the event rather than stall the run.
		}
	}
}
