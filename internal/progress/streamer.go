package progress

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"go.uber.org/zap"

	"mcpplane/internal/domain"
	"mcpplane/internal/observability"
)

const (
	defaultBuffer          = 32
	defaultDeliveryTimeout = 5 * time.Second
	defaultStallTimeout    = 5 * time.Minute
	defaultSweepInterval   = 30 * time.Second

	codeDeploymentRunning  = "deployment_running"
	codeDeploymentFinished = "deployment_finished"
)

// Status summarises where a deployment stands as of an event.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStalled   Status = "stalled"
	StatusCompleted Status = "completed"
	StatusDegraded  Status = "degraded"
	StatusFailed    Status = "failed"
)

// Event is one progress update for a deployment.
type Event struct {
	DeploymentID string         `json:"deployment_id"`
	Seq          int64          `json:"seq"`
	Step         Phase          `json:"step"`
	Progress     int            `json:"progress"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	Terminal     bool           `json:"terminal,omitempty"`
	Status       Status         `json:"status"`
	Stalled      bool           `json:"stalled,omitempty"`
	Verified     *bool          `json:"verified,omitempty"`
	Degraded     bool           `json:"degraded,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

func (ev Event) status() Status {
	switch {
	case ev.Step == PhaseFailed:
		return StatusFailed
	case ev.Terminal && ev.Degraded:
		return StatusDegraded
	case ev.Terminal:
		return StatusCompleted
	case ev.Stalled:
		return StatusStalled
	default:
		return StatusRunning
	}
}

// State is a point-in-time view of one deployment.
type State struct {
	DeploymentID string    `json:"deployment_id"`
	Last         Event     `json:"last"`
	Running      bool      `json:"running"`
	Stalled      bool      `json:"stalled"`
	StartedAt    time.Time `json:"started_at"`
	Subscribers  int       `json:"subscribers"`
	Error        string    `json:"error,omitempty"`
}

// Streamer keeps per-deployment progress keyed by deployment id, so a
// consumer that reconnects with the same id picks the stream back up.
type Streamer struct {
	StallTimeout    time.Duration
	SweepInterval   time.Duration
	DeliveryTimeout time.Duration
	BufferSize      int
	Now             func() time.Time
	Logger          *zap.Logger
	Metrics         *observability.Metrics

	mu          sync.Mutex
	deployments map[string]*deployment
}

type deployment struct {
	mu          sync.Mutex
	id          string
	seq         int64
	max         int
	last        Event
	started     bool
	terminal    bool
	stalled     bool
	err         error
	startedAt   time.Time
	lastEventAt time.Time
	subs        map[int]*subscriber
	nextSub     int
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() { s.once.Do(func() { close(s.done) }) }

func NewStreamer() *Streamer {
	return &Streamer{
		StallTimeout:    defaultStallTimeout,
		SweepInterval:   defaultSweepInterval,
		DeliveryTimeout: defaultDeliveryTimeout,
		BufferSize:      defaultBuffer,
		Now:             time.Now,
		Logger:          zap.NewNop(),
		deployments:     map[string]*deployment{},
	}
}

func (s *Streamer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Streamer) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Streamer) get(id string, create bool) *deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deployments == nil {
		s.deployments = map[string]*deployment{}
	}
	d, ok := s.deployments[id]
	if !ok && create {
		d = &deployment{id: id, subs: map[int]*subscriber{}}
		s.deployments[id] = d
	}
	return d
}

func (s *Streamer) all() []*deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		out = append(out, d)
	}
	return out
}

// Begin resets a deployment for a new run. A deployment that is still
// running cannot be restarted. Seq and progress start over with each run, so
// progress is non-decreasing within a run only.
func (s *Streamer) Begin(id string) error {
	d := s.get(id, true)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started && !d.terminal {
		return goerrors.New(fmt.Sprintf("deployment %s is already running", id), goerrors.CategoryConflict).
			WithCode(http.StatusConflict).
			WithTextCode(codeDeploymentRunning)
	}
	now := s.now()
	d.seq = 0
	d.max = 0
	d.last = Event{}
	d.started = true
	d.terminal = false
	d.stalled = false
	d.err = nil
	d.startedAt = now
	d.lastEventAt = now
	s.Metrics.DeploymentStarted()
	return nil
}

// Running reports whether id has started and not reached a terminal phase.
func (s *Streamer) Running(id string) bool {
	d := s.get(id, false)
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started && !d.terminal
}

// Publish emits a progress event. Progress is clamped so it never goes
// below what was already emitted for id.
func (s *Streamer) Publish(id string, phase Phase, message string, details map[string]any) (Event, error) {
	return s.emit(id, Event{Step: phase, Message: message, Details: details, Terminal: phase.Terminal()})
}

// Finish emits the terminal completed event with the verification outcome.
func (s *Streamer) Finish(id string, verified bool, message string, details map[string]any) (Event, error) {
	v := verified
	return s.emit(id, Event{Step: PhaseCompleted, Message: message, Details: details, Terminal: true, Verified: &v, Degraded: !verified})
}

// Fail emits the terminal failed event.
func (s *Streamer) Fail(id string, cause error, details map[string]any) (Event, error) {
	msg := "deployment failed"
	if cause != nil {
		msg = cause.Error()
	}
	return s.emit(id, Event{Step: PhaseFailed, Message: msg, Details: details, Terminal: true})
}

func (s *Streamer) emit(id string, ev Event) (Event, error) {
	if !ev.Step.Valid() {
		return Event{}, domain.BadInput("step", "unknown phase %q", ev.Step)
	}
	d := s.get(id, true)
	d.mu.Lock()
	if d.terminal {
		d.mu.Unlock()
		return Event{}, goerrors.New(fmt.Sprintf("deployment %s already finished", id), goerrors.CategoryConflict).
			WithCode(http.StatusConflict).
			WithTextCode(codeDeploymentFinished)
	}
	if !d.started {
		d.started = true
		d.startedAt = s.now()
		s.Metrics.DeploymentStarted()
	}
	pct := ev.Step.Percent()
	if ev.Step == PhaseFailed || pct < d.max {
		pct = d.max
	}
	d.max = pct
	d.seq++
	ev.DeploymentID = id
	ev.Seq = d.seq
	ev.Progress = pct
	ev.Timestamp = s.now().UTC()
	ev.Status = ev.status()
	d.last = ev
	d.lastEventAt = s.now()
	d.stalled = false

	s.Metrics.RecordDeploymentEvent(string(ev.Step))
	if !ev.Terminal {
		for _, sub := range d.subs {
			select {
			case sub.ch <- ev:
			default:
				s.log().Warn("progress subscriber too slow, event dropped",
					zap.String("deployment_id", id), zap.Int64("seq", ev.Seq))
			}
		}
		d.mu.Unlock()
		return ev, nil
	}

	d.terminal = true
	if ev.Step == PhaseFailed {
		d.err = fmt.Errorf("%s", ev.Message)
	}
	subs := make([]*subscriber, 0, len(d.subs))
	for k, sub := range d.subs {
		subs = append(subs, sub)
		delete(d.subs, k)
	}
	d.mu.Unlock()

	s.Metrics.DeploymentFinished()
	s.log().Info("deployment finished",
		zap.String("deployment_id", id),
		zap.String("step", string(ev.Step)),
		zap.Int("progress", ev.Progress),
		zap.Bool("degraded", ev.Degraded))
	s.deliverTerminal(subs, ev)
	return ev, nil
}

// deliverTerminal waits for each subscriber to take the final event instead
// of dropping it.
func (s *Streamer) deliverTerminal(subs []*subscriber, ev Event) {
	timeout := s.DeliveryTimeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *subscriber) {
			defer wg.Done()
			defer close(sub.ch)
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case sub.ch <- ev:
			case <-sub.done:
			case <-timer.C:
				s.log().Warn("terminal progress event not consumed", zap.String("deployment_id", ev.DeploymentID))
			}
		}(sub)
	}
	wg.Wait()
}

// Subscribe attaches to id and returns the channel of subsequent events and
// a cancel func. The channel is closed after the terminal event. Attaching
// after the deployment finished yields the terminal event alone.
func (s *Streamer) Subscribe(id string) (<-chan Event, func()) {
	d := s.get(id, true)
	size := s.BufferSize
	if size <= 0 {
		size = defaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, size), done: make(chan struct{})}

	d.mu.Lock()
	if d.terminal {
		sub.ch <- d.last
		close(sub.ch)
		d.mu.Unlock()
		return sub.ch, sub.stop
	}
	key := d.nextSub
	d.nextSub++
	d.subs[key] = sub
	d.mu.Unlock()

	return sub.ch, func() {
		d.mu.Lock()
		if _, ok := d.subs[key]; ok {
			delete(d.subs, key)
			close(sub.ch)
		}
		d.mu.Unlock()
		sub.stop()
	}
}

// Snapshot returns the last event of id.
func (s *Streamer) Snapshot(id string) (State, bool) {
	d := s.get(id, false)
	if d == nil {
		return State{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return State{}, false
	}
	st := State{
		DeploymentID: id,
		Last:         d.last,
		Running:      !d.terminal,
		Stalled:      d.stalled,
		StartedAt:    d.startedAt,
		Subscribers:  len(d.subs),
	}
	if d.err != nil {
		st.Error = d.err.Error()
	}
	return st, true
}

// Run flags stalled deployments every SweepInterval until ctx is done.
func (s *Streamer) Run(ctx context.Context) {
	interval := s.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep flags deployments idle for longer than StallTimeout and returns
// their ids. A deployment is flagged once until it emits again.
func (s *Streamer) Sweep() []string {
	timeout := s.StallTimeout
	if timeout <= 0 {
		timeout = defaultStallTimeout
	}
	now := s.now()
	var flagged []string
	for _, d := range s.all() {
		d.mu.Lock()
		idle := now.Sub(d.lastEventAt)
		if !d.started || d.terminal || d.stalled || idle < timeout {
			d.mu.Unlock()
			continue
		}
		d.stalled = true
		stallErr := &domain.StalledDeploymentError{DeploymentID: d.id, LastStep: string(d.last.Step), Idle: idle.Round(time.Second).String()}
		d.err = stallErr
		d.seq++
		ev := d.last
		ev.DeploymentID = d.id
		ev.Seq = d.seq
		ev.Stalled = true
		ev.Message = stallErr.Error()
		ev.Timestamp = now.UTC()
		ev.Status = StatusStalled
		for _, sub := range d.subs {
			select {
			case sub.ch <- ev:
			default:
			}
		}
		d.mu.Unlock()

		flagged = append(flagged, d.id)
		s.Metrics.RecordDeploymentStall()
		s.log().Warn("deployment stalled",
			zap.String("deployment_id", d.id),
			zap.String("step", string(ev.Step)),
			zap.Duration("idle", idle))
	}
	return flagged
}

// Err returns the recorded failure or stall of id, if any.
func (s *Streamer) Err(id string) error {
	d := s.get(id, false)
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}
