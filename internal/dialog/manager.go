package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/goosewin/fluxsweep/internal/core"
	"github.com/goosewin/fluxsweep/internal/notify"
	"github.com/goosewin/fluxsweep/internal/prompt"
	"github.com/goosewin/fluxsweep/internal/report"
	"github.com/goosewin/fluxsweep/internal/settings"
)

var (
	ErrBusy            = errors.New("a job is already running for this session")
	ErrUnexpectedEvent = errors.New("event is not valid in the current state")
	ErrTextRequired    = errors.New("sweep prompt must be text")
	ErrUserRequired    = errors.New("user id is required")
	ErrNotConfigured   = errors.New("dialog manager is missing a dependency")
)

// Engine runs sweeps and generations.
type Engine interface {
	PlanSweep(promptText string, count int, rec settings.Record) (core.SweepPlan, error)
	RunSweep(ctx context.Context, plan core.SweepPlan, stop <-chan struct{}, sink notify.Sink) (core.SweepResult, error)
	RunCycles(ctx context.Context, draft prompt.Draft, rec settings.Record, sink notify.Sink) (core.CyclesResult, error)
}

// Composer turns requests into prompt drafts.
type Composer interface {
	Compose(ctx context.Context, req prompt.Request) (prompt.Draft, error)
	Regenerate(ctx context.Context, draft prompt.Draft, model string) (string, error)
}

// Reply is the immediate answer to an event. Long-running work reports
// through the session's sink.
type Reply struct {
	State    State            `json:"state"`
	Text     string           `json:"text"`
	Draft    *prompt.Draft    `json:"draft,omitempty"`
	Settings *settings.Record `json:"settings,omitempty"`
	SweepID  string           `json:"sweep_id,omitempty"`
}

type Options struct {
	Engine   Engine
	Composer Composer
	Settings settings.Store
	// SinkFor returns where a user's progress and results go.
	SinkFor func(userID string) notify.Sink
	Logger  *zap.Logger
	Now     func() time.Time
}

type handler func(ctx context.Context, s *session, ev Event) (Reply, error)

// Manager owns every live session.
type Manager struct {
	opts     Options
	logger   *zap.Logger
	handlers map[State]handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu         sync.Mutex
	user       string
	state      State
	draft      prompt.Draft
	sweepCount int
	job        *job
	lastActive time.Time
}

type job struct {
	kind     string
	id       string
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (j *job) requestStop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

// NewManager validates opts and builds a manager. Background jobs run until
// they finish or Shutdown is called.
func NewManager(opts Options) (*Manager, error) {
	if opts.Engine == nil || opts.Composer == nil || opts.Settings == nil {
		return nil, ErrNotConfigured
	}
	if opts.SinkFor == nil {
		opts.SinkFor = func(string) notify.Sink { return notify.Multi{} }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		logger:   logger.With(zap.String("component", "dialog")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[string]*session{},
	}
	m.handlers = map[State]handler{
		Idle:                 m.idle,
		AwaitingConfirmation: m.awaitingConfirmation,
		AwaitingSweepPrompt:  m.awaitingSweepPrompt,
		Sweeping:             m.sweeping,
	}
	return m, nil
}

// Dispatch applies ev to the user's session.
func (m *Manager) Dispatch(ctx context.Context, userID string, ev Event) (Reply, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Reply{}, ErrUserRequired
	}
	if ev == nil {
		return Reply{}, fmt.Errorf("%w: nil event", ErrUnexpectedEvent)
	}

	s := m.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = m.opts.Now()
	if s.job != nil && s.state != Sweeping {
		return Reply{State: s.state}, ErrBusy
	}

	h, ok := m.handlers[s.state]
	if !ok {
		return Reply{State: s.state}, fmt.Errorf("no handler for state %q", s.state)
	}
	m.logger.Debug("event", zap.String("user", userID), zap.String("state", string(s.state)), zap.String("event", ev.Name()))
	reply, err := h(ctx, s, ev)
	reply.State = s.state
	return reply, err
}

// State reports the user's current state.
func (m *Manager) State(userID string) State {
	m.mu.Lock()
	s, ok := m.sessions[strings.TrimSpace(userID)]
	m.mu.Unlock()
	if !ok {
		return Idle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether the user has a running job.
func (m *Manager) Busy(userID string) bool {
	return m.currentJob(userID) != nil
}

// Wait blocks until the user's running job, if any, finishes.
func (m *Manager) Wait(ctx context.Context, userID string) error {
	j := m.currentJob(userID)
	if j == nil {
		return nil
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop asks the user's running sweep to stop after the current combination.
func (m *Manager) Stop(userID string) bool {
	j := m.currentJob(userID)
	if j == nil || j.kind != jobSweep {
		return false
	}
	j.requestStop()
	return true
}

// End tears down a session, stopping its sweep.
func (m *Manager) End(userID string) {
	userID = strings.TrimSpace(userID)
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.job != nil {
		s.job.requestStop()
	}
	s.mu.Unlock()
}

// Reap drops sessions without a job that have been quiet for maxIdle.
func (m *Manager) Reap(maxIdle time.Duration) int {
	cutoff := m.opts.Now().Add(-maxIdle)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for user, s := range m.sessions {
		s.mu.Lock()
		idle := s.job == nil && s.lastActive.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(m.sessions, user)
			removed++
		}
	}
	return removed
}

// Len is the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops every sweep, cancels running jobs and waits for them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.job != nil {
			s.job.requestStop()
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

func (m *Manager) session(userID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		s = &session{user: userID, state: Idle, lastActive: m.opts.Now()}
		m.sessions[userID] = s
	}
	return s
}

func (m *Manager) currentJob(userID string) *job {
	m.mu.Lock()
	s, ok := m.sessions[strings.TrimSpace(userID)]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

func (m *Manager) idle(ctx context.Context, s *session, ev Event) (Reply, error) {
	switch e := ev.(type) {
	case TextReceived:
		return m.compose(ctx, s, prompt.Request{Kind: prompt.KindText, Text: e.Text})
	case VoiceReceived:
		return m.compose(ctx, s, prompt.Request{Kind: prompt.KindVoice, Audio: e.Audio, AudioName: e.Filename})
	case PhotoReceived:
		return m.compose(ctx, s, prompt.Request{Kind: prompt.KindImage, Image: e.Image})
	case SettingChanged:
		rec, err := m.opts.Settings.Update(ctx, s.user, settings.SetField(e.Key, e.Value))
		if err != nil {
			return Reply{}, err
		}
		return Reply{Text: fmt.Sprintf("Setting %s updated.", e.Key), Settings: &rec}, nil
	case SettingsReset:
		rec, err := m.opts.Settings.Reset(ctx, s.user)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Text: "Settings reset to defaults.", Settings: &rec}, nil
	case SweepRequested:
		s.draft = prompt.Draft{}
		if strings.TrimSpace(e.Prompt) == "" {
			s.state = AwaitingSweepPrompt
			s.sweepCount = e.Count
			return Reply{Text: "Send the prompt to sweep."}, nil
		}
		return m.beginSweep(ctx, s, e.Prompt, e.Count)
	default:
		return Reply{}, unexpected(s.state, ev)
	}
}

func (m *Manager) awaitingConfirmation(ctx context.Context, s *session, ev Event) (Reply, error) {
	switch ev.(type) {
	case PromptConfirmed:
		rec, err := m.opts.Settings.Get(ctx, s.user)
		if err != nil {
			return Reply{}, err
		}
		draft := s.draft
		s.state = Idle
		m.startGeneration(s, draft, rec)
		return Reply{Text: "Generating images...", Draft: &draft}, nil
	case PromptRetried:
		rec, err := m.opts.Settings.Get(ctx, s.user)
		if err != nil {
			return Reply{}, err
		}
		regenerated, err := m.opts.Composer.Regenerate(ctx, s.draft, rec.ModelChoice)
		if err != nil {
			return Reply{}, err
		}
		s.draft.Prompt = regenerated
		draft := s.draft
		return Reply{Text: report.Confirmation(string(draft.Kind), draft.Source, draft.Prompt, true), Draft: &draft}, nil
	case PromptCancelled:
		s.state = Idle
		s.draft = prompt.Draft{}
		return Reply{Text: "Request cancelled."}, nil
	case SweepCancelled:
		return Reply{}, unexpected(s.state, ev)
	default:
		return m.idle(ctx, s, ev)
	}
}

func (m *Manager) awaitingSweepPrompt(ctx context.Context, s *session, ev Event) (Reply, error) {
	switch e := ev.(type) {
	case TextReceived:
		return m.beginSweep(ctx, s, e.Text, s.sweepCount)
	case VoiceReceived, PhotoReceived:
		return Reply{}, ErrTextRequired
	case SweepCancelled, PromptCancelled:
		s.state = Idle
		s.sweepCount = 0
		return Reply{Text: "Sweep cancelled."}, nil
	case PromptConfirmed, PromptRetried:
		return Reply{}, unexpected(s.state, ev)
	default:
		return m.idle(ctx, s, ev)
	}
}

func (m *Manager) sweeping(_ context.Context, s *session, ev Event) (Reply, error) {
	if _, ok := ev.(SweepCancelled); !ok {
		return Reply{}, ErrBusy
	}
	if s.job == nil {
		return Reply{}, unexpected(s.state, ev)
	}
	s.job.requestStop()
	return Reply{Text: "Stopping after the current combination.", SweepID: s.job.id}, nil
}

func (m *Manager) compose(ctx context.Context, s *session, req prompt.Request) (Reply, error) {
	rec, err := m.opts.Settings.Get(ctx, s.user)
	if err != nil {
		return Reply{}, err
	}
	req.Model = rec.ModelChoice
	draft, err := m.opts.Composer.Compose(ctx, req)
	if err != nil {
		return Reply{}, err
	}
	s.draft = draft

	if rec.AutoConfirmPrompt {
		s.state = Idle
		m.startGeneration(s, draft, rec)
		return Reply{Text: "Prompt: " + draft.Prompt + "\n\nGenerating images...", Draft: &draft}, nil
	}
	s.state = AwaitingConfirmation
	return Reply{Text: report.Confirmation(string(draft.Kind), draft.Source, draft.Prompt, false), Draft: &draft}, nil
}

func (m *Manager) beginSweep(ctx context.Context, s *session, text string, count int) (Reply, error) {
	rec, err := m.opts.Settings.Get(ctx, s.user)
	if err != nil {
		return Reply{}, err
	}
	plan, err := m.opts.Engine.PlanSweep(text, count, rec)
	if err != nil {
		return Reply{}, err
	}
	plan.Owner = s.user
	s.sweepCount = 0
	m.startSweep(s, plan)
	return Reply{
		Text:    fmt.Sprintf("Sweep %s started with %d of %d combinations.", plan.ID, len(plan.Combinations), plan.GridSize),
		SweepID: plan.ID,
	}, nil
}

const (
	jobSweep      = "sweep"
	jobGeneration = "generation"
)

// startSweep must be called with s.mu held.
func (m *Manager) startSweep(s *session, plan core.SweepPlan) {
	j := &job{kind: jobSweep, id: plan.ID, stop: make(chan struct{}), done: make(chan struct{})}
	s.job = j
	s.state = Sweeping
	sink := m.opts.SinkFor(s.user)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(j.done)

		result, err := m.opts.Engine.RunSweep(m.ctx, plan, j.stop, sink)
		if err != nil {
			m.logger.Warn("sweep failed", zap.String("user", s.user), zap.String("sweep", plan.ID), zap.Error(err))
		} else {
			m.logger.Info("sweep ended", zap.String("user", s.user), zap.String("sweep", plan.ID), zap.String("state", string(result.State)))
		}
		m.finish(s, j)
	}()
}

// startGeneration must be called with s.mu held.
func (m *Manager) startGeneration(s *session, draft prompt.Draft, rec settings.Record) {
	j := &job{kind: jobGeneration, stop: make(chan struct{}), done: make(chan struct{})}
	s.job = j
	sink := m.opts.SinkFor(s.user)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(j.done)

		result, err := m.opts.Engine.RunCycles(m.ctx, draft, rec, sink)
		if err != nil {
			m.logger.Warn("generation failed", zap.String("user", s.user), zap.Error(err))
			if reportErr := sink.ReportProgress(m.ctx, report.GenerationFailed(err)); reportErr != nil {
				m.logger.Warn("notification failed", zap.Error(reportErr))
			}
		} else {
			m.logger.Info("generation ended", zap.String("user", s.user), zap.Int("succeeded", result.Succeeded), zap.Int("failed", result.Failed))
		}
		m.finish(s, j)
	}()
}

func (m *Manager) finish(s *session, j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == j {
		s.job = nil
		if s.state == Sweeping {
			s.state = Idle
		}
	}
	s.lastActive = m.opts.Now()
}

func unexpected(state State, ev Event) error {
	return fmt.Errorf("%w: %s while %s", ErrUnexpectedEvent, ev.Name(), state)
}
