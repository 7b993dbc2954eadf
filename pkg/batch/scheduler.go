package batch

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

type requestState int

const (
	requestOpen requestState = iota
	requestRunning
	requestFinished
)

type groupPhase int

const (
	groupPending  groupPhase = iota // not started yet
	groupStarting                   // start hook in flight
	groupStarted
	groupEnding // end hook in flight
	groupFinished
)

func (p groupPhase) String() string {
	switch p {
	case groupPending:
		return "pending"
	case groupStarting:
		return "starting"
	case groupStarted:
		return "started"
	case groupEnding:
		return "ending"
	default:
		return "finished"
	}
}

type groupState struct {
	phase   groupPhase
	repeats int
}

type eventKind int

const (
	eventRequestDone eventKind = iota
	eventGroupStarted
	eventGroupEnded
)

// event reports the completion of asynchronous work to the scheduler loop.
type event struct {
	kind   eventKind
	id     string
	err    error
	repeat bool
}

type decision int

const (
	decideWait decision = iota
	decideReady
	decideFailedDependency
	decideUnprocessable
)

// scheduler drives one batch to completion. Its fields are owned by the
// goroutine calling run; dispatched work reports back through events.
type scheduler struct {
	ex         *Execution
	exec       *executor
	slots      *semaphore.Weighted
	hooks      Hooks
	maxRepeats int
	logger     zerolog.Logger

	state      map[string]requestState
	groups     map[string]*groupState
	groupOrder []string

	events   chan event
	inFlight int
}

func newScheduler(ex *Execution, exec *executor, slots *semaphore.Weighted, hooks Hooks, maxRepeats int, logger zerolog.Logger) *scheduler {
	s := &scheduler{
		ex:         ex,
		exec:       exec,
		slots:      slots,
		hooks:      hooks,
		maxRepeats: maxRepeats,
		logger:     logger,
		state:      make(map[string]requestState, ex.Len()),
		groups:     make(map[string]*groupState),
		groupOrder: ex.Groups(),
		events:     make(chan event),
	}
	for _, id := range ex.order {
		s.state[id] = requestOpen
	}
	for _, g := range s.groupOrder {
		s.groups[g] = &groupState{}
	}
	return s
}

// run schedules until every request and group is finished.
func (s *scheduler) run(ctx context.Context) {
	for {
		for s.pass(ctx) {
		}
		if s.inFlight == 0 {
			if s.done() {
				return
			}
			s.stall()
			continue
		}
		s.handle(ctx, <-s.events)
	}
}

func (s *scheduler) done() bool {
	for _, st := range s.state {
		if st != requestFinished {
			return false
		}
	}
	for _, gs := range s.groups {
		if gs.phase != groupFinished {
			return false
		}
	}
	return true
}

// pass scans open requests in document order, then groups. It reports
// whether anything changed.
func (s *scheduler) pass(ctx context.Context) bool {
	progress := false

	for _, id := range s.ex.order {
		if s.state[id] != requestOpen {
			continue
		}
		r := s.ex.requests[id]

		switch d, reason := s.admit(r); d {
		case decideWait:
			continue
		case decideFailedDependency:
			s.shortCircuit(r, http.StatusFailedDependency, reason)
			progress = true
			continue
		case decideUnprocessable:
			s.shortCircuit(r, http.StatusUnprocessableEntity, reason)
			progress = true
			continue
		}

		if g := r.AtomicityGroup; g != "" {
			gs := s.groups[g]
			if gs.phase == groupPending {
				s.startGroup(ctx, g)
				progress = true
			}
			if gs.phase != groupStarted {
				continue
			}
		}
		// Slots are taken at admission. A request over the bound stays open
		// and is admitted again on a later pass.
		if !s.slots.TryAcquire(1) {
			continue
		}
		s.dispatch(ctx, r)
		progress = true
	}

	for _, g := range s.groupOrder {
		gs := s.groups[g]
		if gs.phase != groupPending && gs.phase != groupStarted {
			continue
		}
		if !s.settled(g) {
			continue
		}
		s.endGroup(ctx, g)
		progress = true
	}

	return progress
}

// admit decides whether r can start now.
func (s *scheduler) admit(r *Request) (decision, string) {
	continueOnError := s.ex.ContinueOnError()

	if g := r.AtomicityGroup; g != "" {
		if failed, _ := s.ex.GroupFailed(g); failed {
			return decideFailedDependency, fmt.Sprintf("atomicity group %q failed", g)
		}
	}

	wait := false
	for _, dep := range r.DependsOn {
		if gs, isGroup := s.groups[dep]; isGroup {
			if gs.phase != groupFinished {
				wait = true
				continue
			}
			if failed, _ := s.ex.GroupFailed(dep); failed && !continueOnError {
				return decideFailedDependency, fmt.Sprintf("atomicity group %q failed", dep)
			}
			continue
		}
		if s.state[dep] != requestFinished {
			wait = true
			continue
		}
		if !continueOnError && s.ex.RequestFailed(dep) && s.permanent(s.ex.requests[dep].AtomicityGroup) {
			return decideFailedDependency, fmt.Sprintf("request %q failed", dep)
		}
	}

	if !continueOnError && s.ex.Semantics() == SemanticsJSON {
		blocked := false
		for _, g := range s.ex.FailedGroups() {
			if s.permanent(g) {
				return decideUnprocessable, fmt.Sprintf("processing stopped after atomicity group %q failed", g)
			}
			blocked = true
		}
		if blocked {
			return decideWait, ""
		}
	}

	if wait {
		return decideWait, ""
	}
	return decideReady, ""
}

// permanent reports whether failures recorded for group g can no longer be
// cleared by a repeat.
func (s *scheduler) permanent(g string) bool {
	if g == "" {
		return true
	}
	gs, ok := s.groups[g]
	return !ok || gs.phase == groupFinished
}

// settled reports whether no member of g is open or running.
func (s *scheduler) settled(g string) bool {
	for _, id := range s.ex.groups[g] {
		if s.state[id] != requestFinished {
			return false
		}
	}
	return true
}

func (s *scheduler) shortCircuit(r *Request, status int, reason string) {
	shortCircuitsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	s.logger.Warn().
		Str("request_id", r.ID).
		Str("atomicity_group", r.AtomicityGroup).
		Int("status", status).
		Str("reason", reason).
		Msg("Sub-request short-circuited")
	s.ex.record(r, errorResponse(status, reason))
	s.state[r.ID] = requestFinished
}

func (s *scheduler) dispatch(ctx context.Context, r *Request) {
	s.logger.Debug().
		Str("request_id", r.ID).
		Str("atomicity_group", r.AtomicityGroup).
		Msg("Dispatching sub-request")
	s.state[r.ID] = requestRunning
	s.inFlight++
	go func() {
		err := s.exec.execute(ctx, s.ex, r)
		s.slots.Release(1)
		s.events <- event{kind: eventRequestDone, id: r.ID, err: err}
	}()
}

func (s *scheduler) startGroup(ctx context.Context, g string) {
	gs := s.groups[g]
	if s.hooks.GroupStart == nil {
		gs.phase = groupStarted
		return
	}
	gs.phase = groupStarting
	s.inFlight++
	go func() {
		err := s.hooks.GroupStart(ctx, s.ex, g)
		s.events <- event{kind: eventGroupStarted, id: g, err: err}
	}()
}

func (s *scheduler) endGroup(ctx context.Context, g string) {
	gs := s.groups[g]
	if gs.phase == groupPending || s.hooks.GroupEnd == nil {
		gs.phase = groupFinished
		s.logGroupFinished(g)
		return
	}
	gs.phase = groupEnding
	_, groupErr := s.ex.GroupFailed(g)
	failed := s.ex.FailedRequests(g)
	s.inFlight++
	go func() {
		res, err := s.hooks.GroupEnd(ctx, groupErr, s.ex, failed, g)
		s.events <- event{kind: eventGroupEnded, id: g, err: err, repeat: res.Repeat}
	}()
}

func (s *scheduler) handle(ctx context.Context, ev event) {
	s.inFlight--

	switch ev.kind {
	case eventRequestDone:
		s.state[ev.id] = requestFinished

	case eventGroupStarted:
		gs := s.groups[ev.id]
		if ev.err != nil {
			frameworkErrorsTotal.WithLabelValues("group_start").Inc()
			s.logger.Error().Err(ev.err).Str("atomicity_group", ev.id).Msg("Group start hook failed")
			s.ex.failGroup(ev.id, ev.err)
			gs.phase = groupPending
			return
		}
		gs.phase = groupStarted

	case eventGroupEnded:
		gs := s.groups[ev.id]
		if ev.err != nil {
			frameworkErrorsTotal.WithLabelValues("group_end").Inc()
			s.logger.Error().Err(ev.err).Str("atomicity_group", ev.id).Msg("Group end hook failed")
			s.ex.failGroup(ev.id, ev.err)
			gs.phase = groupFinished
			s.logGroupFinished(ev.id)
			return
		}
		if !ev.repeat {
			gs.phase = groupFinished
			s.logGroupFinished(ev.id)
			return
		}
		if gs.repeats >= s.maxRepeats {
			frameworkErrorsTotal.WithLabelValues("repeat_limit").Inc()
			s.logger.Warn().
				Str("atomicity_group", ev.id).
				Int("repeats", gs.repeats).
				Msg("Group repeat limit reached")
			s.ex.failGroup(ev.id, fmt.Errorf("%w: group %q after %d repeats", ErrGroupRepeatLimit, ev.id, gs.repeats))
			gs.phase = groupFinished
			s.logGroupFinished(ev.id)
			return
		}
		gs.repeats++
		groupRepeatsTotal.Inc()
		s.logger.Info().Str("atomicity_group", ev.id).Int("repeat", gs.repeats).Msg("Repeating atomicity group")
		s.ex.resetGroup(ev.id)
		for _, id := range s.ex.groups[ev.id] {
			s.state[id] = requestOpen
		}
		gs.phase = groupPending
	}
}

// stall completes every open request with 424. It is reached only when
// nothing is in flight and no pass can make progress, which requires a
// dependency cycle through an atomicity group.
func (s *scheduler) stall() {
	for _, id := range s.ex.order {
		if s.state[id] == requestOpen {
			s.shortCircuit(s.ex.requests[id], http.StatusFailedDependency, "dependencies can never be satisfied")
		}
	}
}

func (s *scheduler) logGroupFinished(g string) {
	failed, _ := s.ex.GroupFailed(g)
	s.logger.Debug().
		Str("atomicity_group", g).
		Bool("failed", failed).
		Msg("Atomicity group finished")
}
