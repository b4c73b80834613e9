// Package estop owns the emergency-stop safety state and the
// watchdog that drives it. This is the safety authority of the
// bridge: everything else may fail into reconnects, this package must
// fail into "engaged".
package estop

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
)

type Reason uint8

const (
	ReasonStartup Reason = iota
	ReasonWatchdog
	ReasonOperatorRequest
	ReasonConnectionLoss
)

func (r Reason) String() string {
	switch r {
	case ReasonStartup:
		return "startup"
	case ReasonWatchdog:
		return "watchdog"
	case ReasonOperatorRequest:
		return "operator-request"
	case ReasonConnectionLoss:
		return "connection-loss"
	}
	return "unknown"
}

var ErrConfirmationRejected = fmt.Errorf("estop clear confirmation rejected")

type Status struct {
	Engaged bool
	Reason  Reason
	Detail  string
	Since   time.Time
}

// ClearPolicy validates E-STOP clear requests. Defaults preserve the
// historical values, both are configuration (state package).
type ClearPolicy struct {
	ConfirmToken string
	Freshness    time.Duration
}

const (
	DefaultConfirmToken   = "ESTOP_CLEAR_CONFIRM"
	DefaultClearFreshness = 1500 * time.Millisecond
)

func (p *ClearPolicy) normalize() {
	if p.ConfirmToken == "" {
		p.ConfirmToken = DefaultConfirmToken
	}
	if p.Freshness == 0 {
		p.Freshness = DefaultClearFreshness
	}
}

// State is the single owned E-STOP state object. Created engaged
// (reason startup) and mutated only by the watchdog and the validated
// control message path. Never persisted: a restart re-engages.
type State struct {
	lk     sync.Mutex
	st     Status
	policy ClearPolicy
}

func NewState(policy ClearPolicy) *State {
	policy.normalize()
	return &State{
		st: Status{
			Engaged: true,
			Reason:  ReasonStartup,
			Detail:  "process start",
			Since:   time.Now(),
		},
		policy: policy,
	}
}

func (s *State) Status() Status {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.st
}

func (s *State) Engaged() bool { return s.Status().Engaged }

// Engage is idempotent and immediate, valid from any state. An
// already engaged state keeps its Since timestamp; an explicit
// operator request overrides the recorded reason.
func (s *State) Engage(reason Reason, detail string) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if !s.st.Engaged {
		s.st = Status{Engaged: true, Reason: reason, Detail: detail, Since: time.Now()}
		return
	}
	if reason == ReasonOperatorRequest {
		s.st.Reason = reason
		s.st.Detail = detail
	}
}

// RequestClear validates a clear request: correct confirm token,
// control link age within the freshness window, and not a
// connection-loss engagement on a still-unhealthy link. Any single
// failed condition rejects and leaves the state unchanged.
func (s *State) RequestClear(token string, age time.Duration, linkHealthy bool) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if token != s.policy.ConfirmToken {
		return errors.Annotate(ErrConfirmationRejected, "bad confirm token")
	}
	if age < 0 || age > s.policy.Freshness {
		return errors.Annotatef(ErrConfirmationRejected, "connection age=%s exceeds freshness=%s", age, s.policy.Freshness)
	}
	if s.st.Reason == ReasonConnectionLoss && !linkHealthy {
		return errors.Annotate(ErrConfirmationRejected, "link still unhealthy after connection loss")
	}
	if s.st.Engaged {
		s.st = Status{Engaged: false, Since: time.Now()}
	}
	return nil
}

// Liveness is the explicit shared snapshot through which channels
// hand timestamps to the watchdog; channels never reference each
// other directly.
type Liveness struct {
	Control   atomic_clock.Clock // last valid control message accepted
	Telemetry atomic_clock.Clock // last authenticated telemetry frame
}

// ControlAge returns -1 before the first valid control message.
func (l *Liveness) ControlAge() time.Duration {
	if l.Control.IsZero() {
		return -1
	}
	return atomic_clock.Since(&l.Control)
}

func (l *Liveness) TelemetryAge() time.Duration {
	if l.Telemetry.IsZero() {
		return -1
	}
	return atomic_clock.Since(&l.Telemetry)
}

// ControlAgeMs is the telemetry-reported form; -1 means never.
func (l *Liveness) ControlAgeMs() int64 {
	d := l.ControlAge()
	if d < 0 {
		return -1
	}
	return int64(d / time.Millisecond)
}
