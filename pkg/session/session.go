// Package session implements process-wide Session State (spec.md §4.K):
// operator identity bound at most once, role, and the fatigue-guard
// sliding window / mandatory-pause timer. The mandatory-pause window is
// modeled as a liveness-style timer, grounded on the teacher's
// governance/liveness.go BlockingState pattern, so a paused session's
// remaining cool-down is introspectable rather than a bare boolean.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-gate/gatekernel/pkg/config"
	"github.com/atlas-gate/gatekernel/pkg/errs"
)

// Role is the client capability set bound to a session.
type Role string

const (
	RoleExecution Role = "EXECUTION"
	RolePlanning  Role = "PLANNING"
	RoleReadOnly  Role = "READ_ONLY"
)

// OperatorRole is the human identity's role.
type OperatorRole string

const (
	OperatorOwner    OperatorRole = "OWNER"
	OperatorReviewer OperatorRole = "REVIEWER"
	OperatorAuditor  OperatorRole = "AUDITOR"
)

// Identity is the human operator bound to a session.
type Identity struct {
	OperatorID   string
	OperatorRole OperatorRole
	AuthContext  string
}

// PauseState describes an in-progress mandatory pause, introspectable so
// a caller can report remaining cool-down instead of a bare boolean.
type PauseState struct {
	StartedAt time.Time
	Until     time.Time
}

// Remaining returns how long is left in the pause as of now.
func (p PauseState) Remaining(now time.Time) time.Duration {
	if now.After(p.Until) {
		return 0
	}
	return p.Until.Sub(now)
}

// State is the process-wide session object. The top-level dispatcher
// owns exactly one, per spec.md §9's SessionContext design note.
type State struct {
	mu sync.Mutex

	sessionID     string
	workspaceRoot string
	role          Role
	identity      *Identity

	thresholds config.FatigueThresholds
	approvals  []time.Time // sliding one-hour window, ascending by time
	consecutiveSincePause int
	pause                 *PauseState

	now         func() time.Time
	accelerator Accelerator // optional cross-process read-through cache, nil by default
}

// WithAccelerator attaches an optional cross-process fatigue-guard
// accelerator. The in-memory window remains authoritative; the
// accelerator only widens CheckFatigueGuard's view to approvals other
// cooperating processes have recorded.
func (s *State) WithAccelerator(a Accelerator) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accelerator = a
	return s
}

// HasAccelerator reports whether a cross-process accelerator is attached.
func (s *State) HasAccelerator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accelerator != nil
}

// New creates a session bound to workspaceRoot and role, with a fresh
// UUID v4 session id.
func New(workspaceRoot string, role Role, thresholds config.FatigueThresholds) *State {
	return &State{
		sessionID:     uuid.NewString(),
		workspaceRoot: workspaceRoot,
		role:          role,
		thresholds:    thresholds,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SessionID returns the bound session id.
func (s *State) SessionID() string { return s.sessionID }

// WorkspaceRoot returns the bound workspace root.
func (s *State) WorkspaceRoot() string { return s.workspaceRoot }

// Role returns the bound client role.
func (s *State) Role() Role { return s.role }

// BindIdentity binds the human operator identity exactly once.
func (s *State) BindIdentity(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity != nil {
		return errs.New(errs.CodeOperatorAlreadyBound, "operator identity already bound for this session")
	}
	s.identity = &id
	return nil
}

// Identity returns the bound operator identity, or nil if unbound.
func (s *State) Identity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *State) evictOld(now time.Time) {
	cutoff := now.Add(-1 * time.Hour)
	i := 0
	for i < len(s.approvals) && s.approvals[i].Before(cutoff) {
		i++
	}
	s.approvals = s.approvals[i:]
}

// CheckFatigueGuard evaluates whether a new approval checkpoint is
// admissible, per spec.md §4.K: evict approvals older than one hour,
// then fail if the per-session, per-hour, or consecutive-before-pause
// thresholds are exceeded.
func (s *State) CheckFatigueGuard() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evictOld(now)

	windowCount := len(s.approvals)
	if s.accelerator != nil {
		if remote, err := s.accelerator.WindowCount(context.Background(), s.sessionID, now.Add(-1*time.Hour)); err == nil && remote > windowCount {
			windowCount = remote
		}
		// Accelerator errors never fail the guard: the in-memory window
		// already gives a correct, if process-local, answer.
	}

	if windowCount >= s.thresholds.MaxPerSession {
		return errs.New(errs.CodeFatigueGuardTripped, "session approval maximum reached")
	}
	if windowCount >= s.thresholds.MaxPerHour {
		return errs.New(errs.CodeFatigueGuardTripped, "hourly approval maximum reached")
	}
	if s.consecutiveSincePause >= s.thresholds.ConsecutiveBeforePause {
		pauseDuration := time.Duration(s.thresholds.MandatoryPauseSeconds) * time.Second
		if s.pause == nil {
			s.pause = &PauseState{StartedAt: now, Until: now.Add(pauseDuration)}
		}
		if now.Before(s.pause.Until) {
			return errs.New(errs.CodeFatigueGuardTripped, "mandatory pause in effect after consecutive approvals")
		}
		// Pause elapsed: reset.
		s.pause = nil
		s.consecutiveSincePause = 0
	}
	return nil
}

// RecordApproval records a successful approval checkpoint, advancing the
// sliding window and the consecutive-since-pause counter. Removing
// approvals from the window never makes a subsequent call fail (spec.md
// §8 I9): eviction only shrinks the window, and the thresholds above are
// all lower-bound comparisons against window size, so a smaller window
// is never more restrictive.
func (s *State) RecordApproval() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.evictOld(now)
	s.approvals = append(s.approvals, now)
	s.consecutiveSincePause++
	if s.accelerator != nil {
		_ = s.accelerator.RecordApproval(context.Background(), s.sessionID, now)
	}
}

// PauseStatus reports the current pause state, if any.
func (s *State) PauseStatus() (PauseState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pause == nil {
		return PauseState{}, false
	}
	return *s.pause, true
}
