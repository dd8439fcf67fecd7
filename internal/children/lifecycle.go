package children

import (
	"log/slog"
	"os/exec"
	"time"

	"github.com/wgrove/milterchild/milter"
)

// FleetCeilingFor computes the capability ceiling across backends: the
// union of every backend's offered action flags, and the intersection of
// every backend's offered step flags ("no X" propagates only if every
// backend agrees to it).
func FleetCeilingFor(backends []*Backend) FleetCeiling {
	if len(backends) == 0 {
		return FleetCeiling{Version: milter.MaxClientProtocolVersion}
	}
	ceiling := FleetCeiling{
		Version:  milter.MaxClientProtocolVersion,
		Protocol: ^milter.OptProtocol(0),
	}
	for _, b := range backends {
		ceiling.Actions |= b.OfferedActions
		ceiling.Protocol &= b.OfferedProtocol
	}
	return ceiling
}

// Lifecycle owns connect/retry and teardown for one Children instance's
// backend fleet. It holds no per-message state beyond what is needed to
// retry a still-connecting backend once.
type Lifecycle struct {
	retryDelay    time.Duration
	privilegeMode bool
	logger        *slog.Logger
}

// NewLifecycle constructs a Lifecycle with the configured retry delay
// (default DefaultRetryDelay) and a logger for non-fatal diagnostics
// (expired sessions, retries). When privilegeMode is set, a backend with
// a configured LaunchCommand is started before the retry attempt.
func NewLifecycle(retryDelay time.Duration, privilegeMode bool, logger *slog.Logger) *Lifecycle {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{retryDelay: retryDelay, privilegeMode: privilegeMode, logger: logger}
}

// Connect dials and negotiates backend, retrying exactly once after the
// configured retry delay on a first failure. A second failure is fatal
// for that backend and is returned wrapped in ErrNegotiationFailed.
func (l *Lifecycle) Connect(backend *Backend, ceiling FleetCeiling, macros milter.Macros) (*BackendSession, error) {
	sess, err := NewBackendSession(backend, ceiling, macros)
	if err == nil {
		return sess, nil
	}
	l.logger.Warn("children: backend connect failed, retrying",
		slog.String("backend", backend.Name), slog.Any("error", err), slog.Duration("delay", l.retryDelay))

	if l.privilegeMode && len(backend.LaunchCommand) > 0 {
		l.launch(backend)
	}
	time.Sleep(l.retryDelay)

	sess, retryErr := NewBackendSession(backend, ceiling, macros)
	if retryErr == nil {
		return sess, nil
	}
	l.logger.Error("children: backend connect failed on retry, abandoning",
		slog.String("backend", backend.Name), slog.Any("error", retryErr))
	return nil, errNegotiationFailedFor(backend, retryErr)
}

// launch starts backend's configured process and does not wait for it to
// become ready; the retry delay that follows is the only grace period it
// gets before the next connect attempt.
func (l *Lifecycle) launch(backend *Backend) {
	cmd := exec.Command(backend.LaunchCommand[0], backend.LaunchCommand[1:]...)
	if err := cmd.Start(); err != nil {
		l.logger.Error("children: failed to launch backend process",
			slog.String("backend", backend.Name), slog.Any("error", err))
		return
	}
	go func() { _ = cmd.Wait() }()
}

func errNegotiationFailedFor(backend *Backend, cause error) error {
	return &negotiationError{backend: backend.Name, cause: cause}
}

type negotiationError struct {
	backend string
	cause   error
}

func (e *negotiationError) Error() string {
	return "children: negotiation failed for backend " + e.backend + ": " + e.cause.Error()
}

func (e *negotiationError) Unwrap() error {
	return ErrNegotiationFailed
}

// Expire marks session expired, logging why unless the expiration is a
// normal Quit (err == nil).
func (l *Lifecycle) Expire(session *BackendSession, err error) {
	if err != nil {
		l.logger.Warn("children: backend session expired",
			slog.String("backend", session.Backend().Name), slog.Any("error", err))
	}
	session.expire(err)
}

// ExpireAll tears down every session in sessions: Abort then Quit on
// each, best-effort — a failure aborting or quitting one backend does not
// stop the rest from being torn down.
func (l *Lifecycle) ExpireAll(sessions []*BackendSession) {
	for _, s := range sessions {
		if s.Expired() {
			continue
		}
		if err := s.Abort(); err != nil {
			l.logger.Warn("children: abort failed during teardown",
				slog.String("backend", s.Backend().Name), slog.Any("error", err))
		}
		if err := s.Quit(); err != nil {
			l.logger.Warn("children: quit failed during teardown",
				slog.String("backend", s.Backend().Name), slog.Any("error", err))
		}
	}
}
