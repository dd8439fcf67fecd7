package children

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wgrove/milterchild/internal/header"
	"github.com/wgrove/milterchild/milter"
)

// Children implements milter.Milter directly, one instance per MTA
// connection, and owns everything else in this package: the live
// BackendSessions, the Aggregator, the Sequencer, the BodySpool and the
// Merger for the message currently in flight.
type Children struct {
	fleet     []*Backend
	ceiling   FleetCeiling
	config    Config
	lifecycle *Lifecycle
	logger    *slog.Logger

	// connID/msgID are per-connection/per-message correlation ids, minted
	// with uuid.NewString() so a backend's own logs can be joined back to
	// the multiplexer's. connID is attached to every log record through
	// the logger; msgID is added to the post-DATA stages' records.
	connID string
	msgID  string

	sessions []*BackendSession
	quitted  []*BackendSession

	aggregator *Aggregator
	sequencer  *Sequencer

	macros milter.Macros

	spool   *BodySpool
	merger  *Merger
	headers *header.Header
}

// NewMilterFunc returns a milter.NewMilterFunc suitable for
// milter.WithDynamicMilter: it constructs one Children per MTA connection,
// bound to fleet under the already-negotiated ceiling.
func NewMilterFunc(fleet []*Backend, ceiling FleetCeiling, cfg Config) milter.NewMilterFunc {
	return func(uint32, milter.OptAction, milter.OptProtocol, milter.DataSize) milter.Milter {
		return newChildren(fleet, ceiling, cfg)
	}
}

func newChildren(fleet []*Backend, ceiling FleetCeiling, cfg Config) *Children {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	connID := uuid.NewString()
	logger = logger.With(slog.String("conn", connID))
	return &Children{
		fleet:      fleet,
		ceiling:    ceiling,
		config:     cfg,
		lifecycle:  NewLifecycle(cfg.RetryDelay, cfg.PrivilegeMode, logger),
		logger:     logger,
		connID:     connID,
		aggregator: &Aggregator{},
		sequencer:  &Sequencer{},
	}
}

// NewConnection dials and negotiates every backend in the fleet for this
// MTA connection. The fleet-level ceiling already narrowed what the MTA
// was offered, so this only needs to dial and let each backend negotiate
// against that ceiling (see DESIGN.md). A backend that fails both its
// attempt and its retry is dropped from this connection's fleet and never
// recorded live; it does not fail the connection.
func (c *Children) NewConnection(m milter.Modifier) error {
	c.macros = m
	if len(c.fleet) == 0 {
		return ErrNoBackends
	}

	sessions := make([]*BackendSession, 0, len(c.fleet))
	for _, b := range c.fleet {
		sess, err := c.lifecycle.Connect(b, c.ceiling, m)
		if err != nil {
			c.logger.Error("children: backend unavailable for connection",
				slog.String("backend", b.Name), slog.Any("error", err))
			continue
		}
		sessions = append(sessions, sess)
	}
	c.sessions = sessions
	return nil
}

// toResponse maps an aggregated (Status, *ReplyCode) pair to the Response
// the Facade returns to the MTA side.
func toResponse(status Status, rc *ReplyCode) (*milter.Response, error) {
	if rc != nil {
		return milter.RejectWithCodeAndReason(rc.Code, rc.Message)
	}
	switch status {
	case StatusAccept:
		return milter.RespAccept, nil
	case StatusDiscard:
		return milter.RespDiscard, nil
	case StatusReject:
		return milter.RespReject, nil
	case StatusTemporaryFailure:
		return milter.RespTempFail, nil
	case StatusSkip:
		return milter.RespSkip, nil
	default:
		return milter.RespContinue, nil
	}
}

func (c *Children) emit(outcome StageOutcome) (*milter.Response, error) {
	if !outcome.Emit {
		return milter.RespContinue, nil
	}
	return toResponse(outcome.Status, outcome.ReplyCode)
}

// stageResult is one eligible session's reply for the stage currently
// being fanned out, captured from its own goroutine and folded into the
// Aggregator back on the caller's goroutine, after errgroup.Wait, so
// Aggregator.Update never races.
type stageResult struct {
	session *BackendSession
	status  Status
	rc      *ReplyCode
}

// runStage dispatches fn to every session eligible for state, best-effort:
// a send/read failure against one backend expires only that backend and
// never prevents dispatch to the others. It folds the results into the
// Aggregator and returns the stage's StageOutcome once every eligible
// session has replied or expired.
func (c *Children) runStage(state State, fn func(*BackendSession) (Status, *ReplyCode, error)) StageOutcome {
	if len(c.sessions) == 0 {
		return StageOutcome{Status: c.config.Unavailable, Emit: true}
	}

	eligible := EnrollAll(c.sessions, state)
	c.aggregator.Reset(state)
	c.sequencer.Start(state)

	if len(eligible) == 0 {
		return c.aggregator.Conclude(state)
	}

	results := make([]stageResult, len(eligible))
	var g errgroup.Group
	for i, s := range eligible {
		i, s := i, s
		g.Go(func() error {
			status, rc, err := fn(s)
			if err != nil {
				c.logger.Warn("children: backend stage error, isolating backend",
					slog.String("backend", s.Backend().Name), slog.Any("error", err))
				return nil
			}
			results[i] = stageResult{session: s, status: status, rc: rc}
			return nil
		})
	}
	_ = g.Wait()

	contributed := 0
	for _, r := range results {
		if r.session == nil {
			continue
		}
		contributed++
		c.aggregator.Update(state, r.status, r.rc)
	}

	c.reapExpired()

	if contributed == 0 {
		// Every eligible backend was absent (expired) for this stage; the
		// message falls back to the configured unavailable status.
		return StageOutcome{Status: c.config.Unavailable, Emit: true}
	}

	outcome := c.aggregator.Conclude(state)
	if outcome.ExpireAll {
		c.expireAll()
	}
	return outcome
}

// reapExpired moves every session that expired during the last stage from
// the live list to the quitted list.
func (c *Children) reapExpired() {
	live := make([]*BackendSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		if s.Expired() {
			c.quitted = append(c.quitted, s)
			continue
		}
		live = append(live, s)
	}
	c.sessions = live
}

// expireAll tears down every still-live session.
func (c *Children) expireAll() {
	c.lifecycle.ExpireAll(c.sessions)
	c.reapExpired()
}

func (c *Children) Connect(host string, family string, port uint16, addr string, m milter.Modifier) (*milter.Response, error) {
	outcome := c.runStage(StateConnect, func(s *BackendSession) (Status, *ReplyCode, error) {
		return s.Connect(host, family, port, addr)
	})
	return c.emit(outcome)
}

func (c *Children) Helo(name string, m milter.Modifier) (*milter.Response, error) {
	outcome := c.runStage(StateHelo, func(s *BackendSession) (Status, *ReplyCode, error) {
		return s.Helo(name)
	})
	return c.emit(outcome)
}

func (c *Children) MailFrom(from string, esmtpArgs string, m milter.Modifier) (*milter.Response, error) {
	c.resetMessage()
	c.msgID = uuid.NewString()
	outcome := c.runStage(StateEnvelopeFrom, func(s *BackendSession) (Status, *ReplyCode, error) {
		return s.EnvelopeFrom(from, esmtpArgs)
	})
	return c.emit(outcome)
}

func (c *Children) RcptTo(rcptTo string, esmtpArgs string, m milter.Modifier) (*milter.Response, error) {
	outcome := c.runStage(StateEnvelopeRecipient, func(s *BackendSession) (Status, *ReplyCode, error) {
		return s.EnvelopeRecipient(rcptTo, esmtpArgs)
	})
	return c.emit(outcome)
}

func (c *Children) Data(m milter.Modifier) (*milter.Response, error) {
	outcome := c.runStage(StateData, func(s *BackendSession) (Status, *ReplyCode, error) {
		return s.Data()
	})
	return c.emit(outcome)
}

func (c *Children) Header(name string, value string, m milter.Modifier) (*milter.Response, error) {
	if c.headers == nil {
		c.headers = &header.Header{}
	}
	c.headers.Add(name, value)

	outcome := c.runStage(StateHeader, func(s *BackendSession) (Status, *ReplyCode, error) {
		return s.Header(name, value)
	})
	return c.emit(outcome)
}

// dispatchToActive is runStage's single-session counterpart for the
// post-DATA phases: state is driven only to the Sequencer's current
// active session, since the real fleet is walked one backend at a time
// from EndOfHeader through EndOfMessage rather than fanned out. Error
// handling and ExpireAll bookkeeping mirror runStage.
func (c *Children) dispatchToActive(state State, fn func(*BackendSession) (Status, *ReplyCode, error)) StageOutcome {
	c.aggregator.Reset(state)
	c.sequencer.Start(state)

	active := c.sequencer.Active()
	if active == nil || !Eligible(active, state) {
		return c.aggregator.Conclude(state)
	}

	status, rc, err := fn(active)
	if err != nil {
		c.logger.Warn("children: backend post-data error, isolating backend",
			slog.String("backend", active.Backend().Name), slog.String("message", c.msgID), slog.Any("error", err))
		c.lifecycle.Expire(active, err)
		c.reapExpired()
		c.sequencer.Drop(active)
		return c.aggregator.Conclude(state)
	}

	c.aggregator.Update(state, status, rc)
	outcome := c.aggregator.Conclude(state)
	if outcome.ExpireAll {
		c.expireAll()
	}
	return outcome
}

func (c *Children) Headers(m milter.Modifier) (*milter.Response, error) {
	if len(c.sessions) == 0 {
		return toResponse(c.config.Unavailable, nil)
	}
	c.sequencer.Begin(c.sessions)
	outcome := c.dispatchToActive(StateEndOfHeader, func(s *BackendSession) (Status, *ReplyCode, error) {
		return s.EndOfHeader()
	})
	return c.emit(outcome)
}

func (c *Children) BodyChunk(chunk []byte, m milter.Modifier) (*milter.Response, error) {
	if c.spool == nil {
		spool, err := NewBodySpool()
		if err != nil {
			c.logger.Error("children: failed to create body spool", slog.Any("error", err))
			return toResponse(c.config.Unavailable, nil)
		}
		c.spool = spool
	}
	if err := c.spool.Append(chunk); err != nil {
		c.logger.Error("children: failed to append to body spool", slog.Any("error", err))
		return toResponse(c.config.Unavailable, nil)
	}

	c.sequencer.BeginBodyChunk()
	outcome := c.dispatchToActive(StateBody, func(s *BackendSession) (Status, *ReplyCode, error) {
		return s.BodyChunk(chunk)
	})
	c.sequencer.Ack()
	return c.emit(outcome)
}

// errStopReplay is an internal sentinel replaySession uses to unwind out
// of BodySpool.Stream early, once a session rejects/discards mid-body or
// opts out of Body entirely partway through. It never escapes this file.
var errStopReplay = errors.New("children: replay stopped")

// finishActive completes the one leg the originally active session
// hasn't answered yet (EndOfHeader and every Body chunk were already
// driven live, through dispatchToActive). A Reject or Discard verdict is
// terminal: it always tears down the rest of the fleet, so the caller
// stops walking further sessions once it sees one.
func (c *Children) finishActive(s *BackendSession) (status Status, rc *ReplyCode, mods []milter.ModifyAction, terminal bool, ok bool) {
	mods, status, rc, err := s.EndOfMessage()
	if err != nil {
		c.logger.Warn("children: backend EOM error, isolating backend",
			slog.String("backend", s.Backend().Name), slog.String("message", c.msgID), slog.Any("error", err))
		c.lifecycle.Expire(s, err)
		return StatusNotChange, nil, nil, false, false
	}
	terminal = status == StatusReject || status == StatusDiscard
	return status, rc, mods, terminal, true
}

// replaySession drives a session that was still waiting in the Sequencer
// when EndOfMessage arrived through the entire accumulated history it
// never saw live: EndOfHeader, the whole spooled body, then EndOfMessage.
// A Reject or Discard verdict at any leg short-circuits the rest of the
// replay for this session, mirroring the unconditional fleet teardown any
// such verdict causes past EnvelopeRecipient.
func (c *Children) replaySession(s *BackendSession) (status Status, rc *ReplyCode, mods []milter.ModifyAction, terminal bool, ok bool) {
	if Eligible(s, StateEndOfHeader) {
		st, code, err := s.EndOfHeader()
		if err != nil {
			c.logger.Warn("children: backend replay error at EndOfHeader, isolating backend",
				slog.String("backend", s.Backend().Name), slog.String("message", c.msgID), slog.Any("error", err))
			c.lifecycle.Expire(s, err)
			return StatusNotChange, nil, nil, false, false
		}
		if st == StatusReject || st == StatusDiscard {
			return st, code, nil, true, true
		}
	}

	if Eligible(s, StateBody) {
		bodyErr := c.spool.Stream(func(chunk []byte) error {
			if !Eligible(s, StateBody) {
				return errStopReplay
			}
			st, code, err := s.BodyChunk(chunk)
			if err != nil {
				return err
			}
			if st == StatusReject || st == StatusDiscard {
				status, rc = st, code
				return errStopReplay
			}
			return nil
		})
		if bodyErr != nil && bodyErr != errStopReplay {
			c.logger.Warn("children: backend replay error at Body, isolating backend",
				slog.String("backend", s.Backend().Name), slog.String("message", c.msgID), slog.Any("error", bodyErr))
			c.lifecycle.Expire(s, bodyErr)
			return StatusNotChange, nil, nil, false, false
		}
		if status == StatusReject || status == StatusDiscard {
			return status, rc, nil, true, true
		}
	}

	finalMods, st, code, err := s.EndOfMessage()
	if err != nil {
		c.logger.Warn("children: backend replay error at EndOfMessage, isolating backend",
			slog.String("backend", s.Backend().Name), slog.String("message", c.msgID), slog.Any("error", err))
		c.lifecycle.Expire(s, err)
		return StatusNotChange, nil, nil, false, false
	}
	terminal = st == StatusReject || st == StatusDiscard
	return st, code, finalMods, terminal, true
}

func (c *Children) EndOfMessage(m milter.Modifier) (*milter.Response, error) {
	if c.spool == nil {
		spool, err := NewBodySpool()
		if err != nil {
			return toResponse(c.config.Unavailable, nil)
		}
		c.spool = spool
	}
	c.merger = NewMerger(c.spool, c.headers)

	if len(c.sessions) == 0 {
		c.disposeMessage()
		return toResponse(c.config.Unavailable, nil)
	}

	c.aggregator.Reset(StateEndOfMessage)
	c.sequencer.Start(StateEndOfMessage)

	contributed := 0
	first := true
	session := c.sequencer.Active()
	attempted := session != nil
	for session != nil {
		var (
			status   Status
			rc       *ReplyCode
			mods     []milter.ModifyAction
			terminal bool
			ok       bool
		)
		if first {
			status, rc, mods, terminal, ok = c.finishActive(session)
			first = false
		} else {
			status, rc, mods, terminal, ok = c.replaySession(session)
		}

		if ok {
			contributed++
			c.aggregator.Update(StateEndOfMessage, status, rc)
			if err := c.merger.Apply(m, mods); err != nil {
				c.logger.Warn("children: failed to merge modifications",
					slog.String("backend", session.Backend().Name), slog.String("message", c.msgID), slog.Any("error", err))
			}
		}

		c.reapExpired()
		if terminal {
			c.sequencer.Drop(session)
			break
		}
		session = c.sequencer.Advance()
	}

	if contributed == 0 && attempted {
		c.disposeMessage()
		return toResponse(c.config.Unavailable, nil)
	}

	if err := c.merger.Flush(m); err != nil {
		c.logger.Warn("children: failed to flush replaced body", slog.Any("error", err))
	}

	outcome := c.aggregator.Conclude(StateEndOfMessage)
	if outcome.ExpireAll {
		c.expireAll()
	}
	resp, err := c.emit(outcome)
	c.disposeMessage()
	return resp, err
}

func (c *Children) Unknown(cmd string, m milter.Modifier) (*milter.Response, error) {
	outcome := c.runStage(StateUnknown, func(s *BackendSession) (Status, *ReplyCode, error) {
		return s.Unknown(cmd)
	})
	return c.emit(outcome)
}

func (c *Children) Abort(m milter.Modifier) error {
	for _, s := range c.sessions {
		if s.Expired() {
			continue
		}
		if err := s.Abort(); err != nil {
			c.logger.Warn("children: abort failed", slog.String("backend", s.Backend().Name), slog.Any("error", err))
		}
	}
	c.reapExpired()
	c.disposeMessage()
	return nil
}

func (c *Children) Cleanup(m milter.Modifier) {
	c.lifecycle.ExpireAll(c.sessions)
	c.reapExpired()
	c.disposeMessage()
}

// resetMessage clears per-message aggregation bookkeeping at the start of
// a new message in the same connection (MAIL FROM). It does not touch
// BackendSessions, which are reused for the whole connection.
func (c *Children) resetMessage() {
	c.sequencer = &Sequencer{}
	c.headers = nil
}

// disposeMessage releases the message-scoped BodySpool/Merger at
// end-of-message/abort rather than waiting for the whole connection to
// close, since the next message in the same connection gets a fresh
// spool.
func (c *Children) disposeMessage() {
	if c.spool != nil {
		if err := c.spool.Close(); err != nil {
			c.logger.Warn("children: failed to close body spool", slog.Any("error", err))
		}
		c.spool = nil
	}
	c.merger = nil
	c.headers = nil
}

var _ milter.Milter = (*Children)(nil)
