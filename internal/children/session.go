package children

import (
	"fmt"
	"net"
	"net/textproto"

	"golang.org/x/net/idna"

	"github.com/wgrove/milterchild/milter"
)

// BackendSession is the per-message session bound to one Backend. It
// wraps a *milter.ClientSession, the backend-facing driver, with the
// multiplexer's own state tracking: the current protocol State, the
// skip-body flag, and expiration bookkeeping.
//
// A BackendSession is created at negotiate, reused for the whole message,
// and destroyed on quit, abort, error or expiration. It is driven by
// exactly one goroutine at a time: the Children value that owns it never
// calls two of its methods concurrently.
type BackendSession struct {
	backend *Backend
	client  *milter.Client
	session *milter.ClientSession

	state    State
	skipBody bool

	expired   bool
	expireErr error
}

// hostnameForWire applies IDNA ToASCII normalization the way a milter
// client should before handing a hostname to a backend filter, so that
// backends that only understand ASCII labels (most DKIM/DMARC style
// filters) see a consistent form regardless of what the MTA offered.
func hostnameForWire(host string) string {
	if host == "" {
		return host
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Not everything sendmail hands us is a valid DNS label (it can be
		// an address literal in brackets); fall back to the raw value.
		return host
	}
	return ascii
}

// dialOptions builds the milter.Option set for a fresh *milter.Client
// talking to backend, honoring the fleet ceiling's negotiated version so
// every backend in a connection is offered the same upper bound.
func dialOptions(backend *Backend, ceiling FleetCeiling) []milter.Option {
	t := backend.Timeouts
	opts := []milter.Option{
		milter.WithMaximumVersion(ceiling.Version),
		milter.WithActions(backend.OfferedActions),
		milter.WithProtocols(backend.OfferedProtocol),
		milter.WithReadTimeout(t.Read),
		milter.WithWriteTimeout(t.Write),
		milter.WithEOMTimeout(t.EOM),
	}
	if t.Connect > 0 {
		opts = append(opts, milter.WithDialer(&net.Dialer{Timeout: t.Connect}))
	}
	return opts
}

// NewBackendSession dials and negotiates a fresh session against backend.
// macros (may be nil) is the Macros implementation that will back every
// macro the session sends for the lifetime of this message.
func NewBackendSession(backend *Backend, ceiling FleetCeiling, macros milter.Macros) (*BackendSession, error) {
	client := milter.NewClient(backend.Network, backend.Address, dialOptions(backend, ceiling)...)
	sess, err := client.Session(macros)
	if err != nil {
		return nil, fmt.Errorf("children: connect %s (%s): %w", backend.Name, backend.Address, err)
	}
	return &BackendSession{
		backend: backend,
		client:  client,
		session: sess,
		state:   StateNegotiate,
	}, nil
}

// Backend returns the static configuration this session was dialed for.
func (s *BackendSession) Backend() *Backend { return s.backend }

// State returns the last protocol stage this session was driven through.
func (s *BackendSession) State() State { return s.state }

// Expired reports whether this session has left the live fleet.
func (s *BackendSession) Expired() bool { return s.expired }

// ExpireErr returns the error that caused expiration, if any (a normal
// Quit expires a session with a nil error).
func (s *BackendSession) ExpireErr() error { return s.expireErr }

// SkipBody reports whether the backend returned Skip during Body and
// should no longer receive body chunks for this message.
func (s *BackendSession) SkipBody() bool { return s.skipBody }

// ActionOption/ProtocolOption expose the negotiated masks for this backend
// so the Facade/Sequencer can decide per-backend eligibility.
func (s *BackendSession) ActionOption(opt milter.OptAction) bool {
	return s.session.ActionOption(opt)
}

func (s *BackendSession) ProtocolOption(opt milter.OptProtocol) bool {
	return s.session.ProtocolOption(opt)
}

// expire marks the session as no longer live, recording why. Children is
// responsible for removing the session from its queues afterward.
func (s *BackendSession) expire(err error) {
	if s.expired {
		return
	}
	s.expired = true
	s.expireErr = err
	if err != nil {
		s.state = StateExpired
	}
	_ = s.session.Close()
}

// classify turns a backend's terminal *milter.Action into the aggregation
// vocabulary, plus an optional reply-code triple.
func classify(act *milter.Action) (Status, *ReplyCode) {
	switch act.Type {
	case milter.ActionAccept:
		return StatusAccept, nil
	case milter.ActionContinue:
		return StatusContinue, nil
	case milter.ActionDiscard:
		return StatusDiscard, nil
	case milter.ActionReject:
		return StatusReject, nil
	case milter.ActionTempFail:
		return StatusTemporaryFailure, nil
	case milter.ActionSkip:
		return StatusSkip, nil
	case milter.ActionRejectWithCode:
		return StatusReject, &ReplyCode{Code: act.SMTPCode, Message: act.SMTPReply}
	default:
		return StatusContinue, nil
	}
}

// Connect drives the CONNECT stage for this backend.
func (s *BackendSession) Connect(hostname, family string, port uint16, addr string) (Status, *ReplyCode, error) {
	s.state = StateConnect
	pf := protoFamily(family)
	act, err := s.session.Conn(hostnameForWire(hostname), pf, port, addr)
	if err != nil {
		s.expire(err)
		return StatusNotChange, nil, err
	}
	status, rc := classify(act)
	return status, rc, nil
}

func protoFamily(family string) milter.ProtoFamily {
	switch family {
	case "tcp4", "inet":
		return milter.FamilyInet
	case "tcp6", "inet6":
		return milter.FamilyInet6
	case "unix":
		return milter.FamilyUnix
	default:
		return milter.FamilyUnknown
	}
}

// Helo drives the HELO stage.
func (s *BackendSession) Helo(name string) (Status, *ReplyCode, error) {
	s.state = StateHelo
	act, err := s.session.Helo(hostnameForWire(name))
	if err != nil {
		s.expire(err)
		return StatusNotChange, nil, err
	}
	status, rc := classify(act)
	return status, rc, nil
}

// EnvelopeFrom drives the MAIL FROM stage.
func (s *BackendSession) EnvelopeFrom(from, esmtpArgs string) (Status, *ReplyCode, error) {
	s.state = StateEnvelopeFrom
	act, err := s.session.Mail(from, esmtpArgs)
	if err != nil {
		s.expire(err)
		return StatusNotChange, nil, err
	}
	status, rc := classify(act)
	return status, rc, nil
}

// EnvelopeRecipient drives one RCPT TO stage for this backend.
func (s *BackendSession) EnvelopeRecipient(rcpt, esmtpArgs string) (Status, *ReplyCode, error) {
	s.state = StateEnvelopeRecipient
	act, err := s.session.Rcpt(rcpt, esmtpArgs)
	if err != nil {
		s.expire(err)
		return StatusNotChange, nil, err
	}
	status, rc := classify(act)
	return status, rc, nil
}

// Data drives the DATA stage.
func (s *BackendSession) Data() (Status, *ReplyCode, error) {
	s.state = StateData
	act, err := s.session.DataStart()
	if err != nil {
		s.expire(err)
		return StatusNotChange, nil, err
	}
	status, rc := classify(act)
	return status, rc, nil
}

// Header sends one header field. The underlying ClientSession already
// absorbs a mid-sequence Skip reply internally (mirroring Rcpt's
// behavior) and keeps returning Continue for subsequent fields in the
// same message; SkipBody tracks Skip only at the Body stage.
func (s *BackendSession) Header(name, value string) (Status, *ReplyCode, error) {
	s.state = StateHeader
	act, err := s.session.HeaderField(name, value, nil)
	if err != nil {
		s.expire(err)
		return StatusNotChange, nil, err
	}
	status, rc := classify(act)
	return status, rc, nil
}

// EndOfHeader sends EOH.
func (s *BackendSession) EndOfHeader() (Status, *ReplyCode, error) {
	s.state = StateEndOfHeader
	act, err := s.session.HeaderEnd()
	if err != nil {
		s.expire(err)
		return StatusNotChange, nil, err
	}
	status, rc := classify(act)
	return status, rc, nil
}

// BodyChunk sends one body chunk. If the backend already returned Skip
// during a previous chunk, the caller should not invoke BodyChunk again;
// the Sequencer's eligibility check is responsible for that.
func (s *BackendSession) BodyChunk(chunk []byte) (Status, *ReplyCode, error) {
	s.state = StateBody
	act, err := s.session.BodyChunk(chunk)
	if err != nil {
		s.expire(err)
		return StatusNotChange, nil, err
	}
	if s.session.Skip() {
		s.skipBody = true
	}
	status, rc := classify(act)
	return status, rc, nil
}

// EndOfMessage sends EOB and returns any modification actions the backend
// attached along with its terminal verdict.
func (s *BackendSession) EndOfMessage() ([]milter.ModifyAction, Status, *ReplyCode, error) {
	s.state = StateEndOfMessage
	mods, act, err := s.session.End()
	if err != nil {
		s.expire(err)
		return nil, StatusNotChange, nil, err
	}
	status, rc := classify(act)
	return mods, status, rc, nil
}

// Unknown forwards an unrecognized command.
func (s *BackendSession) Unknown(cmd string) (Status, *ReplyCode, error) {
	s.state = StateUnknown
	act, err := s.session.Unknown(cmd, nil)
	if err != nil {
		s.expire(err)
		return StatusNotChange, nil, err
	}
	status, rc := classify(act)
	return status, rc, nil
}

// Abort resets the session back to pre-MailFrom state, per the milter
// Abort semantics; the session stays live for a possible next message in
// the same SMTP connection.
func (s *BackendSession) Abort() error {
	s.state = StateAbort
	s.skipBody = false
	if err := s.session.Abort(nil); err != nil {
		s.expire(err)
		return err
	}
	s.state = StateHelo
	return nil
}

// Quit tears down the backend connection normally. Global teardown calls
// Abort then Quit on every backend.
func (s *BackendSession) Quit() error {
	s.state = StateQuit
	err := s.session.Close()
	s.expire(nil)
	return err
}

// Headers is a convenience wrapper mirroring milter.ClientSession.Header
// for backends that want the whole textproto.Header in one call (used by
// tests and by the fast path when no per-field macro is needed).
func (s *BackendSession) Headers(hdr textproto.Header) (Status, *ReplyCode, error) {
	s.state = StateHeader
	act, err := s.session.Header(hdr)
	if err != nil {
		s.expire(err)
		return StatusNotChange, nil, err
	}
	status, rc := classify(act)
	return status, rc, nil
}
