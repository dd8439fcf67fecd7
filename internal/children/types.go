package children

import (
	"time"

	"github.com/wgrove/milterchild/milter"
)

//go:generate go tool stringer -type=State,Status -output=types_string.go

// State is the protocol stage a BackendSession is currently in, or was last
// driven through. It doubles as the aggregation key for reply_statuses.
type State uint8

const (
	StateStart State = iota
	StateNegotiate
	StateConnect
	StateHelo
	StateEnvelopeFrom
	StateEnvelopeRecipient
	StateData
	StateUnknown
	StateHeader
	StateEndOfHeader
	StateBody
	StateEndOfMessage
	StateQuit
	StateAbort
	// StateExpired is the synthetic terminal state of a session that left
	// the fleet through error, timeout or protocol violation rather than a
	// normal Quit.
	StateExpired

	stateCount
)

// Status is an aggregated (or per-backend) verdict, following a fixed
// priority rule. The zero value, StatusNotChange, is the seed of every
// stage's aggregation.
type Status uint8

const (
	StatusNotChange Status = iota
	StatusContinue
	StatusAccept
	StatusSkip
	StatusTemporaryFailure
	StatusDiscard
	StatusReject
)

// ReplyCode is the optional (code, extended-code, message) triple a backend
// can attach to a Reject-like verdict via milter.ActionRejectWithCode.
type ReplyCode struct {
	Code    uint16
	XCode   string
	Message string
}

// Timeouts bundles the four per-backend deadlines: write, read,
// end-of-message and connect.
type Timeouts struct {
	Connect time.Duration
	Write   time.Duration
	Read    time.Duration
	EOM     time.Duration
}

// DefaultTimeouts mirrors the client's own defaults (10s) with a longer
// EOM allowance, since EOM is where backends typically do the most
// expensive work (content scanning, signing).
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: 10 * time.Second,
		Write:   10 * time.Second,
		Read:    10 * time.Second,
		EOM:     30 * time.Second,
	}
}

// DefaultRetryDelay is the default delay before the one permitted retry
// of a failed backend connect attempt.
const DefaultRetryDelay = 5 * time.Second

// Backend is the static configuration of one remote filter: identity and
// how to reach/relaunch it. It is created once per configured filter and
// shared read-only across every Children/BackendSession that dials it.
type Backend struct {
	// Name identifies the backend for diagnostics (logging, error signals).
	Name string
	// Network and Address are passed to milter.NewClient verbatim ("tcp",
	// "host:port" or "unix", "/path/to.sock").
	Network string
	Address string
	// LaunchCommand optionally starts the backend process when the initial
	// connect attempt fails and privilege mode is configured.
	LaunchCommand []string
	Timeouts      Timeouts
	// OfferedActions/OfferedProtocol are the action/step flags this
	// multiplexer instance advertises to this backend during negotiation.
	OfferedActions  milter.OptAction
	OfferedProtocol milter.OptProtocol
}

// FleetCeiling is the capability ceiling computed once across a backend
// fleet: the union of every backend's configured offered action flags and
// the intersection of every backend's configured offered step flags. It
// is computed from configuration alone; the flags a backend answers with
// during negotiation do not change it. It is fed into
// the server's static milter.WithActions/milter.WithProtocols options so
// that the server's default negotiate path already narrows what the MTA
// is offered to what the fleet can actually do, without needing a
// per-connection negotiation callback (see DESIGN.md).
type FleetCeiling struct {
	Version  uint32
	Actions  milter.OptAction
	Protocol milter.OptProtocol
	MaxData  milter.DataSize
}
