package children

import "github.com/wgrove/milterchild/milter"

// noFlagForState maps a protocol state to the "no-X" step flag a backend
// sets during negotiation to opt out of that stage entirely. States with
// no corresponding flag (e.g. EndOfMessage, which every backend must see)
// are absent from the map.
var noFlagForState = map[State]milter.OptProtocol{
	StateConnect:           milter.OptNoConnect,
	StateHelo:              milter.OptNoHelo,
	StateEnvelopeFrom:      milter.OptNoMailFrom,
	StateEnvelopeRecipient: milter.OptNoRcptTo,
	StateData:              milter.OptNoData,
	StateUnknown:           milter.OptNoUnknown,
	StateHeader:            milter.OptNoHeaders,
	StateEndOfHeader:       milter.OptNoEOH,
	StateBody:              milter.OptNoBody,
}

// Eligible reports whether session should be enrolled in state's reply
// queue, honoring its negotiated "no-X" step flags. A session that has
// already left the live fleet is never eligible.
func Eligible(s *BackendSession, state State) bool {
	if s.Expired() {
		return false
	}
	if state == StateBody && s.SkipBody() {
		return false
	}
	flag, ok := noFlagForState[state]
	if !ok {
		return true
	}
	return !s.ProtocolOption(flag)
}

// EnrollAll filters sessions down to the ones eligible for state, in
// their existing order, seeding the reply queue the Facade dispatches a
// stage command to.
func EnrollAll(sessions []*BackendSession, state State) []*BackendSession {
	out := make([]*BackendSession, 0, len(sessions))
	for _, s := range sessions {
		if Eligible(s, state) {
			out = append(out, s)
		}
	}
	return out
}

// Sequencer drives the post-DATA phases (EndOfHeader -> Body ->
// EndOfMessage) one backend session at a time: a single active session
// receives every command in the sequence, in order, while the rest wait.
// Only once the active session has answered EndOfMessage does the next
// queued session take over — and it replays the whole sequence from
// EndOfHeader, since it never saw any of it live. This mirrors a fleet
// where a single milter connection is driven serially through headers,
// body and end-of-message before the next one even starts, rather than
// every backend being fanned the same command concurrently.
//
// pending is seeded once, from the sessions eligible for EndOfHeader, the
// first time a post-DATA phase begins; a session that opts out of
// EndOfHeader entirely is never promoted to active and so never takes
// part in the post-DATA walk at all. commandQueue/sentBodyCount record
// the post-DATA commands and body chunks seen so far and are exposed
// through Queue and InFlight; the Facade does not consult them when it
// primes a freshly promoted session, which replays EndOfHeader and the
// whole spooled body according to Eligible alone.
type Sequencer struct {
	pending       []*BackendSession
	active        *BackendSession
	started       bool
	commandQueue  []State
	sentBodyCount int
}

// Begin seeds the walk with every session eligible for EndOfHeader, in
// order, and promotes the first one to active. Calling Begin again once
// the walk has started is a no-op.
func (q *Sequencer) Begin(sessions []*BackendSession) {
	if q.started {
		return
	}
	q.started = true
	q.pending = EnrollAll(sessions, StateEndOfHeader)
	q.promote()
}

// Active returns the session currently driving the post-DATA sequence, or
// nil once every queued session has been walked (or none ever qualified).
func (q *Sequencer) Active() *BackendSession {
	return q.active
}

// Advance retires the current active session — it has just answered
// EndOfMessage — and promotes the next queued one, if any, returning it.
func (q *Sequencer) Advance() *BackendSession {
	q.promote()
	return q.active
}

// Drop removes session from the walk outright, whether it was active or
// still pending, without waiting for it to answer EndOfMessage. Used when
// a session expires (connect/write/read failure) mid-sequence.
func (q *Sequencer) Drop(session *BackendSession) {
	if q.active == session {
		q.promote()
		return
	}
	for i, s := range q.pending {
		if s == session {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// Done reports whether the walk has started and run out of sessions.
func (q *Sequencer) Done() bool {
	return q.started && q.active == nil
}

func (q *Sequencer) promote() {
	for len(q.pending) > 0 {
		var next *BackendSession
		next, q.pending = q.pending[0], q.pending[1:]
		if !next.Expired() {
			q.active = next
			return
		}
	}
	q.active = nil
}

// Queue returns the ordered list of post-DATA phases started so far.
func (q *Sequencer) Queue() []State {
	return q.commandQueue
}

// Start records that phase has begun, unless it is already the most
// recently started phase (Body appears only once in commandQueue even
// though many chunks flow through it).
func (q *Sequencer) Start(phase State) {
	if len(q.commandQueue) > 0 && q.commandQueue[len(q.commandQueue)-1] == phase {
		return
	}
	q.commandQueue = append(q.commandQueue, phase)
}

// BeginBodyChunk records one body chunk dispatched to the active session.
// Call Ack once its reply for that chunk resolves.
func (q *Sequencer) BeginBodyChunk() {
	q.sentBodyCount++
}

// Ack records that the outstanding body chunk's reply resolved.
func (q *Sequencer) Ack() {
	if q.sentBodyCount > 0 {
		q.sentBodyCount--
	}
}

// InFlight reports the number of body chunks dispatched but not yet
// resolved.
func (q *Sequencer) InFlight() int {
	return q.sentBodyCount
}
