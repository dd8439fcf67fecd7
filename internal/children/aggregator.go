package children

// Aggregator holds one current Status per State, updated through a
// commutative priority rule as each backend's verdict for that state
// arrives. The zero value is ready to use; every state starts at
// StatusNotChange.
type Aggregator struct {
	status [stateCount]Status
	code   [stateCount]*ReplyCode
}

// Reset seeds state's aggregated status back to StatusNotChange, done by
// the Facade at the start of every stage.
func (a *Aggregator) Reset(state State) {
	a.status[state] = StatusNotChange
	a.code[state] = nil
}

// Status returns the current aggregated status for state.
func (a *Aggregator) Status(state State) Status {
	return a.status[state]
}

// ReplyCode returns the pending SMTP reply triple recorded for state, if a
// backend attached one via ActionRejectWithCode.
func (a *Aggregator) ReplyCode(state State) *ReplyCode {
	return a.code[state]
}

// Update folds one backend's reply for state into the aggregate, applying
// a fixed priority rule. It is commutative and idempotent: the final
// aggregate for a state does not depend on arrival order.
func (a *Aggregator) Update(state State, incoming Status, rc *ReplyCode) {
	current := a.status[state]
	next := resolve(state, current, incoming)
	a.status[state] = next
	if next == incoming && rc != nil {
		a.code[state] = rc
	}
}

// resolve is the pure function behind the priority rule. It is kept
// standalone (rather than a method) so it can be table-tested
// directly against every (state, current, incoming) combination without
// constructing an Aggregator.
func resolve(state State, current, incoming Status) Status {
	switch current {
	case StatusReject:
		if incoming == StatusDiscard && state == StateEnvelopeRecipient {
			return incoming
		}
		return current
	case StatusDiscard:
		if incoming == StatusReject && state != StateEnvelopeRecipient {
			return incoming
		}
		return current
	case StatusTemporaryFailure:
		if incoming == StatusNotChange {
			return current
		}
		return incoming
	case StatusAccept:
		if incoming == StatusNotChange || incoming == StatusTemporaryFailure {
			return current
		}
		return incoming
	case StatusSkip:
		if incoming == StatusNotChange || incoming == StatusAccept || incoming == StatusTemporaryFailure {
			return current
		}
		return incoming
	case StatusContinue:
		if incoming == StatusNotChange || incoming == StatusAccept || incoming == StatusTemporaryFailure || incoming == StatusSkip {
			return current
		}
		return incoming
	default: // StatusNotChange and anything unrecognized
		return incoming
	}
}

// StageOutcome is the single signal the Aggregator emits for a stage once
// every eligible backend's reply for it has been folded in.
type StageOutcome struct {
	Status    Status
	ReplyCode *ReplyCode
	// ExpireAll is set when the stage's outcome requires tearing down the
	// whole fleet: unconditionally on Discard, or on Reject outside
	// EnvelopeRecipient.
	ExpireAll bool
	// Emit is false for a NotChange outcome and for every Body-state
	// outcome; the Facade then answers with the default Continue response
	// without needing a named signal.
	Emit bool
}

// Conclude computes the StageOutcome for state once its reply queue has
// emptied.
func (a *Aggregator) Conclude(state State) StageOutcome {
	status := a.status[state]
	rc := a.code[state]

	out := StageOutcome{Status: status, ReplyCode: rc}
	// A Body-state verdict is folded into reply_statuses for bookkeeping
	// but never surfaced to the MTA on its own; the facade always answers
	// a body chunk with a plain Continue, and the real decision for the
	// message only becomes visible once EndOfMessage concludes.
	if state != StateBody {
		if rc != nil {
			out.Emit = true
		} else if status != StatusNotChange {
			out.Emit = true
		}
	}

	switch status {
	case StatusReject:
		out.ExpireAll = state != StateEnvelopeRecipient
	case StatusDiscard:
		out.ExpireAll = true
	}
	return out
}
