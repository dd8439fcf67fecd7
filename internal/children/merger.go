package children

import (
	"fmt"

	"github.com/wgrove/milterchild/internal/header"
	"github.com/wgrove/milterchild/milter"
)

// Merger applies the modification actions a backend attaches to its EOM
// verdict to the real MTA-facing milter.Modifier, in the arrival order the
// backend sent them in. A fresh Merger is used per message; the Facade
// feeds it every live backend's []milter.ModifyAction in turn, then calls
// Flush once at the very end to emit any accumulated replacement body.
//
// Merger does not reorder or deduplicate modifications across backends:
// later calls can still see headers/recipients a prior backend already
// added, mirroring how Sendmail would re-present updated state to the next
// milter in a chain. Header mutations are additionally mirrored into
// headers, the same accumulator Children builds up from the original
// message during the Header stage, so it keeps tracking the header set
// the MTA actually ends up with; it is bookkeeping alongside the
// wire-forwarded op, not a rewrite of the index forwarded to the MTA.
type Merger struct {
	spool        *BodySpool
	headers      *header.Header
	replacedBody bool
}

// NewMerger wraps spool, the message's BodySpool, so ReplaceBody actions
// can be accumulated there before being streamed out by Flush. headers may
// be nil (e.g. no Header stage ran yet), in which case header mutations
// are forwarded to the MTA without being mirrored anywhere.
func NewMerger(spool *BodySpool, headers *header.Header) *Merger {
	return &Merger{spool: spool, headers: headers}
}

// Apply forwards one backend's modification actions to m, in order. The
// first ActionReplaceBody seen across the whole message truncates the
// spool, switching it from holding the original MTA body to holding the
// replacement; every action after that, from any backend, appends to the
// same replacement.
func (g *Merger) Apply(m milter.Modifier, mods []milter.ModifyAction) error {
	for _, mod := range mods {
		if err := g.applyOne(m, mod); err != nil {
			return err
		}
	}
	return nil
}

func (g *Merger) applyOne(m milter.Modifier, mod milter.ModifyAction) error {
	switch mod.Type {
	case milter.ActionAddRcpt:
		if err := m.AddRecipient(mod.Rcpt, mod.RcptArgs); err != nil {
			return fmt.Errorf("children: merge AddRecipient %q: %w", mod.Rcpt, err)
		}
	case milter.ActionDelRcpt:
		if err := m.DeleteRecipient(mod.Rcpt); err != nil {
			return fmt.Errorf("children: merge DeleteRecipient %q: %w", mod.Rcpt, err)
		}
	case milter.ActionChangeFrom:
		if err := m.ChangeFrom(mod.From, mod.FromArgs); err != nil {
			return fmt.Errorf("children: merge ChangeFrom %q: %w", mod.From, err)
		}
	case milter.ActionQuarantine:
		if err := m.Quarantine(mod.Reason); err != nil {
			return fmt.Errorf("children: merge Quarantine: %w", err)
		}
	case milter.ActionAddHeader:
		if err := m.AddHeader(mod.HeaderName, mod.HeaderValue); err != nil {
			return fmt.Errorf("children: merge AddHeader %q: %w", mod.HeaderName, err)
		}
		if g.headers != nil {
			g.headers.Add(mod.HeaderName, mod.HeaderValue)
		}
	case milter.ActionChangeHeader:
		if err := m.ChangeHeader(int(mod.HeaderIndex), mod.HeaderName, mod.HeaderValue); err != nil {
			return fmt.Errorf("children: merge ChangeHeader %d %q: %w", mod.HeaderIndex, mod.HeaderName, err)
		}
		if g.headers != nil {
			g.headers.ChangeNth(mod.HeaderName, int(mod.HeaderIndex), mod.HeaderValue)
		}
	case milter.ActionInsertHeader:
		if err := m.InsertHeader(int(mod.HeaderIndex), mod.HeaderName, mod.HeaderValue); err != nil {
			return fmt.Errorf("children: merge InsertHeader %d %q: %w", mod.HeaderIndex, mod.HeaderName, err)
		}
		if g.headers != nil {
			g.headers.InsertAt(int(mod.HeaderIndex), mod.HeaderName, mod.HeaderValue)
		}
	case milter.ActionReplaceBody:
		if !g.replacedBody {
			if err := g.spool.Truncate(); err != nil {
				return err
			}
			g.replacedBody = true
		}
		if err := g.spool.Append(mod.Body); err != nil {
			return err
		}
	default:
		return fmt.Errorf("children: merge: unknown modify action type %v", mod.Type)
	}
	return nil
}

// Replaced reports whether any backend issued ActionReplaceBody for this
// message.
func (g *Merger) Replaced() bool {
	return g.replacedBody
}

// Flush streams the accumulated replacement body (if any) to m as a run of
// ReplaceBodyRawChunk calls, per the Modifier contract that all
// ReplaceBodyRawChunk calls happen together without other modifications
// interleaved. It is a no-op if no backend replaced the body.
func (g *Merger) Flush(m milter.Modifier) error {
	if !g.replacedBody {
		return nil
	}
	err := g.spool.Stream(func(chunk []byte) error {
		return m.ReplaceBodyRawChunk(chunk)
	})
	if err != nil {
		return fmt.Errorf("children: flush replaced body: %w", err)
	}
	return nil
}
