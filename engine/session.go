package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/campaign-engine/events"
	"github.com/songzhibin97/campaign-engine/executor"
	"github.com/songzhibin97/campaign-engine/graph"
	"github.com/songzhibin97/campaign-engine/metrics"
	"github.com/songzhibin97/campaign-engine/types"
)

// AdvanceSession drives one session forward until it suspends, awaits a
// reply, or terminates. The per-session claim guarantees at-most-once
// concurrent advancement: a retrying dispatcher that races another
// worker gets ErrSessionBusy and backs off.
func (e *Engine) AdvanceSession(ctx context.Context, sessionID uint64) error {
	claimed, err := e.storage.ClaimSession(ctx, sessionID, e.claimTTL)
	if err != nil {
		return fmt.Errorf("failed to claim session %d: %w", sessionID, err)
	}
	if !claimed {
		return fmt.Errorf("%w: %d", ErrSessionBusy, sessionID)
	}
	defer func() {
		if err := e.storage.ReleaseSession(context.Background(), sessionID); err != nil {
			e.log.Warn("failed to release session claim", "session", sessionID, "err", err)
		}
	}()

	sess, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != types.SessionActive {
		return fmt.Errorf("%w: %d is %s", ErrSessionNotActive, sessionID, sess.Status)
	}

	c, err := e.GetCampaign(ctx, sess.CampaignID)
	if err != nil {
		return err
	}
	// A completed campaign stops creating sessions but its remaining
	// active sessions drain; only pause freezes advancement.
	if c.Status != types.CampaignStarted && c.Status != types.CampaignCompleted {
		return fmt.Errorf("%w: %s is %s", ErrCampaignNotRunning, c.ID, c.Status)
	}

	return e.runSession(ctx, &sess, e.index(c))
}

// HandleReply records the contact's inbound message as the session's
// reply variable and, when the campaign is running, immediately resumes
// a session parked on a condition node.
func (e *Engine) HandleReply(ctx context.Context, sessionID uint64, text string) error {
	claimed, err := e.storage.ClaimSession(ctx, sessionID, e.claimTTL)
	if err != nil {
		return fmt.Errorf("failed to claim session %d: %w", sessionID, err)
	}
	if !claimed {
		return fmt.Errorf("%w: %d", ErrSessionBusy, sessionID)
	}

	sess, err := e.GetSession(ctx, sessionID)
	if err != nil {
		e.storage.ReleaseSession(ctx, sessionID)
		return err
	}
	if sess.Status != types.SessionActive {
		e.storage.ReleaseSession(ctx, sessionID)
		return fmt.Errorf("%w: %d is %s", ErrSessionNotActive, sessionID, sess.Status)
	}

	if sess.Variables == nil {
		sess.Variables = make(map[string]string)
	}
	sess.Variables[executor.ReplyVariable] = text
	sess.AwaitingReply = false
	sess.WakeAt = 0
	sess.UpdatedAt = time.Now().UnixMilli()
	if err := e.storage.SaveSession(ctx, sess); err != nil {
		e.storage.ReleaseSession(ctx, sessionID)
		return fmt.Errorf("failed to save session %d: %w", sessionID, err)
	}
	e.storage.ReleaseSession(ctx, sessionID)

	c, err := e.GetCampaign(ctx, sess.CampaignID)
	if err != nil {
		return err
	}
	if c.Status != types.CampaignStarted && c.Status != types.CampaignCompleted {
		// Recorded, but a paused campaign does not advance; the next
		// dispatch tick after resume picks the session up.
		return nil
	}
	if err := e.AdvanceSession(ctx, sessionID); err != nil {
		if errors.Is(err, ErrSessionBusy) {
			// The reply is persisted; whoever holds the claim advances
			// the session with it. Not an error for the webhook caller.
			return nil
		}
		return err
	}
	return nil
}

// runSession is the state machine loop: execute the current node, apply
// its effect, repeat while the session stays active and unparked. The
// caller holds the session claim.
func (e *Engine) runSession(ctx context.Context, sess *types.Session, idx *graph.Index) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if sess.Steps >= e.maxSteps {
			return e.failSession(ctx, sess, ErrMaxStepsExceeded.Error())
		}

		node, ok := idx.Node(sess.CurrentNodeID)
		if !ok {
			return e.failSession(ctx, sess, fmt.Sprintf("node %s not found in graph", sess.CurrentNodeID))
		}

		contact, err := e.contacts.GetContact(ctx, sess.ContactID)
		if err != nil {
			return e.failSession(ctx, sess, fmt.Sprintf("contact %s unavailable: %v", sess.ContactID, err))
		}

		eff := e.registry.Execute(ctx, *sess, contact, node)

		done, err := e.applyEffect(ctx, sess, idx, node, eff)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// applyEffect is the single place session state changes: it appends the
// visit record, merges captured variables, selects the next edge, and
// persists. It returns done=true when the session terminated or parked.
func (e *Engine) applyEffect(ctx context.Context, sess *types.Session, idx *graph.Index, node types.Node, eff executor.Effect) (bool, error) {
	now := time.Now().UnixMilli()

	rec := types.VisitRecord{
		NodeID:    node.ID,
		Step:      sess.Steps,
		VisitedAt: now,
		Sent:      eff.Sent,
	}
	if eff.Err != nil {
		rec.Error = eff.Err.Error()
	}
	if sess.VisitedNodes == nil {
		sess.VisitedNodes = make(map[string]types.VisitRecord)
	}
	sess.VisitedNodes[node.ID] = rec
	for k, v := range eff.Vars {
		if sess.Variables == nil {
			sess.Variables = make(map[string]string)
		}
		sess.Variables[k] = v
	}
	sess.UpdatedAt = now

	switch eff.Kind {
	case executor.EffectComplete:
		return true, e.completeSession(ctx, sess)

	case executor.EffectFail:
		e.log.Warn("node execution failed",
			"session", sess.ID, "node", node.ID, "kind", node.Kind, "err", eff.Err)
		if edge, ok := idx.ErrorEdge(node.ID); ok {
			return e.moveTo(ctx, sess, edge.TargetNodeID, 0)
		}
		return true, e.failSessionWithRecord(ctx, sess)

	case executor.EffectAwaitReply:
		sess.AwaitingReply = true
		return true, e.saveSession(ctx, sess)

	case executor.EffectSuspend:
		// Persist the visit before edge selection so a replay after a
		// crash sees the record.
		if err := e.saveSession(ctx, sess); err != nil {
			return true, err
		}
		return e.advanceFrom(ctx, sess, idx, node, "", eff.ResumeAt)

	default: // executor.EffectAdvance
		if err := e.saveSession(ctx, sess); err != nil {
			return true, err
		}
		return e.advanceFrom(ctx, sess, idx, node, eff.Label, 0)
	}
}

// advanceFrom selects the outgoing edge of node (by label for branching
// nodes) and moves the session. A node with no outgoing edge completes
// the session; multiple unlabeled edges deterministically take the first
// in authoring order with a warning, never a random pick.
func (e *Engine) advanceFrom(ctx context.Context, sess *types.Session, idx *graph.Index, node types.Node, label string, wakeAt int64) (bool, error) {
	if label != "" {
		edge, ok := idx.EdgeByLabel(node.ID, label)
		if !ok {
			// Amend the visit record applyEffect already wrote rather
			// than replacing it, so its fields survive into the report.
			rec := sess.VisitedNodes[node.ID]
			rec.Error = fmt.Sprintf("no edge labeled %q out of node %s", label, node.ID)
			sess.VisitedNodes[node.ID] = rec
			return true, e.failSessionWithRecord(ctx, sess)
		}
		return e.moveTo(ctx, sess, edge.TargetNodeID, wakeAt)
	}

	successors := idx.Successors(node.ID)
	switch {
	case len(successors) == 0:
		return true, e.completeSession(ctx, sess)
	case len(successors) > 1:
		e.log.Warn("node has multiple unlabeled edges, taking the first in authoring order",
			"session", sess.ID, "node", node.ID)
	}
	return e.moveTo(ctx, sess, successors[0].TargetNodeID, wakeAt)
}

// moveTo points the session at its next node. A non-zero wakeAt parks
// the session until then (delay semantics); the dispatcher wakes it.
func (e *Engine) moveTo(ctx context.Context, sess *types.Session, nodeID string, wakeAt int64) (bool, error) {
	sess.CurrentNodeID = nodeID
	sess.Steps++
	sess.WakeAt = wakeAt
	if err := e.saveSession(ctx, sess); err != nil {
		return true, err
	}
	e.publishEvent(ctx, events.SessionAdvanced, sess.CampaignID, sess.ID, map[string]interface{}{
		"current_node": nodeID,
		"step":         sess.Steps,
	})
	return wakeAt != 0, nil
}

func (e *Engine) completeSession(ctx context.Context, sess *types.Session) error {
	sess.Status = types.SessionCompleted
	if err := e.saveSession(ctx, sess); err != nil {
		return err
	}
	metrics.SessionsCompleted.Inc()
	metrics.ActiveSessions.Dec()
	e.publishEvent(ctx, events.SessionCompleted, sess.CampaignID, sess.ID, nil)
	return nil
}

// failSession records reason against the current node and fails the
// session. One contact's failure never propagates past its session.
func (e *Engine) failSession(ctx context.Context, sess *types.Session, reason string) error {
	if sess.VisitedNodes == nil {
		sess.VisitedNodes = make(map[string]types.VisitRecord)
	}
	sess.VisitedNodes[sess.CurrentNodeID] = types.VisitRecord{
		NodeID:    sess.CurrentNodeID,
		Step:      sess.Steps,
		VisitedAt: time.Now().UnixMilli(),
		Error:     reason,
	}
	return e.failSessionWithRecord(ctx, sess)
}

// failSessionWithRecord fails a session whose visit record was already
// written by applyEffect.
func (e *Engine) failSessionWithRecord(ctx context.Context, sess *types.Session) error {
	sess.Status = types.SessionFailed
	sess.UpdatedAt = time.Now().UnixMilli()
	if err := e.saveSession(ctx, sess); err != nil {
		return err
	}
	metrics.SessionsFailed.Inc()
	metrics.ActiveSessions.Dec()
	e.publishEvent(ctx, events.SessionFailed, sess.CampaignID, sess.ID, map[string]interface{}{
		"error": sess.VisitedNodes[sess.CurrentNodeID].Error,
	})
	return nil
}

func (e *Engine) saveSession(ctx context.Context, sess *types.Session) error {
	if err := e.storage.SaveSession(ctx, *sess); err != nil {
		return fmt.Errorf("failed to save session %d: %w", sess.ID, err)
	}
	return nil
}
