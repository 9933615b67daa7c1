package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/campaign-engine/events"
	"github.com/songzhibin97/campaign-engine/graph"
	"github.com/songzhibin97/campaign-engine/metrics"
	"github.com/songzhibin97/campaign-engine/types"
)

// RegisterCampaign stores a new campaign in draft state. An empty ID is
// filled with a fresh UUID. The graph is not validated here; validation
// happens once at publish time.
func (e *Engine) RegisterCampaign(ctx context.Context, c types.Campaign) (types.Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ScheduleType == "" {
		c.ScheduleType = types.ScheduleImmediate
	}
	now := time.Now().UnixMilli()
	c.Status = types.CampaignDraft
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := e.storage.SaveCampaign(ctx, c); err != nil {
		return types.Campaign{}, fmt.Errorf("failed to save campaign: %w", err)
	}
	return c, nil
}

// Publish validates the campaign's graph and moves it out of draft:
// scheduled campaigns become SCHEDULED until their start time, immediate
// campaigns become STARTED and get their sessions created right away.
// Publishing a campaign with an invalid graph is rejected here, never
// deferred to runtime.
func (e *Engine) Publish(ctx context.Context, id string) error {
	c, err := e.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != types.CampaignDraft {
		return fmt.Errorf("%w: cannot publish campaign in state %s", ErrInvalidTransition, c.Status)
	}

	if err := graph.Validate(&c.Graph); err != nil {
		return err
	}

	if c.ScheduleType == types.ScheduleScheduled && c.ScheduledFor > time.Now().UnixMilli() {
		return e.transition(ctx, c, types.CampaignScheduled)
	}
	return e.start(ctx, c)
}

// Start moves a scheduled campaign to started ahead of its scheduled
// time and creates its sessions.
func (e *Engine) Start(ctx context.Context, id string) error {
	c, err := e.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != types.CampaignScheduled {
		return fmt.Errorf("%w: cannot start campaign in state %s", ErrInvalidTransition, c.Status)
	}
	return e.start(ctx, c)
}

// Pause freezes the scheduler for a campaign: no new sessions are
// created and no delayed sessions are woken. Existing session data is
// untouched, and in-flight external calls run to completion.
func (e *Engine) Pause(ctx context.Context, id string) error {
	c, err := e.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != types.CampaignStarted {
		return fmt.Errorf("%w: cannot pause campaign in state %s", ErrInvalidTransition, c.Status)
	}
	return e.transition(ctx, c, types.CampaignPaused)
}

// Resume returns a paused campaign to started. Sessions whose delay has
// already elapsed advance on the next dispatch tick.
func (e *Engine) Resume(ctx context.Context, id string) error {
	c, err := e.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != types.CampaignPaused {
		return fmt.Errorf("%w: cannot resume campaign in state %s", ErrInvalidTransition, c.Status)
	}
	return e.transition(ctx, c, types.CampaignStarted)
}

// Complete terminates a campaign. Without force, remaining active
// sessions drain naturally; with force, every active session is
// transitioned to completed with a "force-completed" marker in its visit
// log.
func (e *Engine) Complete(ctx context.Context, id string, force bool) error {
	c, err := e.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case types.CampaignStarted, types.CampaignPaused, types.CampaignScheduled:
	default:
		return fmt.Errorf("%w: cannot complete campaign in state %s", ErrInvalidTransition, c.Status)
	}

	if force {
		sessions, err := e.storage.ListSessionsByCampaign(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		now := time.Now().UnixMilli()
		for _, sess := range sessions {
			if sess.Status != types.SessionActive {
				continue
			}
			sess.Status = types.SessionCompleted
			sess.UpdatedAt = now
			sess.VisitedNodes[sess.CurrentNodeID] = types.VisitRecord{
				NodeID:    sess.CurrentNodeID,
				Step:      sess.Steps,
				VisitedAt: now,
				Error:     "force-completed",
			}
			if err := e.storage.SaveSession(ctx, sess); err != nil {
				return fmt.Errorf("failed to save session %d: %w", sess.ID, err)
			}
			metrics.SessionsCompleted.Inc()
			metrics.ActiveSessions.Dec()
			e.publishEvent(ctx, events.SessionCompleted, id, sess.ID, map[string]interface{}{
				"forced": true,
			})
		}
	}

	return e.transition(ctx, c, types.CampaignCompleted)
}

// start marks the campaign started and schedules its sessions. A
// campaign with no eligible contacts stays started with zero sessions;
// that is surfaced to the operator, not treated as a failure.
func (e *Engine) start(ctx context.Context, c types.Campaign) error {
	if err := e.transition(ctx, c, types.CampaignStarted); err != nil {
		return err
	}
	c.Status = types.CampaignStarted

	created, err := e.scheduleSessions(ctx, c)
	if err != nil {
		return err
	}
	if created == 0 {
		e.log.Warn("campaign started with no eligible contacts", "campaign", c.ID)
	}
	return nil
}

// transition persists a campaign state change and publishes the event.
func (e *Engine) transition(ctx context.Context, c types.Campaign, to types.CampaignStatus) error {
	from := c.Status
	c.Status = to
	c.UpdatedAt = time.Now().UnixMilli()
	if err := e.storage.SaveCampaign(ctx, c); err != nil {
		return fmt.Errorf("failed to save campaign: %w", err)
	}
	e.publishEvent(ctx, events.CampaignStateChanged, c.ID, 0, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
	e.log.Info("campaign state changed", "campaign", c.ID, "from", from, "to", to)
	return nil
}
