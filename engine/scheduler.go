package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/campaign-engine/events"
	"github.com/songzhibin97/campaign-engine/metrics"
	"github.com/songzhibin97/campaign-engine/types"
)

// scheduleSessions enumerates the contact directory and creates one
// session per contact matching the trigger's audience, the campaign's
// channel selection and its target filter. Each session begins at the
// trigger's sole successor.
func (e *Engine) scheduleSessions(ctx context.Context, c types.Campaign) (int, error) {
	idx := e.index(c)
	trigger := idx.Trigger().Config.Trigger
	entry := idx.EntryNodeID()

	contacts, err := e.contacts.ListContacts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list contacts: %w", err)
	}

	now := time.Now().UnixMilli()
	created := 0
	for _, contact := range contacts {
		if !hasAnyTag(contact.Tags, trigger.AudienceTags) {
			continue
		}
		channelID, ok := pickChannel(trigger.ChannelIDs, c.ChannelIDs, contact.ChannelIDs)
		if !ok {
			continue
		}
		matched, err := e.matcher.Match(c.TargetFilter, contact)
		if err != nil {
			e.log.Warn("target filter evaluation failed, skipping contact",
				"campaign", c.ID, "contact", contact.ID, "err", err)
			continue
		}
		if !matched {
			continue
		}

		id, err := e.generate.NextID()
		if err != nil {
			return created, fmt.Errorf("failed to generate session id: %w", err)
		}
		sess := types.Session{
			ID:            id,
			CampaignID:    c.ID,
			ContactID:     contact.ID,
			ChannelID:     channelID,
			CurrentNodeID: entry,
			Status:        types.SessionActive,
			Variables:     make(map[string]string),
			VisitedNodes:  make(map[string]types.VisitRecord),
			CreatedAt:     now,
			UpdatedAt:     now,
			ExpiresAt:     now + e.sessionTTL.Milliseconds(),
		}
		if err := e.storage.SaveSession(ctx, sess); err != nil {
			return created, fmt.Errorf("failed to save session %d: %w", id, err)
		}
		created++
		metrics.SessionsStarted.Inc()
		metrics.ActiveSessions.Inc()
		e.publishEvent(ctx, events.SessionStarted, c.ID, id, map[string]interface{}{
			"contact": contact.ID,
		})
	}
	return created, nil
}

// Tick runs one dispatcher pass: promote due scheduled campaigns, sweep
// expired sessions, then advance every ready session across the worker
// pool. Completed campaigns are dispatched too so their remaining active
// sessions drain; no new sessions are created for them.
func (e *Engine) Tick(ctx context.Context) error {
	if err := e.promoteDueCampaigns(ctx); err != nil {
		return err
	}
	if _, err := e.SweepExpired(ctx); err != nil {
		return err
	}

	campaigns, err := e.storage.ListCampaignsByStatus(ctx, types.CampaignStarted, types.CampaignCompleted)
	if err != nil {
		return fmt.Errorf("failed to list dispatchable campaigns: %w", err)
	}

	for _, c := range campaigns {
		if err := e.dispatchCampaign(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Run drives Tick on a fixed interval until the context is canceled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error("dispatch tick failed", "err", err)
			}
		}
	}
}

// promoteDueCampaigns starts scheduled campaigns whose start time has
// passed.
func (e *Engine) promoteDueCampaigns(ctx context.Context) error {
	campaigns, err := e.storage.ListCampaignsByStatus(ctx, types.CampaignScheduled)
	if err != nil {
		return fmt.Errorf("failed to list scheduled campaigns: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, c := range campaigns {
		if c.ScheduledFor <= now {
			if err := e.start(ctx, c); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatchCampaign fans ready sessions out across the worker pool. Each
// session is one unit of concurrency; a single session is strictly
// sequential, sessions of the same campaign advance in parallel.
func (e *Engine) dispatchCampaign(ctx context.Context, c types.Campaign) error {
	ready, err := e.storage.ListReadySessions(ctx, c.ID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to list ready sessions: %w", err)
	}

	if len(ready) > 0 {
		sem := make(chan struct{}, e.workers)
		done := make(chan struct{})
		pending := len(ready)

		for _, id := range ready {
			sem <- struct{}{}
			go func(sessionID uint64) {
				defer func() {
					<-sem
					done <- struct{}{}
				}()
				err := e.AdvanceSession(ctx, sessionID)
				if err != nil && !errors.Is(err, ErrSessionBusy) && !errors.Is(err, ErrSessionNotActive) {
					e.log.Warn("session advancement failed", "session", sessionID, "err", err)
				}
			}(id)
		}
		for i := 0; i < pending; i++ {
			<-done
		}
	}

	if c.Status != types.CampaignStarted {
		return nil
	}
	return e.maybeAutoComplete(ctx, c)
}

// maybeAutoComplete completes a one-shot campaign once it has sessions
// and none remain active. A campaign whose audience matched zero
// contacts stays started until an operator acts on it.
func (e *Engine) maybeAutoComplete(ctx context.Context, c types.Campaign) error {
	sessions, err := e.storage.ListSessionsByCampaign(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil
	}
	for _, sess := range sessions {
		if sess.Status == types.SessionActive {
			return nil
		}
	}
	return e.transition(ctx, c, types.CampaignCompleted)
}

// SweepExpired transitions every active session past its expiry to
// expired without executing further nodes, and returns how many it
// swept. Expiry exists so a contact who never replies to a condition
// node does not hold a session open indefinitely.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	ids, err := e.storage.ListExpiredSessions(ctx, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	swept := 0
	for _, id := range ids {
		claimed, err := e.storage.ClaimSession(ctx, id, e.claimTTL)
		if err != nil {
			return swept, err
		}
		if !claimed {
			continue
		}

		sess, err := e.GetSession(ctx, id)
		if err != nil {
			e.storage.ReleaseSession(ctx, id)
			continue
		}
		if sess.Status == types.SessionActive {
			sess.Status = types.SessionExpired
			sess.UpdatedAt = time.Now().UnixMilli()
			if err := e.storage.SaveSession(ctx, sess); err != nil {
				e.storage.ReleaseSession(ctx, id)
				return swept, fmt.Errorf("failed to save session %d: %w", id, err)
			}
			swept++
			metrics.SessionsExpired.Inc()
			metrics.ActiveSessions.Dec()
			e.publishEvent(ctx, events.SessionExpired, sess.CampaignID, sess.ID, nil)
		}
		e.storage.ReleaseSession(ctx, id)
	}
	return swept, nil
}

// hasAnyTag reports whether the contact carries at least one of the
// trigger's audience tags. An empty audience matches everyone.
func hasAnyTag(contactTags, audienceTags []string) bool {
	if len(audienceTags) == 0 {
		return true
	}
	for _, want := range audienceTags {
		for _, have := range contactTags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// pickChannel selects the first configured channel the contact is
// reachable on. Trigger-level channels win over the campaign-level
// selection; with neither configured, the contact's first channel is
// used.
func pickChannel(triggerChannels, campaignChannels, contactChannels []string) (string, bool) {
	selection := triggerChannels
	if len(selection) == 0 {
		selection = campaignChannels
	}
	if len(selection) == 0 {
		if len(contactChannels) == 0 {
			return "", false
		}
		return contactChannels[0], true
	}
	for _, want := range selection {
		for _, have := range contactChannels {
			if want == have {
				return want, true
			}
		}
	}
	return "", false
}
