package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/campaign-engine/executor"
	"github.com/songzhibin97/campaign-engine/storage"
	"github.com/songzhibin97/campaign-engine/types"
)

// seqGenerator hands out sequential session ids.
type seqGenerator struct {
	id uint64
}

func (g *seqGenerator) NextID() (uint64, error) {
	return atomic.AddUint64(&g.id, 1), nil
}

// recordingSender captures outbound messages behind a lock; dispatch
// fans sessions out across goroutines.
type recordingSender struct {
	mu       sync.Mutex
	messages []string
}

func (s *recordingSender) Send(ctx context.Context, contactID, channelID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, contactID+"|"+content)
	return nil
}

func (s *recordingSender) SendMedia(ctx context.Context, contactID, channelID, mediaType, assetURL, caption string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, contactID+"|media:"+assetURL)
	return nil
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messages))
	copy(out, s.messages)
	return out
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *storage.MemoryStorage, *recordingSender) {
	t.Helper()
	store := storage.NewMemoryStorage()
	sender := &recordingSender{}
	registry := executor.NewRegistry(executor.Config{Sender: sender})

	eng, err := New(&seqGenerator{}, store, nil, registry, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Stop(context.Background()) })
	return eng, store, sender
}

func saveContact(t *testing.T, store *storage.MemoryStorage, c types.Contact) {
	t.Helper()
	require.NoError(t, store.SaveContact(context.Background(), c))
}

// greetingCampaign is a trigger -> text -> condition -> yes/no flow.
func greetingCampaign() types.Campaign {
	return types.Campaign{
		Name:         "greeting",
		ScheduleType: types.ScheduleImmediate,
		ChannelIDs:   []string{"wa-main"},
		Graph: types.Graph{
			Nodes: []types.Node{
				{ID: "start", Kind: types.KindTrigger, Config: types.NodeConfig{Trigger: &types.TriggerConfig{
					ScheduleType: types.ScheduleImmediate,
				}}},
				{ID: "hello", Kind: types.KindText, Config: types.NodeConfig{Text: &types.TextConfig{
					Content: "Oi {{nome}}",
				}}},
				{ID: "wants", Kind: types.KindCondition, Config: types.NodeConfig{Condition: &types.ConditionConfig{
					Mode: types.ConditionSimple, Operator: "contains", Value: "sim",
				}}},
				{ID: "yes", Kind: types.KindText, Config: types.NodeConfig{Text: &types.TextConfig{
					Content: "Perfeito",
				}}},
				{ID: "no", Kind: types.KindText, Config: types.NodeConfig{Text: &types.TextConfig{
					Content: "Sem problemas",
				}}},
			},
			Edges: []types.Edge{
				{ID: "e1", SourceNodeID: "start", TargetNodeID: "hello"},
				{ID: "e2", SourceNodeID: "hello", TargetNodeID: "wants"},
				{ID: "e3", SourceNodeID: "wants", TargetNodeID: "yes", Label: "true"},
				{ID: "e4", SourceNodeID: "wants", TargetNodeID: "no", Label: "false"},
			},
		},
	}
}

func publishAndTick(t *testing.T, eng *Engine, c types.Campaign) types.Campaign {
	t.Helper()
	ctx := context.Background()
	c, err := eng.RegisterCampaign(ctx, c)
	require.NoError(t, err)
	require.NoError(t, eng.Publish(ctx, c.ID))
	require.NoError(t, eng.Tick(ctx))
	return c
}

func TestEngineEndToEnd(t *testing.T) {
	ctx := context.Background()
	eng, store, sender := newTestEngine(t)

	saveContact(t, store, types.Contact{ID: "ana", Nome: "Ana", ChannelIDs: []string{"wa-main"}})
	saveContact(t, store, types.Contact{ID: "bia", Nome: "Bia", ChannelIDs: []string{"wa-main"}})

	c := publishAndTick(t, eng, greetingCampaign())

	// Both contacts got the greeting and are parked on the condition.
	messages := sender.sent()
	require.Len(t, messages, 2)
	assert.Contains(t, messages, "ana|Oi Ana")
	assert.Contains(t, messages, "bia|Oi Bia")

	sessions, err := store.ListSessionsByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, sess := range sessions {
		assert.Equal(t, types.SessionActive, sess.Status)
		assert.True(t, sess.AwaitingReply)
		assert.Equal(t, "wants", sess.CurrentNodeID)
	}

	// One contact opts in, the other declines.
	require.NoError(t, eng.HandleReply(ctx, sessions[0].ID, "sim, quero"))
	require.NoError(t, eng.HandleReply(ctx, sessions[1].ID, "agora nao"))

	byContact := map[string]types.Session{}
	final, err := store.ListSessionsByCampaign(ctx, c.ID)
	require.NoError(t, err)
	for _, sess := range final {
		assert.Equal(t, types.SessionCompleted, sess.Status)
		byContact[sess.ContactID] = sess
	}
	assert.Equal(t, "yes", byContact[sessions[0].ContactID].CurrentNodeID)
	assert.Equal(t, "no", byContact[sessions[1].ContactID].CurrentNodeID)

	// The branch messages went out.
	var branchMessages []string
	for _, m := range sender.sent()[2:] {
		branchMessages = append(branchMessages, m[strings.Index(m, "|")+1:])
	}
	assert.ElementsMatch(t, []string{"Perfeito", "Sem problemas"}, branchMessages)

	// Report reflects the outcomes and orders visits by step.
	report, err := eng.GetReport(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignStats{Total: 2, Completed: 2}, report.Stats)
	for _, s := range report.Sessions {
		require.NotEmpty(t, s.VisitedNodes)
		assert.Equal(t, "hello", s.VisitedNodes[0].NodeID)
		assert.True(t, s.VisitedNodes[0].Sent)
		for i := 1; i < len(s.VisitedNodes); i++ {
			assert.Greater(t, s.VisitedNodes[i].Step, s.VisitedNodes[i-1].Step)
		}
	}

	// With every session terminal, the next tick completes the campaign.
	require.NoError(t, eng.Tick(ctx))
	got, err := eng.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignCompleted, got.Status)
}

func TestPublishRejectsInvalidGraph(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	c := greetingCampaign()
	c.Graph.Edges = c.Graph.Edges[:2] // condition loses its labeled edges
	c, err := eng.RegisterCampaign(ctx, c)
	require.NoError(t, err)

	err = eng.Publish(ctx, c.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid graph")

	got, err := eng.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignDraft, got.Status, "failed publish must leave the campaign in draft")
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	c, err := eng.RegisterCampaign(ctx, greetingCampaign())
	require.NoError(t, err)

	assert.ErrorIs(t, eng.Pause(ctx, c.ID), ErrInvalidTransition)
	assert.ErrorIs(t, eng.Resume(ctx, c.ID), ErrInvalidTransition)
	assert.ErrorIs(t, eng.Start(ctx, c.ID), ErrInvalidTransition)

	require.NoError(t, eng.Publish(ctx, c.ID))
	assert.ErrorIs(t, eng.Publish(ctx, c.ID), ErrInvalidTransition)

	require.NoError(t, eng.Pause(ctx, c.ID))
	assert.ErrorIs(t, eng.Pause(ctx, c.ID), ErrInvalidTransition)
	require.NoError(t, eng.Resume(ctx, c.ID))

	require.NoError(t, eng.Complete(ctx, c.ID, false))
	assert.ErrorIs(t, eng.Complete(ctx, c.ID, false), ErrInvalidTransition)
}

func TestPauseFreezesSessions(t *testing.T) {
	ctx := context.Background()
	eng, store, sender := newTestEngine(t)

	saveContact(t, store, types.Contact{ID: "ana", Nome: "Ana", ChannelIDs: []string{"wa-main"}})
	c := publishAndTick(t, eng, greetingCampaign())

	sessions, err := store.ListSessionsByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	sessionID := sessions[0].ID

	require.NoError(t, eng.Pause(ctx, c.ID))

	// The reply is recorded but the paused session does not advance.
	require.NoError(t, eng.HandleReply(ctx, sessionID, "sim"))
	sess, err := eng.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, sess.Status)
	assert.Equal(t, "wants", sess.CurrentNodeID)
	assert.Equal(t, "sim", sess.Variables[executor.ReplyVariable])
	assert.False(t, sess.AwaitingReply)

	// Ticks while paused do nothing.
	require.NoError(t, eng.Tick(ctx))
	assert.Len(t, sender.sent(), 1)

	// Direct advancement is refused too.
	assert.ErrorIs(t, eng.AdvanceSession(ctx, sessionID), ErrCampaignNotRunning)

	// After resume the recorded reply drives the session to completion.
	require.NoError(t, eng.Resume(ctx, c.ID))
	require.NoError(t, eng.Tick(ctx))

	sess, err = eng.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, sess.Status)
	assert.Equal(t, "yes", sess.CurrentNodeID)
}

func TestReplayDoesNotResend(t *testing.T) {
	ctx := context.Background()
	eng, store, sender := newTestEngine(t)

	saveContact(t, store, types.Contact{ID: "ana", Nome: "Ana", ChannelIDs: []string{"wa-main"}})

	c := types.Campaign{
		Name:         "two-texts",
		ScheduleType: types.ScheduleImmediate,
		ChannelIDs:   []string{"wa-main"},
		Graph: types.Graph{
			Nodes: []types.Node{
				{ID: "start", Kind: types.KindTrigger, Config: types.NodeConfig{Trigger: &types.TriggerConfig{
					ScheduleType: types.ScheduleImmediate,
				}}},
				{ID: "first", Kind: types.KindText, Config: types.NodeConfig{Text: &types.TextConfig{Content: "um"}}},
				{ID: "second", Kind: types.KindText, Config: types.NodeConfig{Text: &types.TextConfig{Content: "dois"}}},
			},
			Edges: []types.Edge{
				{ID: "e1", SourceNodeID: "start", TargetNodeID: "first"},
				{ID: "e2", SourceNodeID: "first", TargetNodeID: "second"},
			},
		},
	}
	c, err := eng.RegisterCampaign(ctx, c)
	require.NoError(t, err)
	require.NoError(t, eng.Publish(ctx, c.ID))

	sessions, err := store.ListSessionsByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	// Simulate a worker that crashed after sending "um" but before the
	// session advanced: the visit record is persisted, the position not.
	sess := sessions[0]
	sess.VisitedNodes["first"] = types.VisitRecord{NodeID: "first", Step: 0, Sent: true}
	require.NoError(t, store.SaveSession(ctx, sess))

	require.NoError(t, eng.AdvanceSession(ctx, sess.ID))

	messages := sender.sent()
	require.Len(t, messages, 1, "the replayed step must not send again")
	assert.Equal(t, "ana|dois", messages[0])

	final, err := eng.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, final.Status)
}

func TestZeroContactCampaignStaysStarted(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	c := publishAndTick(t, eng, greetingCampaign())

	got, err := eng.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignStarted, got.Status)

	report, err := eng.GetReport(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Stats.Total)
}

func TestForceComplete(t *testing.T) {
	ctx := context.Background()
	eng, store, _ := newTestEngine(t)

	saveContact(t, store, types.Contact{ID: "ana", Nome: "Ana", ChannelIDs: []string{"wa-main"}})
	c := publishAndTick(t, eng, greetingCampaign())

	require.NoError(t, eng.Complete(ctx, c.ID, true))

	got, err := eng.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignCompleted, got.Status)

	sessions, err := store.ListSessionsByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, types.SessionCompleted, sessions[0].Status)
	assert.Equal(t, "force-completed", sessions[0].VisitedNodes["wants"].Error)
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	eng, store, _ := newTestEngine(t, WithSessionTTL(time.Millisecond))

	saveContact(t, store, types.Contact{ID: "ana", Nome: "Ana", ChannelIDs: []string{"wa-main"}})
	c, err := eng.RegisterCampaign(ctx, greetingCampaign())
	require.NoError(t, err)
	require.NoError(t, eng.Publish(ctx, c.ID))

	time.Sleep(5 * time.Millisecond)
	swept, err := eng.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	sessions, err := store.ListSessionsByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, types.SessionExpired, sessions[0].Status)

	// A reply to an expired session is rejected.
	assert.ErrorIs(t, eng.HandleReply(ctx, sessions[0].ID, "sim"), ErrSessionNotActive)
}

func TestMaxStepsCeiling(t *testing.T) {
	ctx := context.Background()
	eng, store, sender := newTestEngine(t, WithMaxSteps(5))

	saveContact(t, store, types.Contact{ID: "ana", Nome: "Ana", ChannelIDs: []string{"wa-main"}})

	// A text node looping to itself never terminates on its own.
	c := types.Campaign{
		Name:         "loop",
		ScheduleType: types.ScheduleImmediate,
		ChannelIDs:   []string{"wa-main"},
		Graph: types.Graph{
			Nodes: []types.Node{
				{ID: "start", Kind: types.KindTrigger, Config: types.NodeConfig{Trigger: &types.TriggerConfig{
					ScheduleType: types.ScheduleImmediate,
				}}},
				{ID: "echo", Kind: types.KindText, Config: types.NodeConfig{Text: &types.TextConfig{Content: "de novo"}}},
			},
			Edges: []types.Edge{
				{ID: "e1", SourceNodeID: "start", TargetNodeID: "echo"},
				{ID: "e2", SourceNodeID: "echo", TargetNodeID: "echo"},
			},
		},
	}
	c = publishAndTick(t, eng, c)

	sessions, err := store.ListSessionsByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, types.SessionFailed, sessions[0].Status)
	assert.Contains(t, sessions[0].VisitedNodes["echo"].Error, "max steps")
	assert.Len(t, sender.sent(), 5, "each loop iteration before the ceiling sends once")
}

func TestDelayParksUntilWakeTime(t *testing.T) {
	ctx := context.Background()
	eng, store, sender := newTestEngine(t)

	saveContact(t, store, types.Contact{ID: "ana", Nome: "Ana", ChannelIDs: []string{"wa-main"}})

	c := types.Campaign{
		Name:         "delayed",
		ScheduleType: types.ScheduleImmediate,
		ChannelIDs:   []string{"wa-main"},
		Graph: types.Graph{
			Nodes: []types.Node{
				{ID: "start", Kind: types.KindTrigger, Config: types.NodeConfig{Trigger: &types.TriggerConfig{
					ScheduleType: types.ScheduleImmediate,
				}}},
				{ID: "wait", Kind: types.KindDelay, Config: types.NodeConfig{Delay: &types.DelayConfig{
					Amount: 1, Unit: types.UnitHours,
				}}},
				{ID: "later", Kind: types.KindText, Config: types.NodeConfig{Text: &types.TextConfig{Content: "acordou"}}},
			},
			Edges: []types.Edge{
				{ID: "e1", SourceNodeID: "start", TargetNodeID: "wait"},
				{ID: "e2", SourceNodeID: "wait", TargetNodeID: "later"},
			},
		},
	}
	c = publishAndTick(t, eng, c)

	sessions, err := store.ListSessionsByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	sess := sessions[0]
	assert.Equal(t, "later", sess.CurrentNodeID)
	assert.Greater(t, sess.WakeAt, time.Now().UnixMilli())
	assert.Empty(t, sender.sent(), "nothing sends while the session sleeps")

	// Further ticks leave the sleeping session alone.
	require.NoError(t, eng.Tick(ctx))
	assert.Empty(t, sender.sent())

	// Bring the wake time into the past; the next tick delivers.
	sess.WakeAt = time.Now().UnixMilli() - 1
	require.NoError(t, store.SaveSession(ctx, sess))
	require.NoError(t, eng.Tick(ctx))

	assert.Equal(t, []string{"ana|acordou"}, sender.sent())
	final, err := eng.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, final.Status)
}

func TestScheduledCampaignPromotion(t *testing.T) {
	ctx := context.Background()
	eng, store, sender := newTestEngine(t)

	saveContact(t, store, types.Contact{ID: "ana", Nome: "Ana", ChannelIDs: []string{"wa-main"}})

	c := greetingCampaign()
	c.ScheduleType = types.ScheduleScheduled
	c.ScheduledFor = time.Now().Add(time.Hour).UnixMilli()
	c, err := eng.RegisterCampaign(ctx, c)
	require.NoError(t, err)
	require.NoError(t, eng.Publish(ctx, c.ID))

	got, err := eng.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignScheduled, got.Status)

	// Not due yet: the tick leaves it scheduled.
	require.NoError(t, eng.Tick(ctx))
	got, err = eng.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignScheduled, got.Status)
	assert.Empty(t, sender.sent())

	// Move the start time into the past; the next tick promotes and
	// dispatches.
	got.ScheduledFor = time.Now().UnixMilli() - 1
	require.NoError(t, store.SaveCampaign(ctx, got))
	require.NoError(t, eng.Tick(ctx))

	got, err = eng.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignStarted, got.Status)
	assert.Equal(t, []string{"ana|Oi Ana"}, sender.sent())
}

func TestStartAheadOfSchedule(t *testing.T) {
	ctx := context.Background()
	eng, store, sender := newTestEngine(t)

	saveContact(t, store, types.Contact{ID: "ana", Nome: "Ana", ChannelIDs: []string{"wa-main"}})

	c := greetingCampaign()
	c.ScheduleType = types.ScheduleScheduled
	c.ScheduledFor = time.Now().Add(time.Hour).UnixMilli()
	c, err := eng.RegisterCampaign(ctx, c)
	require.NoError(t, err)
	require.NoError(t, eng.Publish(ctx, c.ID))

	require.NoError(t, eng.Start(ctx, c.ID))
	got, err := eng.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignStarted, got.Status)

	require.NoError(t, eng.Tick(ctx))
	assert.Equal(t, []string{"ana|Oi Ana"}, sender.sent())
}

func TestAudienceSelection(t *testing.T) {
	ctx := context.Background()
	eng, store, _ := newTestEngine(t)

	saveContact(t, store, types.Contact{ID: "tagged", Nome: "A", Tags: []string{"leads"}, ChannelIDs: []string{"wa-main"}})
	saveContact(t, store, types.Contact{ID: "untagged", Nome: "B", ChannelIDs: []string{"wa-main"}})
	saveContact(t, store, types.Contact{ID: "wrong-channel", Nome: "C", Tags: []string{"leads"}, ChannelIDs: []string{"wa-other"}})
	saveContact(t, store, types.Contact{ID: "filtered", Nome: "D", Tags: []string{"leads"}, Categoria: "basic", ChannelIDs: []string{"wa-main"}})

	c := greetingCampaign()
	c.Graph.Nodes[0].Config.Trigger.AudienceTags = []string{"leads"}
	c.TargetFilter = `categoria != "basic"`
	c = publishAndTick(t, eng, c)

	sessions, err := store.ListSessionsByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "tagged", sessions[0].ContactID)
	assert.Equal(t, "wa-main", sessions[0].ChannelID)
}

func TestCompletedCampaignDrainsOnReply(t *testing.T) {
	ctx := context.Background()
	eng, store, sender := newTestEngine(t)

	saveContact(t, store, types.Contact{ID: "ana", Nome: "Ana", ChannelIDs: []string{"wa-main"}})
	c := publishAndTick(t, eng, greetingCampaign())

	sessions, err := store.ListSessionsByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "wants", sessions[0].CurrentNodeID)

	// Completing without force leaves the parked session active.
	require.NoError(t, eng.Complete(ctx, c.ID, false))
	sess, err := eng.GetSession(ctx, sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, sess.Status)

	// The late reply still drives the session to its natural end.
	require.NoError(t, eng.HandleReply(ctx, sessions[0].ID, "sim"))

	sess, err = eng.GetSession(ctx, sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, sess.Status)
	assert.Equal(t, "yes", sess.CurrentNodeID)
	assert.Len(t, sender.sent(), 2)

	got, err := eng.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignCompleted, got.Status)
}

func TestCompletedCampaignDrainsOnTick(t *testing.T) {
	ctx := context.Background()
	eng, store, sender := newTestEngine(t)

	saveContact(t, store, types.Contact{ID: "ana", Nome: "Ana", ChannelIDs: []string{"wa-main"}})

	c := types.Campaign{
		Name:         "delayed",
		ScheduleType: types.ScheduleImmediate,
		ChannelIDs:   []string{"wa-main"},
		Graph: types.Graph{
			Nodes: []types.Node{
				{ID: "start", Kind: types.KindTrigger, Config: types.NodeConfig{Trigger: &types.TriggerConfig{
					ScheduleType: types.ScheduleImmediate,
				}}},
				{ID: "wait", Kind: types.KindDelay, Config: types.NodeConfig{Delay: &types.DelayConfig{
					Amount: 1, Unit: types.UnitHours,
				}}},
				{ID: "later", Kind: types.KindText, Config: types.NodeConfig{Text: &types.TextConfig{Content: "tchau"}}},
			},
			Edges: []types.Edge{
				{ID: "e1", SourceNodeID: "start", TargetNodeID: "wait"},
				{ID: "e2", SourceNodeID: "wait", TargetNodeID: "later"},
			},
		},
	}
	c = publishAndTick(t, eng, c)

	// Complete while the session sleeps on the delay.
	require.NoError(t, eng.Complete(ctx, c.ID, false))

	sessions, err := store.ListSessionsByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	sess := sessions[0]
	require.Equal(t, types.SessionActive, sess.Status)

	// Once the wake time passes, the dispatcher still delivers.
	sess.WakeAt = time.Now().UnixMilli() - 1
	require.NoError(t, store.SaveSession(ctx, sess))
	require.NoError(t, eng.Tick(ctx))

	assert.Equal(t, []string{"ana|tchau"}, sender.sent())
	final, err := eng.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, final.Status)

	got, err := eng.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignCompleted, got.Status)
}

// claimDenyStorage allows a fixed number of claims and then refuses,
// standing in for a dispatcher that grabbed the session first.
type claimDenyStorage struct {
	*storage.MemoryStorage
	allowed int32
	calls   int32
}

func (s *claimDenyStorage) ClaimSession(ctx context.Context, id uint64, ttl time.Duration) (bool, error) {
	if atomic.AddInt32(&s.calls, 1) > s.allowed {
		return false, nil
	}
	return s.MemoryStorage.ClaimSession(ctx, id, ttl)
}

func TestReplyRaceWithDispatcherIsNotAnError(t *testing.T) {
	ctx := context.Background()
	store := &claimDenyStorage{MemoryStorage: storage.NewMemoryStorage(), allowed: 1}
	sender := &recordingSender{}
	registry := executor.NewRegistry(executor.Config{Sender: sender})
	eng, err := New(&seqGenerator{}, store, nil, registry)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Stop(context.Background()) })

	saveContact(t, store.MemoryStorage, types.Contact{ID: "ana", Nome: "Ana", ChannelIDs: []string{"wa-main"}})

	c, err := eng.RegisterCampaign(ctx, greetingCampaign())
	require.NoError(t, err)
	require.NoError(t, eng.Publish(ctx, c.ID))

	sessions, err := store.ListSessionsByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	// The first claim records the reply; the trailing advance loses the
	// claim race and must not surface as an error.
	require.NoError(t, eng.HandleReply(ctx, sessions[0].ID, "sim"))

	sess, err := eng.GetSession(ctx, sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, sess.Status)
	assert.Equal(t, "sim", sess.Variables[executor.ReplyVariable])
	assert.Empty(t, sender.sent(), "the claim holder, not the reply path, advances the session")
}

func TestBranchWithoutEdgeKeepsVisitRecord(t *testing.T) {
	ctx := context.Background()
	eng, store, _ := newTestEngine(t)

	saveContact(t, store, types.Contact{ID: "ana", Nome: "Ana", ChannelIDs: []string{"wa-main"}})

	// A started campaign whose condition lost its false edge, saved
	// directly to bypass publish-time validation.
	c := greetingCampaign()
	c.ID = "edited"
	c.Status = types.CampaignStarted
	c.Graph.Edges = []types.Edge{
		{ID: "e1", SourceNodeID: "start", TargetNodeID: "hello"},
		{ID: "e2", SourceNodeID: "hello", TargetNodeID: "wants"},
		{ID: "e3", SourceNodeID: "wants", TargetNodeID: "yes", Label: "true"},
	}
	require.NoError(t, store.SaveCampaign(ctx, c))

	sess := types.Session{
		ID:            1,
		CampaignID:    c.ID,
		ContactID:     "ana",
		ChannelID:     "wa-main",
		CurrentNodeID: "wants",
		Status:        types.SessionActive,
		Variables:     map[string]string{executor.ReplyVariable: "nao"},
		VisitedNodes:  map[string]types.VisitRecord{},
		Steps:         2,
	}
	require.NoError(t, store.SaveSession(ctx, sess))

	require.NoError(t, eng.AdvanceSession(ctx, sess.ID))

	final, err := eng.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, final.Status)

	rec := final.VisitedNodes["wants"]
	assert.Contains(t, rec.Error, `no edge labeled "false"`)
	assert.Equal(t, 2, rec.Step, "the visit record written at evaluation time survives the failure")
	assert.NotZero(t, rec.VisitedAt)
}

func TestClaimBlocksConcurrentAdvance(t *testing.T) {
	ctx := context.Background()
	eng, store, _ := newTestEngine(t)

	saveContact(t, store, types.Contact{ID: "ana", Nome: "Ana", ChannelIDs: []string{"wa-main"}})
	c := publishAndTick(t, eng, greetingCampaign())

	sessions, err := store.ListSessionsByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	claimed, err := store.ClaimSession(ctx, sessions[0].ID, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	assert.ErrorIs(t, eng.AdvanceSession(ctx, sessions[0].ID), ErrSessionBusy)
	assert.ErrorIs(t, eng.HandleReply(ctx, sessions[0].ID, "sim"), ErrSessionBusy)
}
