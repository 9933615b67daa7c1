// Package engine drives interactive campaign flows: it owns the campaign
// lifecycle, creates one session per matching contact, and advances each
// session through the campaign graph via the node executors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/campaign-engine/events"
	"github.com/songzhibin97/campaign-engine/executor"
	"github.com/songzhibin97/campaign-engine/graph"
	"github.com/songzhibin97/campaign-engine/rules"
	"github.com/songzhibin97/campaign-engine/storage"
	"github.com/songzhibin97/campaign-engine/types"
)

// Standard error definitions
var (
	ErrCampaignNotFound   = errors.New("campaign not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionNotActive   = errors.New("session is not active")
	ErrSessionBusy        = errors.New("session is being processed by another worker")
	ErrInvalidTransition  = errors.New("invalid campaign state transition")
	ErrMaxStepsExceeded   = errors.New("max steps exceeded")
	ErrCampaignNotRunning = errors.New("campaign is not started")
)

// Defaults, overridable via options.
const (
	// DefaultMaxSteps bounds how many nodes a single session may execute.
	// Cycles are allowed in campaign graphs; the ceiling guarantees every
	// session terminates. This limit is part of the public contract.
	DefaultMaxSteps = 100

	DefaultSessionTTL = 72 * time.Hour
	DefaultClaimTTL   = time.Minute
	DefaultWorkers    = 8
)

// ContactDirectory is the engine's read-only source of contacts.
// storage implementations satisfy it, but any directory will do.
type ContactDirectory interface {
	GetContact(ctx context.Context, id string) (types.Contact, error)
	ListContacts(ctx context.Context) ([]types.Contact, error)
}

// Engine manages campaigns and their sessions.
type Engine struct {
	storage  storage.Storage
	contacts ContactDirectory
	registry *executor.Registry
	matcher  *rules.AudienceMatcher
	bus      *events.Bus
	generate generator.Generator
	log      *slog.Logger

	indexes map[string]*graph.Index // campaign id -> shared read-only index
	mu      sync.RWMutex

	maxSteps   int
	sessionTTL time.Duration
	claimTTL   time.Duration
	workers    int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMaxSteps sets the per-session step ceiling.
func WithMaxSteps(n int) Option {
	return func(e *Engine) { e.maxSteps = n }
}

// WithSessionTTL sets how long a session may stay active before the
// expiry sweep marks it expired.
func WithSessionTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.sessionTTL = ttl }
}

// WithClaimTTL sets the processing-claim lease duration.
func WithClaimTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.claimTTL = ttl }
}

// WithWorkers sets how many sessions one dispatch tick advances in
// parallel.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// New creates an Engine. The generator, storage and executor registry
// are required; contacts defaults to the storage when it implements
// ContactDirectory.
func New(generate generator.Generator, store storage.Storage, contacts ContactDirectory, registry *executor.Registry, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if registry == nil {
		return nil, errors.New("executor registry is required")
	}
	if contacts == nil {
		dir, ok := store.(ContactDirectory)
		if !ok {
			return nil, errors.New("contact directory is required")
		}
		contacts = dir
	}

	e := &Engine{
		storage:    store,
		contacts:   contacts,
		registry:   registry,
		matcher:    rules.NewAudienceMatcher(),
		bus:        events.NewBus(),
		generate:   generate,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		indexes:    make(map[string]*graph.Index),
		maxSteps:   DefaultMaxSteps,
		sessionTTL: DefaultSessionTTL,
		claimTTL:   DefaultClaimTTL,
		workers:    DefaultWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.Handler) {
	e.bus.Subscribe(eventType, handler)
}

// SubscribeEventFunc subscribes a function to a specific event type.
func (e *Engine) SubscribeEventFunc(eventType string, fn func(ctx context.Context, event events.Event) error) {
	e.bus.SubscribeFunc(eventType, fn)
}

// index returns the shared graph index of a campaign, building and
// caching it on first use. The graph is read-only after publish, so one
// index serves every concurrent session.
func (e *Engine) index(c types.Campaign) *graph.Index {
	e.mu.RLock()
	idx, ok := e.indexes[c.ID]
	e.mu.RUnlock()
	if ok {
		return idx
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if idx, ok = e.indexes[c.ID]; !ok {
		idx = graph.NewIndex(c.Graph)
		e.indexes[c.ID] = idx
	}
	return idx
}

// publishEvent publishes an event asynchronously to the event bus.
func (e *Engine) publishEvent(ctx context.Context, eventType, campaignID string, sessionID uint64, data map[string]interface{}) {
	if err := e.bus.Publish(ctx, events.Event{
		Type:       eventType,
		CampaignID: campaignID,
		SessionID:  sessionID,
		Data:       data,
	}); err != nil && !errors.Is(err, events.ErrChannelFull) {
		e.log.Debug("event publish failed", "type", eventType, "err", err)
	}
}

// GetCampaign retrieves a campaign by ID.
func (e *Engine) GetCampaign(ctx context.Context, id string) (types.Campaign, error) {
	c, err := e.storage.GetCampaign(ctx, id)
	if err != nil {
		return types.Campaign{}, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	return c, nil
}

// SaveContact persists a contact record in the engine's store.
func (e *Engine) SaveContact(ctx context.Context, c types.Contact) error {
	return e.storage.SaveContact(ctx, c)
}

// GetSession retrieves a session by ID.
func (e *Engine) GetSession(ctx context.Context, id uint64) (types.Session, error) {
	sess, err := e.storage.GetSession(ctx, id)
	if err != nil {
		return types.Session{}, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return sess, nil
}

// GetReport returns aggregated stats plus per-contact detail for a
// campaign. It is a read-only consumer of the session store.
func (e *Engine) GetReport(ctx context.Context, campaignID string) (types.CampaignReport, error) {
	if _, err := e.GetCampaign(ctx, campaignID); err != nil {
		return types.CampaignReport{}, err
	}

	sessions, err := e.storage.ListSessionsByCampaign(ctx, campaignID)
	if err != nil {
		return types.CampaignReport{}, fmt.Errorf("failed to list sessions: %w", err)
	}

	report := types.CampaignReport{Sessions: make([]types.SessionReport, 0, len(sessions))}
	for _, sess := range sessions {
		report.Stats.Total++
		switch sess.Status {
		case types.SessionActive:
			report.Stats.Active++
		case types.SessionCompleted:
			report.Stats.Completed++
		case types.SessionFailed:
			report.Stats.Failed++
		case types.SessionExpired:
			report.Stats.Expired++
		}

		visited := make([]types.VisitRecord, 0, len(sess.VisitedNodes))
		for _, rec := range sess.VisitedNodes {
			visited = append(visited, rec)
		}
		sort.Slice(visited, func(i, j int) bool { return visited[i].Step < visited[j].Step })
		report.Sessions = append(report.Sessions, types.SessionReport{
			ContactID:    sess.ContactID,
			Status:       sess.Status,
			VisitedNodes: visited,
		})
	}
	return report, nil
}

// Stop gracefully stops the engine's event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.bus.Stop()
		return nil
	}
}
