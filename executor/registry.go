// Package executor implements one execution strategy per node kind. Each
// executor consumes the session's current state plus the node's config
// and produces an Effect applied by the engine's state machine.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/songzhibin97/campaign-engine/interp"
	"github.com/songzhibin97/campaign-engine/metrics"
	"github.com/songzhibin97/campaign-engine/rules"
	"github.com/songzhibin97/campaign-engine/types"
)

var (
	ErrNoSender       = errors.New("no channel sender configured")
	ErrNoCompleter    = errors.New("no completion provider configured")
	ErrNoCRMClient    = errors.New("no crm client configured")
	ErrNoChatClient   = errors.New("no chat client configured")
	ErrMissingAsset   = errors.New("media node has no asset reference")
	ErrTriggerNotStep = errors.New("trigger node is not executable as a step")
)

// ReplyVariable is the session variable holding the contact's most recent
// inbound message. Condition nodes evaluate against it.
const ReplyVariable = "reply"

// Config carries the collaborators the executors call into. Sender is
// the only one most campaigns need; the rest may be nil, in which case
// nodes of the corresponding kind fail for the session that reaches them.
type Config struct {
	Sender       Sender
	Completer    Completer
	CRM          CRMClient
	Chat         ChatClient
	Assets       AssetResolver
	HTTPClient   *http.Client
	Logger       *slog.Logger
	AIMaxRetries int
	AIRetryDelay time.Duration
}

// Registry dispatches node execution by kind.
type Registry struct {
	sender       Sender
	completer    Completer
	crm          CRMClient
	chat         ChatClient
	assets       AssetResolver
	httpClient   *http.Client
	log          *slog.Logger
	aiMaxRetries int
	aiRetryDelay time.Duration
}

// NewRegistry creates a Registry with defaults applied: a plain
// http.Client, a discarding logger, and 2 AI retries with a one second
// base backoff.
func NewRegistry(cfg Config) *Registry {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.AIMaxRetries == 0 {
		cfg.AIMaxRetries = 2
	}
	if cfg.AIRetryDelay == 0 {
		cfg.AIRetryDelay = time.Second
	}
	return &Registry{
		sender:       cfg.Sender,
		completer:    cfg.Completer,
		crm:          cfg.CRM,
		chat:         cfg.Chat,
		assets:       cfg.Assets,
		httpClient:   cfg.HTTPClient,
		log:          cfg.Logger,
		aiMaxRetries: cfg.AIMaxRetries,
		aiRetryDelay: cfg.AIRetryDelay,
	}
}

// Execute runs the executor for the session's current node and returns
// the resulting effect. The session is read, never mutated.
func (r *Registry) Execute(ctx context.Context, sess types.Session, contact types.Contact, node types.Node) Effect {
	vars := interp.Merge(contact, sess.Variables)

	var eff Effect
	switch node.Kind {
	case types.KindText:
		eff = r.executeText(ctx, sess, node, vars)
	case types.KindMedia:
		eff = r.executeMedia(ctx, sess, node, vars)
	case types.KindAI:
		eff = r.executeAI(ctx, sess, node, vars)
	case types.KindCondition:
		eff = r.executeCondition(node, vars)
	case types.KindDelay:
		eff = suspendUntil(time.Now().Add(node.Config.Delay.Duration()).UnixMilli())
	case types.KindHTTPRequest:
		eff = r.executeHTTP(ctx, node, vars)
	case types.KindIntegrationCRM:
		eff = r.executeCRM(ctx, sess, node, vars)
	case types.KindIntegrationChat:
		eff = r.executeChat(ctx, sess, node)
	case types.KindStop:
		eff = Effect{Kind: EffectComplete}
	case types.KindTrigger:
		eff = fail(ErrTriggerNotStep)
	default:
		eff = fail(fmt.Errorf("no executor for node kind %q", node.Kind))
	}

	if eff.Kind == EffectFail {
		metrics.NodeFailures.WithLabelValues(string(node.Kind)).Inc()
	}
	return eff
}

// alreadySent reports whether the current node already sent its message
// during this very step. That happens when a dispatcher retries a step
// after a crash between the send and the session advancing; the replay
// must not send again. A record from an earlier step means the author
// built a loop, and the node sends normally on the revisit.
func alreadySent(sess types.Session, nodeID string) bool {
	rec, ok := sess.VisitedNodes[nodeID]
	return ok && rec.Sent && rec.Step == sess.Steps
}

// pickVariation selects one entry uniformly at random. Selection is
// independent of the authoring tool's slot logic.
func pickVariation(variations []string) string {
	return variations[rand.Intn(len(variations))]
}

func (r *Registry) executeText(ctx context.Context, sess types.Session, node types.Node, vars map[string]string) Effect {
	if alreadySent(sess, node.ID) {
		return sent()
	}
	if r.sender == nil {
		return fail(ErrNoSender)
	}

	cfg := node.Config.Text
	content := cfg.Content
	if len(cfg.Variations) > 0 {
		content = pickVariation(cfg.Variations)
	}
	content = interp.Interpolate(content, vars)

	if err := r.sender.Send(ctx, sess.ContactID, sess.ChannelID, content); err != nil {
		return fail(fmt.Errorf("send failed: %w", err))
	}
	metrics.MessagesSent.Inc()
	return sent()
}

func (r *Registry) executeMedia(ctx context.Context, sess types.Session, node types.Node, vars map[string]string) Effect {
	if alreadySent(sess, node.ID) {
		return sent()
	}
	if r.sender == nil {
		return fail(ErrNoSender)
	}

	cfg := node.Config.Media
	ref := cfg.AssetRef
	if len(cfg.Variations) > 0 {
		ref = pickVariation(cfg.Variations)
	}
	if ref == "" {
		return fail(ErrMissingAsset)
	}

	assetURL := ref
	if r.assets != nil {
		resolved, err := r.assets.Resolve(ctx, ref)
		if err != nil {
			return fail(fmt.Errorf("resolve asset %q: %w", ref, err))
		}
		assetURL = resolved
	}

	caption := interp.Interpolate(cfg.Caption, vars)
	if err := r.sender.SendMedia(ctx, sess.ContactID, sess.ChannelID, string(cfg.Type), assetURL, caption); err != nil {
		return fail(fmt.Errorf("send media failed: %w", err))
	}
	metrics.MessagesSent.Inc()
	return sent()
}

func (r *Registry) executeAI(ctx context.Context, sess types.Session, node types.Node, vars map[string]string) Effect {
	if alreadySent(sess, node.ID) {
		return sent()
	}
	if r.completer == nil {
		return fail(ErrNoCompleter)
	}
	if r.sender == nil {
		return fail(ErrNoSender)
	}

	cfg := node.Config.AI
	system := interp.Interpolate(cfg.SystemPrompt, vars)
	user := interp.Interpolate(cfg.UserPrompt, vars)

	var reply string
	var lastErr error
	for attempt := 0; attempt <= r.aiMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fail(ctx.Err())
			case <-time.After(r.aiRetryDelay * time.Duration(attempt)):
			}
		}
		reply, lastErr = r.completer.Complete(ctx, system, user)
		if lastErr == nil {
			break
		}
		r.log.Warn("ai completion failed",
			"node", node.ID, "attempt", attempt+1, "err", lastErr)
	}
	if lastErr != nil {
		return fail(fmt.Errorf("ai completion failed after %d attempts: %w", r.aiMaxRetries+1, lastErr))
	}

	if err := r.sender.Send(ctx, sess.ContactID, sess.ChannelID, reply); err != nil {
		return fail(fmt.Errorf("send failed: %w", err))
	}
	metrics.MessagesSent.Inc()
	return sent()
}

// executeCondition evaluates the node against the contact's most recent
// reply. A session that has not received a reply yet is parked until one
// arrives (or the session expires). No external side effect; the outcome
// is deterministic given the current variables.
func (r *Registry) executeCondition(node types.Node, vars map[string]string) Effect {
	input, ok := vars[ReplyVariable]
	if !ok {
		return Effect{Kind: EffectAwaitReply}
	}

	cfg := node.Config.Condition
	if cfg.Mode == types.ConditionSwitch {
		return branch(rules.EvaluateSwitch(cfg.Cases, input))
	}

	if !rules.Known(cfg.Operator) {
		r.log.Warn("unknown condition operator, using contains semantics",
			"node", node.ID, "operator", cfg.Operator)
	}
	if rules.Evaluate(cfg.Operator, input, interp.Interpolate(cfg.Value, vars)) {
		return branch(types.LabelTrue)
	}
	return branch(types.LabelFalse)
}

func (r *Registry) executeCRM(ctx context.Context, sess types.Session, node types.Node, vars map[string]string) Effect {
	if r.crm == nil {
		return fail(ErrNoCRMClient)
	}
	cfg := node.Config.CRM
	value := interp.Interpolate(cfg.Value, vars)
	if err := r.crm.Apply(ctx, sess.ContactID, string(cfg.Action), value); err != nil {
		return fail(fmt.Errorf("crm action %s: %w", cfg.Action, err))
	}
	return advance()
}

func (r *Registry) executeChat(ctx context.Context, sess types.Session, node types.Node) Effect {
	if r.chat == nil {
		return fail(ErrNoChatClient)
	}
	cfg := node.Config.Chat
	var err error
	switch cfg.Action {
	case types.ChatRemoveTags:
		err = r.chat.RemoveTags(ctx, sess.ContactID, cfg.Tags)
	default:
		err = r.chat.AddTags(ctx, sess.ContactID, cfg.Tags)
	}
	if err != nil {
		return fail(fmt.Errorf("chat tag %s: %w", cfg.Action, err))
	}
	return advance()
}
