package executor

import "context"

// EffectKind classifies what a node execution asks the state machine to
// do next.
type EffectKind string

const (
	// EffectAdvance moves the session to the next node, optionally along
	// a labeled edge.
	EffectAdvance EffectKind = "advance"
	// EffectSuspend parks the session until ResumeAt without consuming a
	// worker.
	EffectSuspend EffectKind = "suspend"
	// EffectAwaitReply parks the session until the contact's next inbound
	// message arrives.
	EffectAwaitReply EffectKind = "await_reply"
	// EffectComplete terminates the session as completed immediately.
	EffectComplete EffectKind = "complete"
	// EffectFail marks the node failed; the session fails unless the
	// graph defines an error edge for the node.
	EffectFail EffectKind = "fail"
)

// Effect is the result of executing one node for one session. Executors
// never mutate the session; the state machine applies the effect.
type Effect struct {
	Kind     EffectKind
	Label    string            // branch label chosen by a condition node
	Sent     bool              // a message was handed to the channel sender
	Vars     map[string]string // new variable bindings to merge
	ResumeAt int64             // unix milli, set for EffectSuspend
	Err      error             // set for EffectFail
}

func advance() Effect             { return Effect{Kind: EffectAdvance} }
func branch(label string) Effect  { return Effect{Kind: EffectAdvance, Label: label} }
func sent() Effect                { return Effect{Kind: EffectAdvance, Sent: true} }
func fail(err error) Effect       { return Effect{Kind: EffectFail, Err: err} }
func suspendUntil(at int64) Effect { return Effect{Kind: EffectSuspend, ResumeAt: at} }

// Sender delivers an outbound message to a contact over a channel. The
// concrete WhatsApp transport lives outside the engine.
type Sender interface {
	Send(ctx context.Context, contactID, channelID, content string) error
	SendMedia(ctx context.Context, contactID, channelID, mediaType, assetURL, caption string) error
}

// Completer produces a text completion from a system and user prompt.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// CRMClient applies a declarative action to the contact's external CRM
// record. Implementations must be idempotent: reapplying the same action
// has no additional effect.
type CRMClient interface {
	Apply(ctx context.Context, contactID string, action string, value string) error
}

// ChatClient manages tags on the contact's chat-tool record. Both
// operations are idempotent.
type ChatClient interface {
	AddTags(ctx context.Context, contactID string, tags []string) error
	RemoveTags(ctx context.Context, contactID string, tags []string) error
}

// AssetResolver turns a stored media asset reference into a deliverable
// URL.
type AssetResolver interface {
	Resolve(ctx context.Context, assetRef string) (string, error)
}
