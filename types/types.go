package types

import "time"

// NodeKind identifies the behavior of a node in a campaign graph.
type NodeKind string

const (
	KindTrigger         NodeKind = "trigger"
	KindText            NodeKind = "text"
	KindMedia           NodeKind = "media"
	KindAI              NodeKind = "ai"
	KindCondition       NodeKind = "condition"
	KindDelay           NodeKind = "delay"
	KindHTTPRequest     NodeKind = "http_request"
	KindIntegrationCRM  NodeKind = "integration_crm"
	KindIntegrationChat NodeKind = "integration_chat"
	KindStop            NodeKind = "stop"
)

// Node is a typed unit of work in a campaign graph.
type Node struct {
	ID     string     `json:"id"`
	Kind   NodeKind   `json:"kind"`
	Config NodeConfig `json:"config"`
}

// NodeConfig is the tagged union of per-kind configuration. The variant
// selected by Node.Kind must be non-nil and all others nil; stop nodes
// carry no configuration.
type NodeConfig struct {
	Trigger   *TriggerConfig   `json:"trigger,omitempty"`
	Text      *TextConfig      `json:"text,omitempty"`
	Media     *MediaConfig     `json:"media,omitempty"`
	AI        *AIConfig        `json:"ai,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
	Delay     *DelayConfig     `json:"delay,omitempty"`
	HTTP      *HTTPConfig      `json:"http_request,omitempty"`
	CRM       *CRMConfig       `json:"integration_crm,omitempty"`
	Chat      *ChatConfig      `json:"integration_chat,omitempty"`
}

// ScheduleType controls when a published campaign begins creating sessions.
type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleScheduled ScheduleType = "scheduled"
)

// TriggerConfig defines the campaign entry point: which contacts qualify
// and when scheduling begins. The trigger node itself is never executed
// as a session step.
type TriggerConfig struct {
	ScheduleType ScheduleType `json:"schedule_type"`
	ScheduledAt  int64        `json:"scheduled_at,omitempty"` // unix milli
	AudienceTags []string     `json:"audience_tags,omitempty"`
	ChannelIDs   []string     `json:"channel_ids,omitempty"`
}

// TextConfig holds a message template, or a variation list from which one
// entry is chosen at send time.
type TextConfig struct {
	Content    string   `json:"content,omitempty"`
	Variations []string `json:"variations,omitempty"`
}

// MediaType narrows a media node to a concrete payload type.
type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
)

type MediaConfig struct {
	Type       MediaType `json:"type"`
	AssetRef   string    `json:"asset_ref,omitempty"`
	Variations []string  `json:"variations,omitempty"`
	Caption    string    `json:"caption,omitempty"`
}

type AIConfig struct {
	Provider     string `json:"provider"`
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt"`
}

// ConditionMode selects between a single boolean test and an ordered
// switch over cases.
type ConditionMode string

const (
	ConditionSimple ConditionMode = "simple"
	ConditionSwitch ConditionMode = "switch"
)

// ConditionCase is one branch of a switch condition. Cases are evaluated
// in declaration order; the first match wins.
type ConditionCase struct {
	Value    string `json:"value"`
	Label    string `json:"label"`
	Operator string `json:"operator"`
}

type ConditionConfig struct {
	Mode     ConditionMode   `json:"mode"`
	Operator string          `json:"operator,omitempty"`
	Value    string          `json:"value,omitempty"`
	Cases    []ConditionCase `json:"cases,omitempty"`
}

// DelayUnit is the time unit of a delay node.
type DelayUnit string

const (
	UnitSeconds DelayUnit = "seconds"
	UnitMinutes DelayUnit = "minutes"
	UnitHours   DelayUnit = "hours"
	UnitDays    DelayUnit = "days"
)

type DelayConfig struct {
	Amount int       `json:"amount"`
	Unit   DelayUnit `json:"unit"`
}

// Duration converts the configured amount and unit to a time.Duration.
// Unknown units are treated as seconds.
func (d DelayConfig) Duration() time.Duration {
	amount := time.Duration(d.Amount)
	switch d.Unit {
	case UnitMinutes:
		return amount * time.Minute
	case UnitHours:
		return amount * time.Hour
	case UnitDays:
		return amount * 24 * time.Hour
	default:
		return amount * time.Second
	}
}

// VariableBinding maps a JSON path in an HTTP response body to a session
// variable name. Paths may end in a ".flatMap(item => item.<subpath>)"
// suffix, projecting the subpath across every element of the preceding
// array.
type VariableBinding struct {
	JSONPath     string `json:"json_path"`
	VariableName string `json:"variable_name"`
}

type HTTPConfig struct {
	Method           string            `json:"method"`
	URL              string            `json:"url"`
	Headers          string            `json:"headers,omitempty"` // JSON object
	Body             string            `json:"body,omitempty"`    // JSON
	TimeoutSeconds   int               `json:"timeout_seconds,omitempty"`
	VariableMappings []VariableBinding `json:"variable_mappings,omitempty"`
}

// CRMAction is a declarative mutation of the contact's CRM record.
type CRMAction string

const (
	CRMUpdateStatus CRMAction = "update_status"
	CRMUpdateSource CRMAction = "update_source"
	CRMAssignTo     CRMAction = "assign_to"
	CRMMarkLost     CRMAction = "mark_lost"
	CRMMarkJunk     CRMAction = "mark_junk"
)

type CRMConfig struct {
	Action CRMAction `json:"action"`
	Value  string    `json:"value,omitempty"`
}

// ChatTagAction adds or removes tags on the contact's chat-tool record.
type ChatTagAction string

const (
	ChatAddTags    ChatTagAction = "add"
	ChatRemoveTags ChatTagAction = "remove"
)

type ChatConfig struct {
	Action ChatTagAction `json:"action"`
	Tags   []string      `json:"tags"`
}

// Edge is a directed, optionally labeled connection between two nodes.
// Labels are significant only on edges leaving a condition node
// ("true"/"false" in simple mode, case labels plus "default" in switch
// mode) and for the optional "error" failure edge of any node.
type Edge struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
	Label        string `json:"label,omitempty"`
}

// Reserved edge labels.
const (
	LabelTrue    = "true"
	LabelFalse   = "false"
	LabelDefault = "default"
	LabelError   = "error"
)

// Graph is the immutable-per-version campaign flow definition. It is
// validated once at publish time and shared read-only across sessions.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// SessionStatus is the state of one contact's walk through a graph.
// All states except SessionActive are terminal.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionExpired   SessionStatus = "expired"
)

// VisitRecord is the log entry written when a session passes through a
// node. Step records which session step wrote the entry, so a replayed
// step can be told apart from a deliberate loop revisiting the node.
type VisitRecord struct {
	NodeID    string `json:"node_id"`
	Step      int    `json:"step"`
	VisitedAt int64  `json:"visited_at"`
	Sent      bool   `json:"sent,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Session is one contact's independent run through a campaign graph.
// It is created by the scheduler and mutated only by the engine's state
// machine; node executors report effects, they never touch it directly.
type Session struct {
	ID            uint64                 `json:"id"`
	CampaignID    string                 `json:"campaign_id"`
	ContactID     string                 `json:"contact_id"`
	ChannelID     string                 `json:"channel_id"`
	CurrentNodeID string                 `json:"current_node_id"`
	Status        SessionStatus          `json:"status"`
	Variables     map[string]string      `json:"variables"`
	VisitedNodes  map[string]VisitRecord `json:"visited_nodes"`
	Steps         int                    `json:"steps"`
	WakeAt        int64                  `json:"wake_at,omitempty"` // unix milli; 0 means ready now
	AwaitingReply bool                   `json:"awaiting_reply,omitempty"`
	CreatedAt     int64                  `json:"created_at"`
	UpdatedAt     int64                  `json:"updated_at"`
	ExpiresAt     int64                  `json:"expires_at"`
}

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignStarted   CampaignStatus = "started"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// Campaign is a published graph plus audience, channel and schedule
// configuration.
type Campaign struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Graph        Graph          `json:"graph"`
	Status       CampaignStatus `json:"status"`
	ScheduleType ScheduleType   `json:"schedule_type"`
	ScheduledFor int64          `json:"scheduled_for,omitempty"` // unix milli
	TargetFilter string         `json:"target_filter,omitempty"` // expression over contact attributes
	ChannelIDs   []string       `json:"channel_ids,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

// Contact is the engine's read-only view of an addressable contact.
type Contact struct {
	ID          string                 `json:"id"`
	Nome        string                 `json:"nome"`
	Telefone    string                 `json:"telefone"`
	Email       string                 `json:"email"`
	Categoria   string                 `json:"categoria"`
	Observacoes string                 `json:"observacoes"`
	Tags        []string               `json:"tags,omitempty"`
	ChannelIDs  []string               `json:"channel_ids,omitempty"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
}

// Builtins returns the always-available interpolation identifiers sourced
// from the contact record.
func (c Contact) Builtins() map[string]string {
	return map[string]string{
		"nome":        c.Nome,
		"telefone":    c.Telefone,
		"email":       c.Email,
		"categoria":   c.Categoria,
		"observacoes": c.Observacoes,
	}
}

// CampaignStats aggregates session outcomes for one campaign.
type CampaignStats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
}

// SessionReport is the per-contact slice of a campaign report.
type SessionReport struct {
	ContactID    string        `json:"contact_id"`
	Status       SessionStatus `json:"status"`
	VisitedNodes []VisitRecord `json:"visited_nodes"`
}

// CampaignReport is the operator-facing read model for one campaign.
type CampaignReport struct {
	Stats    CampaignStats   `json:"stats"`
	Sessions []SessionReport `json:"sessions"`
}
