package storage

import (
	"encoding/json"
	"time"

	"github.com/servicehub/backend/internal/apperr"
	"github.com/servicehub/backend/internal/classify"
)

// ============================================================================
// DATA MODELS
// ============================================================================

// AuthType selects how a namespace authenticates against the broker.
type AuthType string

const (
	AuthConnectionString AuthType = "ConnectionString"
	AuthManagedIdentity  AuthType = "ManagedIdentity"
)

// Valid reports whether the value is one of the supported auth types.
func (a AuthType) Valid() bool {
	return a == AuthConnectionString || a == AuthManagedIdentity
}

// EntityType distinguishes queue DLQs from subscription DLQs.
type EntityType string

const (
	EntityQueue        EntityType = "Queue"
	EntitySubscription EntityType = "Subscription"
)

// MessageStatus is the tracked lifecycle state of a DLQ message.
type MessageStatus string

const (
	StatusActive       MessageStatus = "Active"
	StatusReplayed     MessageStatus = "Replayed"
	StatusReplayFailed MessageStatus = "ReplayFailed"
	StatusResolved     MessageStatus = "Resolved"
	StatusArchived     MessageStatus = "Archived"
	StatusDiscarded    MessageStatus = "Discarded"
)

// Terminal reports whether the status can never transition back to
// Active. ReplayFailed is not terminal: the message is still in the DLQ
// and may be replayed again.
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusReplayed, StatusResolved, StatusArchived, StatusDiscarded:
		return true
	}
	return false
}

// OutcomeStatus is the per-attempt result recorded in replay history.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "Success"
	OutcomeFailed  OutcomeStatus = "Failed"
	OutcomeError   OutcomeStatus = "Error"
	OutcomeSkipped OutcomeStatus = "Skipped"
)

// Replay strategies recorded in history rows.
const (
	StrategyOriginalEntity  = "original-entity"
	StrategyAlternateEntity = "alternate-entity"
	StrategyBatch           = "batch"
)

// Namespace is a registered broker namespace.
type Namespace struct {
	ID                  string    `db:"id" json:"id"`
	Name                string    `db:"name" json:"name"`
	DisplayName         string    `db:"display_name" json:"display_name"`
	AuthType            AuthType  `db:"auth_type" json:"auth_type"`
	EncryptedCredential string    `db:"encrypted_credential" json:"-"`
	Endpoint            string    `db:"endpoint" json:"endpoint"`
	IsActive            bool      `db:"is_active" json:"is_active"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// DlqMessage is one row per distinct message ever observed in a DLQ.
// (namespace_id, entity_name, sequence_number) is the dedup key.
type DlqMessage struct {
	ID                         string            `db:"id" json:"id"`
	NamespaceID                string            `db:"namespace_id" json:"namespace_id"`
	EntityName                 string            `db:"entity_name" json:"entity_name"`
	TopicName                  *string           `db:"topic_name" json:"topic_name,omitempty"`
	EntityType                 EntityType        `db:"entity_type" json:"entity_type"`
	BrokerMessageID            string            `db:"broker_message_id" json:"broker_message_id"`
	SequenceNumber             int64             `db:"sequence_number" json:"sequence_number"`
	EnqueuedTime               *time.Time        `db:"enqueued_time" json:"enqueued_time,omitempty"`
	DeadLetterReason           string            `db:"dead_letter_reason" json:"dead_letter_reason"`
	DeadLetterErrorDescription string            `db:"dead_letter_error_description" json:"dead_letter_error_description"`
	FailureCategory            classify.Category `db:"failure_category" json:"failure_category"`
	DeliveryCount              int               `db:"delivery_count" json:"delivery_count"`
	BodyPreview                string            `db:"body_preview" json:"body_preview"`
	ContentType                string            `db:"content_type" json:"content_type"`
	CustomPropertiesJSON       string            `db:"custom_properties_json" json:"custom_properties_json"`
	Status                     MessageStatus     `db:"status" json:"status"`
	ReplaySuccess              *bool             `db:"replay_success" json:"replay_success,omitempty"`
	ReplayedAt                 *time.Time        `db:"replayed_at" json:"replayed_at,omitempty"`
	FirstSeenAt                time.Time         `db:"first_seen_at" json:"first_seen_at"`
	LastSeenAt                 time.Time         `db:"last_seen_at" json:"last_seen_at"`
}

// CustomProperty returns the named application property as a string,
// or "" when absent or the stored JSON is unreadable.
func (m *DlqMessage) CustomProperty(name string) string {
	if m.CustomPropertiesJSON == "" {
		return ""
	}
	var props map[string]any
	if err := json.Unmarshal([]byte(m.CustomPropertiesJSON), &props); err != nil {
		return ""
	}
	value, ok := props[name]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Observation is one scanner sighting of a dead-lettered message.
type Observation struct {
	NamespaceID                string
	EntityName                 string
	TopicName                  *string
	EntityType                 EntityType
	BrokerMessageID            string
	SequenceNumber             int64
	EnqueuedTime               *time.Time
	DeadLetterReason           string
	DeadLetterErrorDescription string
	DeliveryCount              int
	BodyPreview                string
	ContentType                string
	CustomPropertiesJSON       string
	ObservedAt                 time.Time
}

// ReplayHistory is one append-only record of a replay attempt.
type ReplayHistory struct {
	ID               int64         `db:"id" json:"id"`
	DlqMessageID     string        `db:"dlq_message_id" json:"dlq_message_id"`
	RuleID           *string       `db:"rule_id" json:"rule_id,omitempty"`
	ReplayedAt       time.Time     `db:"replayed_at" json:"replayed_at"`
	ReplayedBy       string        `db:"replayed_by" json:"replayed_by"`
	ReplayStrategy   string        `db:"replay_strategy" json:"replay_strategy"`
	ReplayedToEntity string        `db:"replayed_to_entity" json:"replayed_to_entity"`
	OutcomeStatus    OutcomeStatus `db:"outcome_status" json:"outcome_status"`
	ErrorDetails     *string       `db:"error_details" json:"error_details,omitempty"`
}

// Condition fields the rule engine understands. Custom application
// properties are addressed as "Property.<name>".
const (
	FieldDeadLetterReason           = "DeadLetterReason"
	FieldDeadLetterErrorDescription = "DeadLetterErrorDescription"
	FieldFailureCategory            = "FailureCategory"
	FieldEntityName                 = "EntityName"
	FieldTopicName                  = "TopicName"
	FieldContentType                = "ContentType"
	FieldBodyPreview                = "BodyPreview"
	FieldDeliveryCount              = "DeliveryCount"
	FieldEnqueuedTime               = "EnqueuedTime"
)

// Condition operators the rule engine understands.
const (
	OpEquals      = "Equals"
	OpNotEquals   = "NotEquals"
	OpContains    = "Contains"
	OpNotContains = "NotContains"
	OpStartsWith  = "StartsWith"
	OpEndsWith    = "EndsWith"
	OpRegex       = "Regex"
	OpGreaterThan = "GreaterThan"
	OpLessThan    = "LessThan"
	OpIn          = "In"
)

// RuleCondition is one predicate of an auto-replay rule. Conditions are
// combined with AND.
type RuleCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// RuleAction describes what a rule does with a matched message.
// ExponentialBackoff is persisted but not yet acted on; it is reserved
// for a per-message retry wrapper around the executor.
type RuleAction struct {
	AutoReplay         bool   `json:"auto_replay"`
	TargetEntity       string `json:"target_entity,omitempty"`
	DelaySeconds       int    `json:"delay_seconds"`
	ExponentialBackoff bool   `json:"exponential_backoff"`
	MaxReplaysPerHour  int    `json:"max_replays_per_hour"`
}

// AutoReplayRule matches tracked DLQ messages and optionally replays
// them. A nil NamespaceID scopes the rule to every active namespace.
type AutoReplayRule struct {
	ID           string          `json:"id"`
	NamespaceID  *string         `json:"namespace_id,omitempty"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Enabled      bool            `json:"enabled"`
	Conditions   []RuleCondition `json:"conditions"`
	Action       RuleAction      `json:"action"`
	MatchCount   int             `json:"match_count"`
	SuccessCount int             `json:"success_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ruleRow is the relational shape of AutoReplayRule; conditions and
// action live in JSON columns.
type ruleRow struct {
	ID             string    `db:"id"`
	NamespaceID    *string   `db:"namespace_id"`
	Name           string    `db:"name"`
	Description    string    `db:"description"`
	Enabled        bool      `db:"enabled"`
	ConditionsJSON string    `db:"conditions_json"`
	ActionJSON     string    `db:"action_json"`
	MatchCount     int       `db:"match_count"`
	SuccessCount   int       `db:"success_count"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *ruleRow) toRule() (*AutoReplayRule, error) {
	rule := &AutoReplayRule{
		ID:           r.ID,
		NamespaceID:  r.NamespaceID,
		Name:         r.Name,
		Description:  r.Description,
		Enabled:      r.Enabled,
		MatchCount:   r.MatchCount,
		SuccessCount: r.SuccessCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.ConditionsJSON), &rule.Conditions); err != nil {
		return nil, apperr.Wrapf(apperr.KindInternal, "storage.rule", err, "rule %s conditions", r.ID)
	}
	if err := json.Unmarshal([]byte(r.ActionJSON), &rule.Action); err != nil {
		return nil, apperr.Wrapf(apperr.KindInternal, "storage.rule", err, "rule %s action", r.ID)
	}
	return rule, nil
}

func ruleToRow(rule *AutoReplayRule) (*ruleRow, error) {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "storage.rule", err)
	}
	action, err := json.Marshal(rule.Action)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "storage.rule", err)
	}
	return &ruleRow{
		ID:             rule.ID,
		NamespaceID:    rule.NamespaceID,
		Name:           rule.Name,
		Description:    rule.Description,
		Enabled:        rule.Enabled,
		ConditionsJSON: string(conditions),
		ActionJSON:     string(action),
		MatchCount:     rule.MatchCount,
		SuccessCount:   rule.SuccessCount,
		CreatedAt:      rule.CreatedAt,
		UpdatedAt:      rule.UpdatedAt,
	}, nil
}

// ActiveMessageFilter narrows GetActiveByNamespace results. Zero values
// are ignored; Since/Until bound last_seen_at (inclusive/exclusive).
type ActiveMessageFilter struct {
	EntityName      string
	FailureCategory string
	ReasonContains  string
	Since           *time.Time
	Until           *time.Time
	Limit           int
	Offset          int
}

// NamespaceSummary aggregates tracked-message counts for one namespace.
// Category and entity breakdowns cover Active rows only.
type NamespaceSummary struct {
	NamespaceID string         `json:"namespace_id"`
	Total       int            `json:"total"`
	Active      int            `json:"active"`
	ByStatus    map[string]int `json:"by_status"`
	ByCategory  map[string]int `json:"by_category"`
	ByEntity    map[string]int `json:"by_entity"`
}

// MessageTimeline is a tracked message together with its replay history,
// oldest attempt first.
type MessageTimeline struct {
	Message DlqMessage      `json:"message"`
	History []ReplayHistory `json:"history"`
}

// ReplayOutcome is one per-message result a replay run wants persisted.
type ReplayOutcome struct {
	DlqMessageID     string
	RuleID           *string
	ReplayedAt       time.Time
	ReplayedBy       string
	Strategy         string
	ReplayedToEntity string
	Outcome          OutcomeStatus
	ErrorDetails     string
}
