package broker

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
)

// Message states surfaced to callers.
const (
	MessageStateActive       = "Active"
	MessageStateDeferred     = "Deferred"
	MessageStateScheduled    = "Scheduled"
	MessageStateDeadLettered = "DeadLettered"
)

// Application properties stamped on every replayed message. The two
// dead-letter properties are stripped from the clone instead.
const (
	propReplayed               = "Replayed"
	propReplayedAt             = "ReplayedAt"
	propOriginalSequenceNumber = "OriginalSequenceNumber"
	propOriginalDeadLetter     = "OriginalDeadLetterReason"
	propDeadLetterReason       = "DeadLetterReason"
	propDeadLetterDescription  = "DeadLetterErrorDescription"
)

// Message is the broker-metadata view returned by peek operations.
type Message struct {
	MessageID                  string         `json:"message_id"`
	SequenceNumber             int64          `json:"sequence_number"`
	EnqueuedTime               *time.Time     `json:"enqueued_time,omitempty"`
	Body                       []byte         `json:"body,omitempty"`
	ContentType                string         `json:"content_type,omitempty"`
	CorrelationID              string         `json:"correlation_id,omitempty"`
	Subject                    string         `json:"subject,omitempty"`
	SessionID                  string         `json:"session_id,omitempty"`
	PartitionKey               string         `json:"partition_key,omitempty"`
	ReplyTo                    string         `json:"reply_to,omitempty"`
	ReplyToSessionID           string         `json:"reply_to_session_id,omitempty"`
	To                         string         `json:"to,omitempty"`
	TimeToLive                 *time.Duration `json:"time_to_live,omitempty"`
	ScheduledEnqueueTime       *time.Time     `json:"scheduled_enqueue_time,omitempty"`
	ExpiresAt                  *time.Time     `json:"expires_at,omitempty"`
	DeliveryCount              int            `json:"delivery_count"`
	State                      string         `json:"state"`
	DeadLetterReason           string         `json:"dead_letter_reason,omitempty"`
	DeadLetterErrorDescription string         `json:"dead_letter_error_description,omitempty"`
	DeadLetterSource           string         `json:"dead_letter_source,omitempty"`
	ApplicationProperties      map[string]any `json:"application_properties,omitempty"`
}

// PropertiesJSON renders the application properties for persistence.
func (m *Message) PropertiesJSON() string {
	if len(m.ApplicationProperties) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m.ApplicationProperties)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// SendRequest carries an operator-composed message.
type SendRequest struct {
	Body                 []byte         `json:"body"`
	ContentType          string         `json:"content_type,omitempty"`
	CorrelationID        string         `json:"correlation_id,omitempty"`
	SessionID            string         `json:"session_id,omitempty"`
	PartitionKey         string         `json:"partition_key,omitempty"`
	Subject              string         `json:"subject,omitempty"`
	ReplyTo              string         `json:"reply_to,omitempty"`
	ReplyToSessionID     string         `json:"reply_to_session_id,omitempty"`
	To                   string         `json:"to,omitempty"`
	TimeToLive           *time.Duration `json:"time_to_live,omitempty"`
	ScheduledEnqueueTime *time.Time     `json:"scheduled_enqueue_time,omitempty"`
	// ApplicationProperties usually arrive JSON-decoded; values are
	// coerced to broker primitives before sending.
	ApplicationProperties map[string]any `json:"application_properties,omitempty"`
}

// ReplayOptions tune a replay call.
type ReplayOptions struct {
	// TargetEntity overrides the live entity the clone is sent to.
	TargetEntity string
}

// messageFromReceived converts one SDK message to the wire-neutral view.
func messageFromReceived(m *azservicebus.ReceivedMessage, fromDeadLetter bool) Message {
	return Message{
		MessageID:                  m.MessageID,
		SequenceNumber:             derefInt64(m.SequenceNumber),
		EnqueuedTime:               m.EnqueuedTime,
		Body:                       m.Body,
		ContentType:                derefString(m.ContentType),
		CorrelationID:              derefString(m.CorrelationID),
		Subject:                    derefString(m.Subject),
		SessionID:                  derefString(m.SessionID),
		PartitionKey:               derefString(m.PartitionKey),
		ReplyTo:                    derefString(m.ReplyTo),
		ReplyToSessionID:           derefString(m.ReplyToSessionID),
		To:                         derefString(m.To),
		TimeToLive:                 m.TimeToLive,
		ScheduledEnqueueTime:       m.ScheduledEnqueueTime,
		ExpiresAt:                  m.ExpiresAt,
		DeliveryCount:              int(m.DeliveryCount),
		State:                      messageState(m, fromDeadLetter),
		DeadLetterReason:           derefString(m.DeadLetterReason),
		DeadLetterErrorDescription: derefString(m.DeadLetterErrorDescription),
		DeadLetterSource:           derefString(m.DeadLetterSource),
		ApplicationProperties:      m.ApplicationProperties,
	}
}

func messageState(m *azservicebus.ReceivedMessage, fromDeadLetter bool) string {
	if fromDeadLetter || m.DeadLetterReason != nil {
		return MessageStateDeadLettered
	}
	switch m.State {
	case azservicebus.MessageStateDeferred:
		return MessageStateDeferred
	case azservicebus.MessageStateScheduled:
		return MessageStateScheduled
	default:
		return MessageStateActive
	}
}

// buildOutgoingMessage converts a send request to an SDK message with
// coerced application properties.
func buildOutgoingMessage(req *SendRequest) *azservicebus.Message {
	msg := &azservicebus.Message{
		Body:                 req.Body,
		ContentType:          strPtrOrNil(req.ContentType),
		CorrelationID:        strPtrOrNil(req.CorrelationID),
		SessionID:            strPtrOrNil(req.SessionID),
		PartitionKey:         strPtrOrNil(req.PartitionKey),
		Subject:              strPtrOrNil(req.Subject),
		ReplyTo:              strPtrOrNil(req.ReplyTo),
		ReplyToSessionID:     strPtrOrNil(req.ReplyToSessionID),
		To:                   strPtrOrNil(req.To),
		TimeToLive:           req.TimeToLive,
		ScheduledEnqueueTime: req.ScheduledEnqueueTime,
	}
	if len(req.ApplicationProperties) > 0 {
		props := make(map[string]any, len(req.ApplicationProperties))
		for k, v := range req.ApplicationProperties {
			props[k] = coerceProperty(v)
		}
		msg.ApplicationProperties = props
	}
	return msg
}

// buildReplayMessage clones a dead-lettered message for resending: same
// body and user-visible headers, a fresh message id, the dead-letter
// properties stripped, and replay provenance stamped on top.
func buildReplayMessage(original *azservicebus.ReceivedMessage, now time.Time) *azservicebus.Message {
	freshID := uuid.NewString()
	msg := &azservicebus.Message{
		Body:             original.Body,
		MessageID:        &freshID,
		ContentType:      original.ContentType,
		CorrelationID:    original.CorrelationID,
		SessionID:        original.SessionID,
		PartitionKey:     original.PartitionKey,
		Subject:          original.Subject,
		ReplyTo:          original.ReplyTo,
		ReplyToSessionID: original.ReplyToSessionID,
		To:               original.To,
		TimeToLive:       original.TimeToLive,
	}

	props := make(map[string]any, len(original.ApplicationProperties)+4)
	for k, v := range original.ApplicationProperties {
		if k == propDeadLetterReason || k == propDeadLetterDescription {
			continue
		}
		props[k] = v
	}
	props[propReplayed] = true
	props[propReplayedAt] = now.UTC().Format(time.RFC3339)
	props[propOriginalSequenceNumber] = derefInt64(original.SequenceNumber)
	reason := derefString(original.DeadLetterReason)
	if reason == "" {
		reason = "Unknown"
	}
	props[propOriginalDeadLetter] = reason
	msg.ApplicationProperties = props

	return msg
}

// coerceProperty narrows JSON-decoded scalars to the primitive types the
// broker accepts. Integral floats become int64 so a property sent as 42
// does not round-trip as 42.0.
func coerceProperty(v any) any {
	switch value := v.(type) {
	case nil, bool, string, time.Time, []byte:
		return value
	case json.Number:
		if i, err := value.Int64(); err == nil {
			return i
		}
		if f, err := value.Float64(); err == nil {
			return f
		}
		return value.String()
	case float64:
		if value == math.Trunc(value) && value >= math.MinInt64 && value <= math.MaxInt64 {
			return int64(value)
		}
		return value
	case float32:
		return coerceProperty(float64(value))
	case int:
		return int64(value)
	case int8:
		return int64(value)
	case int16:
		return int64(value)
	case int32:
		return int64(value)
	case int64:
		return value
	case uint:
		return int64(value)
	case uint8:
		return int64(value)
	case uint16:
		return int64(value)
	case uint32:
		return int64(value)
	case uint64:
		if value <= math.MaxInt64 {
			return int64(value)
		}
		return fmt.Sprintf("%d", value)
	default:
		return fmt.Sprintf("%v", value)
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt64(i *int64) int64 {
	if i == nil {
		return 0
	}
	return *i
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
