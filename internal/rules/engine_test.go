package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/servicehub/backend/internal/classify"
	"github.com/servicehub/backend/internal/storage"
)

func ruleWith(conds ...storage.RuleCondition) *storage.AutoReplayRule {
	return &storage.AutoReplayRule{
		ID:         "rule-1",
		Name:       "unit rule",
		Enabled:    true,
		Conditions: conds,
		Action:     storage.RuleAction{AutoReplay: true, MaxReplaysPerHour: 100},
	}
}

func trackedMessage() *storage.DlqMessage {
	enqueued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	topic := "events"
	return &storage.DlqMessage{
		ID:                         "dlq-1",
		NamespaceID:                "ns-1",
		EntityName:                 "events/subscriptions/audit",
		TopicName:                  &topic,
		EntityType:                 storage.EntitySubscription,
		BrokerMessageID:            "msg-1",
		SequenceNumber:             42,
		EnqueuedTime:               &enqueued,
		DeadLetterReason:           "MaxDeliveryCountExceeded",
		DeadLetterErrorDescription: "gave up after 10 deliveries",
		FailureCategory:            classify.CategoryMaxDeliveryCountExceeded,
		DeliveryCount:              10,
		BodyPreview:                `{"order_id":"o-123"}`,
		ContentType:                "application/json",
		CustomPropertiesJSON:       `{"tenant":"Acme","attempt":3}`,
		Status:                     storage.StatusActive,
	}
}

func TestMatchesStringOperators(t *testing.T) {
	msg := trackedMessage()

	cases := []struct {
		name string
		cond storage.RuleCondition
		want bool
	}{
		{"equals is case-insensitive", storage.RuleCondition{Field: storage.FieldDeadLetterReason, Operator: storage.OpEquals, Value: "maxdeliverycountexceeded"}, true},
		{"equals rejects a different value", storage.RuleCondition{Field: storage.FieldDeadLetterReason, Operator: storage.OpEquals, Value: "TTLExpiredException"}, false},
		{"not equals", storage.RuleCondition{Field: storage.FieldDeadLetterReason, Operator: storage.OpNotEquals, Value: "TTLExpiredException"}, true},
		{"not equals rejects the same value", storage.RuleCondition{Field: storage.FieldDeadLetterReason, Operator: storage.OpNotEquals, Value: "MAXDELIVERYCOUNTEXCEEDED"}, false},
		{"contains is case-insensitive", storage.RuleCondition{Field: storage.FieldDeadLetterErrorDescription, Operator: storage.OpContains, Value: "GAVE UP"}, true},
		{"not contains", storage.RuleCondition{Field: storage.FieldDeadLetterErrorDescription, Operator: storage.OpNotContains, Value: "timeout"}, true},
		{"starts with", storage.RuleCondition{Field: storage.FieldEntityName, Operator: storage.OpStartsWith, Value: "Events/"}, true},
		{"ends with", storage.RuleCondition{Field: storage.FieldEntityName, Operator: storage.OpEndsWith, Value: "/AUDIT"}, true},
		{"in membership is case-insensitive", storage.RuleCondition{Field: storage.FieldDeadLetterReason, Operator: storage.OpIn, Value: "ttlexpiredexception, maxdeliverycountexceeded"}, true},
		{"in rejects a missing member", storage.RuleCondition{Field: storage.FieldDeadLetterReason, Operator: storage.OpIn, Value: "SessionLockLost, FilterException"}, false},
		{"failure category", storage.RuleCondition{Field: storage.FieldFailureCategory, Operator: storage.OpEquals, Value: "MaxDeliveryCountExceeded"}, true},
		{"content type", storage.RuleCondition{Field: storage.FieldContentType, Operator: storage.OpEquals, Value: "application/json"}, true},
		{"body preview contains", storage.RuleCondition{Field: storage.FieldBodyPreview, Operator: storage.OpContains, Value: "o-123"}, true},
		{"topic name", storage.RuleCondition{Field: storage.FieldTopicName, Operator: storage.OpEquals, Value: "events"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(ruleWith(tc.cond), msg))
		})
	}
}

func TestMatchesNumericOperators(t *testing.T) {
	msg := trackedMessage() // DeliveryCount 10

	cases := []struct {
		name string
		cond storage.RuleCondition
		want bool
	}{
		{"equals", storage.RuleCondition{Field: storage.FieldDeliveryCount, Operator: storage.OpEquals, Value: "10"}, true},
		{"equals tolerates spaces", storage.RuleCondition{Field: storage.FieldDeliveryCount, Operator: storage.OpEquals, Value: " 10 "}, true},
		{"greater than", storage.RuleCondition{Field: storage.FieldDeliveryCount, Operator: storage.OpGreaterThan, Value: "9"}, true},
		{"greater than is strict", storage.RuleCondition{Field: storage.FieldDeliveryCount, Operator: storage.OpGreaterThan, Value: "10"}, false},
		{"less than", storage.RuleCondition{Field: storage.FieldDeliveryCount, Operator: storage.OpLessThan, Value: "11"}, true},
		{"in parses members as numbers", storage.RuleCondition{Field: storage.FieldDeliveryCount, Operator: storage.OpIn, Value: "5, 10, 15"}, true},
		{"unparseable value never equals", storage.RuleCondition{Field: storage.FieldDeliveryCount, Operator: storage.OpEquals, Value: "ten"}, false},
		{"unparseable value never differs either", storage.RuleCondition{Field: storage.FieldDeliveryCount, Operator: storage.OpNotEquals, Value: "ten"}, false},
		{"contains is string-only", storage.RuleCondition{Field: storage.FieldDeliveryCount, Operator: storage.OpContains, Value: "1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(ruleWith(tc.cond), msg))
		})
	}
}

func TestMatchesTimestampOperators(t *testing.T) {
	msg := trackedMessage() // enqueued 2025-06-01T12:00:00Z

	cases := []struct {
		name string
		cond storage.RuleCondition
		want bool
	}{
		{"after", storage.RuleCondition{Field: storage.FieldEnqueuedTime, Operator: storage.OpGreaterThan, Value: "2025-06-01T00:00:00Z"}, true},
		{"before", storage.RuleCondition{Field: storage.FieldEnqueuedTime, Operator: storage.OpLessThan, Value: "2025-06-02T00:00:00Z"}, true},
		{"equals the same instant", storage.RuleCondition{Field: storage.FieldEnqueuedTime, Operator: storage.OpEquals, Value: "2025-06-01T12:00:00Z"}, true},
		{"equals across zones", storage.RuleCondition{Field: storage.FieldEnqueuedTime, Operator: storage.OpEquals, Value: "2025-06-01T14:00:00+02:00"}, true},
		{"unparseable timestamp", storage.RuleCondition{Field: storage.FieldEnqueuedTime, Operator: storage.OpGreaterThan, Value: "yesterday"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(ruleWith(tc.cond), msg))
		})
	}

	t.Run("missing enqueued time never matches", func(t *testing.T) {
		bare := trackedMessage()
		bare.EnqueuedTime = nil
		cond := storage.RuleCondition{Field: storage.FieldEnqueuedTime, Operator: storage.OpLessThan, Value: "2030-01-01T00:00:00Z"}
		assert.False(t, Matches(ruleWith(cond), bare))
	})
}

func TestMatchesRegex(t *testing.T) {
	msg := trackedMessage()

	cases := []struct {
		name string
		cond storage.RuleCondition
		want bool
	}{
		{"full match", storage.RuleCondition{Field: storage.FieldDeadLetterReason, Operator: storage.OpRegex, Value: "Max.*Exceeded"}, true},
		{"partial match is not enough", storage.RuleCondition{Field: storage.FieldDeadLetterReason, Operator: storage.OpRegex, Value: "Max"}, false},
		{"invalid expression matches nothing", storage.RuleCondition{Field: storage.FieldDeadLetterReason, Operator: storage.OpRegex, Value: "(["}, false},
		{"numbers match on their rendering", storage.RuleCondition{Field: storage.FieldDeliveryCount, Operator: storage.OpRegex, Value: "1[0-9]"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(ruleWith(tc.cond), msg))
		})
	}
}

func TestMatchesCustomProperties(t *testing.T) {
	msg := trackedMessage()

	cases := []struct {
		name string
		cond storage.RuleCondition
		want bool
	}{
		{"string property", storage.RuleCondition{Field: "Property.tenant", Operator: storage.OpEquals, Value: "acme"}, true},
		{"numeric property compares as its rendering", storage.RuleCondition{Field: "Property.attempt", Operator: storage.OpEquals, Value: "3"}, true},
		{"absent property reads as empty", storage.RuleCondition{Field: "Property.missing", Operator: storage.OpEquals, Value: ""}, true},
		{"absent property never carries a value", storage.RuleCondition{Field: "Property.missing", Operator: storage.OpEquals, Value: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(ruleWith(tc.cond), msg))
		})
	}
}

func TestMatchesUnknownFieldOrOperator(t *testing.T) {
	msg := trackedMessage()

	assert.False(t, Matches(ruleWith(storage.RuleCondition{Field: "SequenceNumber", Operator: storage.OpEquals, Value: "42"}), msg))
	assert.False(t, Matches(ruleWith(storage.RuleCondition{Field: storage.FieldDeadLetterReason, Operator: "Matches", Value: "x"}), msg))
	assert.False(t, Matches(ruleWith(storage.RuleCondition{Field: "Property.", Operator: storage.OpEquals, Value: ""}), msg))
}

func TestMatchesConjunction(t *testing.T) {
	msg := trackedMessage()
	hit := storage.RuleCondition{Field: storage.FieldDeadLetterReason, Operator: storage.OpEquals, Value: "MaxDeliveryCountExceeded"}
	miss := storage.RuleCondition{Field: storage.FieldDeliveryCount, Operator: storage.OpLessThan, Value: "5"}

	assert.True(t, Matches(ruleWith(hit, hit), msg))
	assert.False(t, Matches(ruleWith(hit, miss), msg), "every condition must hold")
	assert.True(t, Matches(ruleWith(), msg), "a rule without conditions matches its whole scope")
}

func TestMatchesQueueMessageTopicName(t *testing.T) {
	msg := trackedMessage()
	msg.TopicName = nil
	msg.EntityType = storage.EntityQueue
	msg.EntityName = "orders"

	assert.True(t, Matches(ruleWith(storage.RuleCondition{Field: storage.FieldTopicName, Operator: storage.OpEquals, Value: ""}), msg))
	assert.False(t, Matches(ruleWith(storage.RuleCondition{Field: storage.FieldTopicName, Operator: storage.OpContains, Value: "events"}), msg))
}

func TestInScope(t *testing.T) {
	msg := trackedMessage() // ns-1
	other := "ns-2"
	mine := "ns-1"

	assert.True(t, InScope(&storage.AutoReplayRule{}, msg), "a global rule sees every namespace")
	assert.True(t, InScope(&storage.AutoReplayRule{NamespaceID: &mine}, msg))
	assert.False(t, InScope(&storage.AutoReplayRule{NamespaceID: &other}, msg))
}

func BenchmarkMatches(b *testing.B) {
	rule := ruleWith(
		storage.RuleCondition{Field: storage.FieldFailureCategory, Operator: storage.OpEquals, Value: "MaxDeliveryCountExceeded"},
		storage.RuleCondition{Field: storage.FieldDeliveryCount, Operator: storage.OpGreaterThan, Value: "5"},
		storage.RuleCondition{Field: storage.FieldDeadLetterReason, Operator: storage.OpContains, Value: "delivery"},
	)
	msg := trackedMessage()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		Matches(rule, msg)
	}
}
