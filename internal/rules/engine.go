// Package rules evaluates auto-replay rules against tracked DLQ messages
// and drives the replays they trigger.
package rules

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/servicehub/backend/internal/storage"
)

// propertyFieldPrefix addresses custom application properties in rule
// conditions, e.g. "Property.tenant".
const propertyFieldPrefix = "Property."

// Matches reports whether the message satisfies every condition of the
// rule. Conditions are combined with AND; a rule without conditions
// matches everything in its scope. An unknown field or operator makes
// its condition false, never an error.
func Matches(rule *storage.AutoReplayRule, msg *storage.DlqMessage) bool {
	for _, cond := range rule.Conditions {
		if !matchCondition(cond, msg) {
			return false
		}
	}
	return true
}

// InScope reports whether the message belongs to the rule's namespace.
// Rules without a namespace apply everywhere.
func InScope(rule *storage.AutoReplayRule, msg *storage.DlqMessage) bool {
	return rule.NamespaceID == nil || *rule.NamespaceID == msg.NamespaceID
}

func matchCondition(cond storage.RuleCondition, msg *storage.DlqMessage) bool {
	value, ok := fieldOf(msg, cond.Field)
	if !ok {
		return false
	}

	switch cond.Operator {
	case storage.OpEquals:
		eq, ok := value.equals(cond.Value)
		return ok && eq
	case storage.OpNotEquals:
		eq, ok := value.equals(cond.Value)
		return ok && !eq
	case storage.OpContains:
		return value.kind == kindString && containsFold(value.str, cond.Value)
	case storage.OpNotContains:
		return value.kind == kindString && !containsFold(value.str, cond.Value)
	case storage.OpStartsWith:
		return value.kind == kindString && hasPrefixFold(value.str, cond.Value)
	case storage.OpEndsWith:
		return value.kind == kindString && hasSuffixFold(value.str, cond.Value)
	case storage.OpRegex:
		return value.matchesRegex(cond.Value)
	case storage.OpGreaterThan:
		cmp, ok := value.compare(cond.Value)
		return ok && cmp > 0
	case storage.OpLessThan:
		cmp, ok := value.compare(cond.Value)
		return ok && cmp < 0
	case storage.OpIn:
		return value.inList(cond.Value)
	}
	return false
}

// ============================================================================
// FIELD VALUES
// ============================================================================

type valueKind int

const (
	kindString valueKind = iota
	kindNumber
	kindTime
)

// fieldValue is one message field lifted into the comparison domain the
// operators work over. str always carries the rendering Regex matches.
type fieldValue struct {
	kind valueKind
	str  string
	num  int64
	ts   time.Time
}

func fieldOf(msg *storage.DlqMessage, field string) (fieldValue, bool) {
	switch field {
	case storage.FieldDeadLetterReason:
		return stringValue(msg.DeadLetterReason), true
	case storage.FieldDeadLetterErrorDescription:
		return stringValue(msg.DeadLetterErrorDescription), true
	case storage.FieldFailureCategory:
		return stringValue(string(msg.FailureCategory)), true
	case storage.FieldEntityName:
		return stringValue(msg.EntityName), true
	case storage.FieldTopicName:
		topic := ""
		if msg.TopicName != nil {
			topic = *msg.TopicName
		}
		return stringValue(topic), true
	case storage.FieldContentType:
		return stringValue(msg.ContentType), true
	case storage.FieldBodyPreview:
		return stringValue(msg.BodyPreview), true
	case storage.FieldDeliveryCount:
		n := int64(msg.DeliveryCount)
		return fieldValue{kind: kindNumber, num: n, str: strconv.FormatInt(n, 10)}, true
	case storage.FieldEnqueuedTime:
		if msg.EnqueuedTime == nil {
			return fieldValue{}, false
		}
		ts := msg.EnqueuedTime.UTC()
		return fieldValue{kind: kindTime, ts: ts, str: ts.Format(time.RFC3339)}, true
	}
	if name, isProperty := strings.CutPrefix(field, propertyFieldPrefix); isProperty && name != "" {
		return stringValue(msg.CustomProperty(name)), true
	}
	return fieldValue{}, false
}

func stringValue(s string) fieldValue {
	return fieldValue{kind: kindString, str: s}
}

// equals compares against the raw condition value. The second return
// reports comparability: a condition value that does not parse in the
// field's domain satisfies neither Equals nor NotEquals.
func (v fieldValue) equals(raw string) (bool, bool) {
	switch v.kind {
	case kindNumber:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return false, false
		}
		return v.num == n, true
	case kindTime:
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
		if err != nil {
			return false, false
		}
		return v.ts.Equal(t), true
	default:
		return strings.EqualFold(v.str, raw), true
	}
}

// compare orders the field value against the raw condition value.
// Strings have no ordering here.
func (v fieldValue) compare(raw string) (int, bool) {
	switch v.kind {
	case kindNumber:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return 0, false
		}
		switch {
		case v.num > n:
			return 1, true
		case v.num < n:
			return -1, true
		}
		return 0, true
	case kindTime:
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
		if err != nil {
			return 0, false
		}
		switch {
		case v.ts.After(t):
			return 1, true
		case v.ts.Before(t):
			return -1, true
		}
		return 0, true
	}
	return 0, false
}

// inList tests membership in a comma-separated list. Elements that do
// not parse in the field's domain are skipped.
func (v fieldValue) inList(raw string) bool {
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if eq, comparable := v.equals(item); comparable && eq {
			return true
		}
	}
	return false
}

// matchesRegex full-matches the field's string rendering. An expression
// that does not compile matches nothing.
func (v fieldValue) matchesRegex(expr string) bool {
	re, err := regexp.Compile(`\A(?:` + expr + `)\z`)
	if err != nil {
		return false
	}
	return re.MatchString(v.str)
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func hasPrefixFold(s, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix))
}

func hasSuffixFold(s, suffix string) bool {
	return strings.HasSuffix(strings.ToLower(s), strings.ToLower(suffix))
}
