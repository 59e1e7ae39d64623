package rules

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/servicehub/backend/internal/apperr"
	"github.com/servicehub/backend/internal/broker"
	"github.com/servicehub/backend/internal/metrics"
	"github.com/servicehub/backend/internal/storage"
)

const (
	// autoReplayPrincipal is recorded as the actor on rule-driven replays.
	autoReplayPrincipal = "auto-replay"

	// rateWindow is the sliding window behind max_replays_per_hour.
	rateWindow = time.Hour

	// detailsRateLimited marks outcomes skipped by the hourly budget.
	detailsRateLimited = "RateLimited"

	// detailsMessageNotFound marks outcomes where the message had already
	// left the dead-letter queue when the replay reached it.
	detailsMessageNotFound = "MessageNotFound"
)

// Store is the persistence surface rule execution reads and writes.
type Store interface {
	GetRule(ctx context.Context, id string) (*storage.AutoReplayRule, error)
	ListRules(ctx context.Context, namespaceID *string) ([]storage.AutoReplayRule, error)
	GetActiveMessages(ctx context.Context, namespaceID *string) ([]storage.DlqMessage, error)
	CountRuleReplaysSince(ctx context.Context, ruleID string, since time.Time) (int, error)
	RecordReplayOutcomes(ctx context.Context, outcomes []storage.ReplayOutcome) error
}

// ReplayClient is the slice of the broker wrapper replays go through.
type ReplayClient interface {
	ReplayMessage(ctx context.Context, entity, subscription string, sequenceNumber int64, opts *broker.ReplayOptions) error
	ReplayMessages(ctx context.Context, entity, subscription string, sequenceNumbers []int64, opts *broker.ReplayOptions) (map[int64]error, error)
}

// ClientSource hands out replay clients per namespace.
type ClientSource interface {
	ForNamespaceID(ctx context.Context, namespaceID string) (ReplayClient, error)
}

// ClientSourceFunc adapts a closure to ClientSource.
type ClientSourceFunc func(ctx context.Context, namespaceID string) (ReplayClient, error)

func (f ClientSourceFunc) ForNamespaceID(ctx context.Context, namespaceID string) (ReplayClient, error) {
	return f(ctx, namespaceID)
}

// ============================================================================
// SINGLE-MESSAGE EXECUTION
// ============================================================================

// Executor replays one tracked message under one rule and persists the
// attempt: history row, message transition, and rule counters land in a
// single transaction.
type Executor struct {
	store   Store
	clients ClientSource
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewExecutor builds an executor.
func NewExecutor(store Store, clients ClientSource, log zerolog.Logger, m *metrics.Metrics) *Executor {
	return &Executor{store: store, clients: clients, log: log, metrics: m}
}

// Execute runs the rule's action against the message and returns the
// persisted outcome. The hourly budget is checked before anything
// touches the broker; a saturated rule records a Skipped row and stops.
// Infrastructure failures before a replay attempt (client acquisition,
// cancellation during the delay) surface as errors with nothing
// recorded, so the message stays Active for the next pass.
func (e *Executor) Execute(ctx context.Context, rule *storage.AutoReplayRule, msg *storage.DlqMessage) (*storage.ReplayOutcome, error) {
	target := resolveTarget(msg, rule.Action)

	used, err := e.store.CountRuleReplaysSince(ctx, rule.ID, time.Now().Add(-rateWindow))
	if err != nil {
		return nil, err
	}
	if used >= rule.Action.MaxReplaysPerHour {
		e.log.Debug().
			Str("rule_id", rule.ID).
			Str("rule", rule.Name).
			Int("used", used).
			Int("budget", rule.Action.MaxReplaysPerHour).
			Msg("rule budget exhausted, skipping replay")
		return e.record(ctx, outcomeFor(rule, msg, target, storage.OutcomeSkipped, detailsRateLimited))
	}

	if rule.Action.DelaySeconds > 0 {
		if err := sleepCtx(ctx, time.Duration(rule.Action.DelaySeconds)*time.Second); err != nil {
			return nil, err
		}
	}

	client, err := e.clients.ForNamespaceID(ctx, msg.NamespaceID)
	if err != nil {
		return nil, err
	}

	replayErr := client.ReplayMessage(ctx, target.receiverEntity, target.receiverSubscription,
		msg.SequenceNumber, &broker.ReplayOptions{TargetEntity: target.sendTo})

	out := outcomeFor(rule, msg, target, storage.OutcomeSuccess, "")
	switch {
	case replayErr == nil:
	case apperr.IsKind(replayErr, apperr.KindNotFound):
		out.Outcome = storage.OutcomeError
		out.ErrorDetails = detailsMessageNotFound
	default:
		out.Outcome = storage.OutcomeFailed
		out.ErrorDetails = replayErr.Error()
	}
	return e.record(ctx, out)
}

func (e *Executor) record(ctx context.Context, out storage.ReplayOutcome) (*storage.ReplayOutcome, error) {
	if err := e.store.RecordReplayOutcomes(ctx, []storage.ReplayOutcome{out}); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordReplay(out.Strategy, string(out.Outcome))
	}
	e.log.Info().
		Str("dlq_message_id", out.DlqMessageID).
		Str("target", out.ReplayedToEntity).
		Str("outcome", string(out.Outcome)).
		Str("details", out.ErrorDetails).
		Msg("rule replay recorded")
	return &out, nil
}

func outcomeFor(rule *storage.AutoReplayRule, msg *storage.DlqMessage, target replayTarget,
	status storage.OutcomeStatus, details string) storage.ReplayOutcome {
	ruleID := rule.ID
	return storage.ReplayOutcome{
		DlqMessageID:     msg.ID,
		RuleID:           &ruleID,
		ReplayedAt:       time.Now().UTC(),
		ReplayedBy:       autoReplayPrincipal,
		Strategy:         target.strategy,
		ReplayedToEntity: target.resolvedEntity,
		Outcome:          status,
		ErrorDetails:     details,
	}
}

// ============================================================================
// TARGET RESOLUTION
// ============================================================================

// replayTarget is the resolved routing of one replay: where the DLQ is
// received from and where the clone is sent.
type replayTarget struct {
	receiverEntity       string
	receiverSubscription string

	// sendTo overrides the sender entity; empty means the clone goes
	// back where the receiver entity points.
	sendTo string

	// resolvedEntity is what history rows record as the destination.
	resolvedEntity string

	strategy string
}

// resolveTarget decides where a message's clone goes. An explicit
// target_entity wins verbatim; otherwise queue messages return to their
// queue and subscription messages return to their topic.
func resolveTarget(msg *storage.DlqMessage, action storage.RuleAction) replayTarget {
	t := replayTarget{receiverEntity: msg.EntityName}

	if msg.EntityType == storage.EntitySubscription && msg.TopicName != nil {
		t.receiverEntity = *msg.TopicName
		t.receiverSubscription = strings.TrimPrefix(msg.EntityName, *msg.TopicName+"/subscriptions/")
	}

	if action.TargetEntity != "" {
		t.sendTo = action.TargetEntity
		t.resolvedEntity = action.TargetEntity
		t.strategy = storage.StrategyAlternateEntity
		return t
	}
	t.resolvedEntity = t.receiverEntity
	t.strategy = storage.StrategyOriginalEntity
	return t
}

// sleepCtx waits out the delay or returns the context's error early.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
