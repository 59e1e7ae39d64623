package rules

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/servicehub/backend/internal/apperr"
	"github.com/servicehub/backend/internal/broker"
	"github.com/servicehub/backend/internal/metrics"
	"github.com/servicehub/backend/internal/storage"
)

// Summary reports what one batch replay run did. Matched counts every
// message the rule selected; the other three partition what the run
// got to before finishing or being cancelled.
type Summary struct {
	Matched  int `json:"matched"`
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Coordinator fans one rule out over every matching tracked message,
// batched per entity so each group shares a single receiver and sender.
type Coordinator struct {
	store    Store
	clients  ClientSource
	executor *Executor
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// NewCoordinator builds a coordinator.
func NewCoordinator(store Store, clients ClientSource, executor *Executor, log zerolog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{store: store, clients: clients, executor: executor, log: log, metrics: m}
}

// groupKey identifies one batch replay group: all members share a
// dead-letter queue and therefore a receiver.
type groupKey struct {
	namespaceID string
	entityName  string
}

// PendingMatches previews which active messages a rule would replay,
// without touching the broker or the history.
func (c *Coordinator) PendingMatches(ctx context.Context, ruleID string) ([]storage.DlqMessage, error) {
	rule, err := c.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	candidates, err := c.store.GetActiveMessages(ctx, rule.NamespaceID)
	if err != nil {
		return nil, err
	}

	matched := make([]storage.DlqMessage, 0, len(candidates))
	for i := range candidates {
		if Matches(rule, &candidates[i]) {
			matched = append(matched, candidates[i])
		}
	}
	return matched, nil
}

// ReplayAll replays every active message the rule matches. Matches are
// grouped per entity and each group goes through one batch replay; a
// group that fails never aborts its siblings. The rule's hourly budget
// is split across groups in order, and overflow records Skipped rows.
func (c *Coordinator) ReplayAll(ctx context.Context, ruleID string) (*Summary, error) {
	rule, err := c.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	candidates, err := c.store.GetActiveMessages(ctx, rule.NamespaceID)
	if err != nil {
		return nil, err
	}

	groups := map[groupKey][]*storage.DlqMessage{}
	summary := &Summary{}
	for i := range candidates {
		msg := &candidates[i]
		if !Matches(rule, msg) {
			continue
		}
		summary.Matched++
		key := groupKey{namespaceID: msg.NamespaceID, entityName: msg.EntityName}
		groups[key] = append(groups[key], msg)
	}
	if summary.Matched == 0 {
		return summary, nil
	}

	used, err := c.store.CountRuleReplaysSince(ctx, rule.ID, time.Now().Add(-rateWindow))
	if err != nil {
		return nil, err
	}
	budget := rule.Action.MaxReplaysPerHour - used
	if budget < 0 {
		budget = 0
	}

	keys := make([]groupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].namespaceID != keys[j].namespaceID {
			return keys[i].namespaceID < keys[j].namespaceID
		}
		return keys[i].entityName < keys[j].entityName
	})

	var errs []error
	for _, key := range keys {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := c.replayGroup(ctx, rule, key, groups[key], &budget, summary); err != nil {
			errs = append(errs, err)
		}
	}

	c.log.Info().
		Str("rule_id", rule.ID).
		Str("rule", rule.Name).
		Int("matched", summary.Matched).
		Int("replayed", summary.Replayed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("batch replay finished")
	return summary, errors.Join(errs...)
}

// replayGroup replays one entity's matches through a single batch call.
// budget is decremented by what was actually attempted.
func (c *Coordinator) replayGroup(ctx context.Context, rule *storage.AutoReplayRule, key groupKey,
	msgs []*storage.DlqMessage, budget *int, summary *Summary) error {
	target := resolveTarget(msgs[0], rule.Action)
	// Batch runs are recorded as such even when the rule overrides the
	// destination.
	target.strategy = storage.StrategyBatch

	take := len(msgs)
	if take > *budget {
		take = *budget
	}
	attempt, overflow := msgs[:take], msgs[take:]
	*budget -= take

	outcomes := make([]storage.ReplayOutcome, 0, len(msgs))
	for _, msg := range overflow {
		outcomes = append(outcomes, outcomeFor(rule, msg, target, storage.OutcomeSkipped, detailsRateLimited))
	}
	summary.Skipped += len(overflow)

	if len(attempt) > 0 {
		results, replayErr := c.replayBatch(ctx, key, target, attempt)
		if replayErr != nil {
			// Nothing was attempted: the messages stay Active and the
			// budget taken for them is returned to later groups.
			c.log.Warn().Err(replayErr).
				Str("rule_id", rule.ID).
				Str("namespace_id", key.namespaceID).
				Str("entity", key.entityName).
				Int("messages", len(attempt)).
				Msg("batch replay group failed")
			summary.Failed += len(attempt)
			*budget += len(attempt)
		} else {
			for _, msg := range attempt {
				seqErr, failed := results[msg.SequenceNumber]
				switch {
				case !failed:
					outcomes = append(outcomes, outcomeFor(rule, msg, target, storage.OutcomeSuccess, ""))
					summary.Replayed++
				case apperr.IsKind(seqErr, apperr.KindNotFound):
					outcomes = append(outcomes, outcomeFor(rule, msg, target, storage.OutcomeError, detailsMessageNotFound))
					summary.Failed++
				default:
					outcomes = append(outcomes, outcomeFor(rule, msg, target, storage.OutcomeFailed, seqErr.Error()))
					summary.Failed++
				}
			}
		}
	}

	if len(outcomes) == 0 {
		return nil
	}
	if err := c.store.RecordReplayOutcomes(ctx, outcomes); err != nil {
		return err
	}
	if c.metrics != nil {
		for i := range outcomes {
			c.metrics.RecordReplay(outcomes[i].Strategy, string(outcomes[i].Outcome))
		}
	}
	return nil
}

func (c *Coordinator) replayBatch(ctx context.Context, key groupKey, target replayTarget,
	msgs []*storage.DlqMessage) (map[int64]error, error) {
	client, err := c.clients.ForNamespaceID(ctx, key.namespaceID)
	if err != nil {
		return nil, err
	}

	seqs := make([]int64, len(msgs))
	for i, msg := range msgs {
		seqs[i] = msg.SequenceNumber
	}
	return client.ReplayMessages(ctx, target.receiverEntity, target.receiverSubscription, seqs,
		&broker.ReplayOptions{TargetEntity: target.sendTo})
}

// RunAutoRules evaluates every enabled auto-replay rule against the
// active tracked messages. The first rule that matches a message claims
// it; execution failures are logged and never stop the sweep. The
// scanner chains this onto the end of each pass.
func (c *Coordinator) RunAutoRules(ctx context.Context) {
	allRules, err := c.store.ListRules(ctx, nil)
	if err != nil {
		c.log.Error().Err(err).Msg("list rules for auto-replay failed")
		return
	}
	var enabled []storage.AutoReplayRule
	for _, rule := range allRules {
		if rule.Enabled && rule.Action.AutoReplay {
			enabled = append(enabled, rule)
		}
	}
	if len(enabled) == 0 {
		return
	}

	msgs, err := c.store.GetActiveMessages(ctx, nil)
	if err != nil {
		c.log.Error().Err(err).Msg("load active messages for auto-replay failed")
		return
	}

	for i := range msgs {
		if ctx.Err() != nil {
			return
		}
		msg := &msgs[i]
		for j := range enabled {
			rule := &enabled[j]
			if !InScope(rule, msg) || !Matches(rule, msg) {
				continue
			}
			if _, err := c.executor.Execute(ctx, rule, msg); err != nil {
				c.log.Warn().Err(err).
					Str("rule_id", rule.ID).
					Str("dlq_message_id", msg.ID).
					Msg("auto replay failed")
			}
			break
		}
	}
}
