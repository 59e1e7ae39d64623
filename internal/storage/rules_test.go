package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicehub/backend/internal/apperr"
)

func seedRule(t *testing.T, store *Store, namespaceID *string, name string) *AutoReplayRule {
	t.Helper()

	rule := &AutoReplayRule{
		NamespaceID: namespaceID,
		Name:        name,
		Description: "replay transient failures",
		Enabled:     true,
		Conditions: []RuleCondition{
			{Field: FieldFailureCategory, Operator: OpEquals, Value: "Transient"},
		},
		Action: RuleAction{AutoReplay: true, MaxReplaysPerHour: 100},
	}
	require.NoError(t, store.CreateRule(context.Background(), rule))
	return rule
}

func seedMessage(t *testing.T, store *Store, nsID, entity string, seq int64) *DlqMessage {
	t.Helper()
	ctx := context.Background()

	at := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	_, err := store.UpsertObserved(ctx, observation(nsID, entity, seq, "err", at))
	require.NoError(t, err)

	active, err := store.GetActiveByNamespace(ctx, nsID, ActiveMessageFilter{EntityName: entity})
	require.NoError(t, err)
	for i := range active {
		if active[i].SequenceNumber == seq {
			return &active[i]
		}
	}
	t.Fatalf("seeded message %d not found", seq)
	return nil
}

func TestCreateRuleAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ns := seedNamespace(t, store, "prod-eu")

	rule := &AutoReplayRule{
		NamespaceID: &ns.ID,
		Name:        "retry-ttl",
		Enabled:     true,
		Conditions: []RuleCondition{
			{Field: FieldFailureCategory, Operator: OpEquals, Value: "TTLExpired"},
			{Field: FieldDeliveryCount, Operator: OpLessThan, Value: "5"},
		},
		Action: RuleAction{AutoReplay: true, TargetEntity: "orders-retry", DelaySeconds: 2, MaxReplaysPerHour: 50},
	}
	require.NoError(t, store.CreateRule(ctx, rule))
	require.NotEmpty(t, rule.ID)

	loaded, err := store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Name, loaded.Name)
	assert.Equal(t, rule.Conditions, loaded.Conditions)
	assert.Equal(t, rule.Action, loaded.Action)
	assert.Zero(t, loaded.MatchCount)
	assert.Zero(t, loaded.SuccessCount)

	_, err = store.GetRule(ctx, "missing")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestCreateRuleValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		rule AutoReplayRule
	}{
		{"empty name", AutoReplayRule{Action: RuleAction{MaxReplaysPerHour: 10}}},
		{"zero hourly budget", AutoReplayRule{Name: "r", Action: RuleAction{MaxReplaysPerHour: 0}}},
		{"negative delay", AutoReplayRule{Name: "r", Action: RuleAction{MaxReplaysPerHour: 10, DelaySeconds: -1}}},
		{"invalid regex", AutoReplayRule{
			Name:       "r",
			Conditions: []RuleCondition{{Field: FieldDeadLetterReason, Operator: OpRegex, Value: "([unclosed"}},
			Action:     RuleAction{MaxReplaysPerHour: 10},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := tc.rule
			err := store.CreateRule(ctx, &rule)
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindValidation))
		})
	}
}

func TestCreateRuleAppliesDefaultBudget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.SetDefaultMaxReplaysPerHour(25)

	rule := &AutoReplayRule{Name: "no-budget", Action: RuleAction{AutoReplay: true}}
	require.NoError(t, store.CreateRule(ctx, rule))

	loaded, err := store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, loaded.Action.MaxReplaysPerHour)

	// An explicit budget is never overridden.
	explicit := &AutoReplayRule{Name: "explicit", Action: RuleAction{AutoReplay: true, MaxReplaysPerHour: 7}}
	require.NoError(t, store.CreateRule(ctx, explicit))
	loaded, err = store.GetRule(ctx, explicit.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Action.MaxReplaysPerHour)
}

func TestRuleNameUniquePerScope(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	nsA := seedNamespace(t, store, "a")
	nsB := seedNamespace(t, store, "b")

	seedRule(t, store, &nsA.ID, "retry")

	dup := &AutoReplayRule{NamespaceID: &nsA.ID, Name: "retry", Action: RuleAction{MaxReplaysPerHour: 10}}
	err := store.CreateRule(ctx, dup)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	// Same name in another namespace, or globally, is a different scope.
	other := &AutoReplayRule{NamespaceID: &nsB.ID, Name: "retry", Action: RuleAction{MaxReplaysPerHour: 10}}
	require.NoError(t, store.CreateRule(ctx, other))
	global := &AutoReplayRule{Name: "retry", Action: RuleAction{MaxReplaysPerHour: 10}}
	require.NoError(t, store.CreateRule(ctx, global))
}

func TestListRulesScopeFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	nsA := seedNamespace(t, store, "a")
	nsB := seedNamespace(t, store, "b")

	seedRule(t, store, &nsA.ID, "retry-a")
	seedRule(t, store, &nsB.ID, "retry-b")
	seedRule(t, store, nil, "retry-global")

	all, err := store.ListRules(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)

	// A namespace sees its own rules and the global ones.
	scoped, err := store.ListRules(ctx, &nsA.ID)
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	names := []string{scoped[0].Name, scoped[1].Name}
	assert.ElementsMatch(t, []string{"retry-a", "retry-global"}, names)
}

func TestUpdateRule(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ns := seedNamespace(t, store, "prod-eu")
	rule := seedRule(t, store, &ns.ID, "retry")

	rule.Description = "updated"
	rule.Enabled = false
	rule.Conditions = []RuleCondition{{Field: FieldEntityName, Operator: OpEquals, Value: "orders"}}
	require.NoError(t, store.UpdateRule(ctx, rule))

	loaded, err := store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", loaded.Description)
	assert.False(t, loaded.Enabled)
	assert.Equal(t, rule.Conditions, loaded.Conditions)

	missing := *rule
	missing.ID = "missing"
	err = store.UpdateRule(ctx, &missing)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestSetRuleEnabled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ns := seedNamespace(t, store, "prod-eu")
	rule := seedRule(t, store, &ns.ID, "retry")

	require.NoError(t, store.SetRuleEnabled(ctx, rule.ID, false))
	loaded, err := store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, loaded.Enabled)
}

func TestDeleteRuleKeepsHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ns := seedNamespace(t, store, "prod-eu")
	rule := seedRule(t, store, &ns.ID, "retry")
	msg := seedMessage(t, store, ns.ID, "orders", 1)

	require.NoError(t, store.AddReplayHistory(ctx, &ReplayHistory{
		DlqMessageID:     msg.ID,
		RuleID:           &rule.ID,
		ReplayedBy:       "auto-replay",
		ReplayStrategy:   StrategyOriginalEntity,
		ReplayedToEntity: "orders",
		OutcomeStatus:    OutcomeSuccess,
	}))

	require.NoError(t, store.DeleteRule(ctx, rule.ID))

	_, err := store.GetRule(ctx, rule.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	timeline, err := store.GetTimeline(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, timeline.History, 1)
	assert.Nil(t, timeline.History[0].RuleID, "history survives with the rule reference cleared")
}

func TestCountRuleReplaysSince(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ns := seedNamespace(t, store, "prod-eu")
	rule := seedRule(t, store, &ns.ID, "retry")
	msg := seedMessage(t, store, ns.ID, "orders", 1)

	now := time.Now().UTC().Truncate(time.Second)
	add := func(at time.Time, outcome OutcomeStatus) {
		require.NoError(t, store.AddReplayHistory(ctx, &ReplayHistory{
			DlqMessageID:     msg.ID,
			RuleID:           &rule.ID,
			ReplayedAt:       at,
			ReplayedBy:       "auto-replay",
			ReplayStrategy:   StrategyOriginalEntity,
			ReplayedToEntity: "orders",
			OutcomeStatus:    outcome,
		}))
	}

	add(now.Add(-2*time.Hour), OutcomeSuccess) // outside the window
	add(now.Add(-10*time.Minute), OutcomeSuccess)
	add(now.Add(-5*time.Minute), OutcomeFailed)
	add(now.Add(-time.Minute), OutcomeSkipped) // skips are free

	count, err := store.CountRuleReplaysSince(ctx, rule.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestIncrementRuleCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ns := seedNamespace(t, store, "prod-eu")
	rule := seedRule(t, store, &ns.ID, "retry")

	require.NoError(t, store.IncrementRuleCounters(ctx, rule.ID, 3, 2))
	require.NoError(t, store.IncrementRuleCounters(ctx, rule.ID, 1, 0))

	loaded, err := store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.MatchCount)
	assert.Equal(t, 2, loaded.SuccessCount)
	assert.Equal(t, rule.UpdatedAt.UTC(), loaded.UpdatedAt.UTC(), "counter bumps are not operator edits")

	err = store.IncrementRuleCounters(ctx, rule.ID, 1, 2)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	err = store.IncrementRuleCounters(ctx, "missing", 1, 1)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestRecordReplayOutcomes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ns := seedNamespace(t, store, "prod-eu")
	rule := seedRule(t, store, &ns.ID, "retry")

	succeeded := seedMessage(t, store, ns.ID, "orders", 1)
	failed := seedMessage(t, store, ns.ID, "orders", 2)
	skipped := seedMessage(t, store, ns.ID, "orders", 3)

	at := time.Now().UTC().Truncate(time.Second)
	outcomes := []ReplayOutcome{
		{
			DlqMessageID: succeeded.ID, RuleID: &rule.ID, ReplayedAt: at, ReplayedBy: "auto-replay",
			Strategy: StrategyBatch, ReplayedToEntity: "orders", Outcome: OutcomeSuccess,
		},
		{
			DlqMessageID: failed.ID, RuleID: &rule.ID, ReplayedAt: at, ReplayedBy: "auto-replay",
			Strategy: StrategyBatch, ReplayedToEntity: "orders", Outcome: OutcomeFailed,
			ErrorDetails: "send refused",
		},
		{
			DlqMessageID: skipped.ID, RuleID: &rule.ID, ReplayedAt: at, ReplayedBy: "auto-replay",
			Strategy: StrategyBatch, ReplayedToEntity: "orders", Outcome: OutcomeSkipped,
			ErrorDetails: "RateLimited",
		},
	}
	require.NoError(t, store.RecordReplayOutcomes(ctx, outcomes))

	for id, want := range map[string]MessageStatus{
		succeeded.ID: StatusReplayed,
		failed.ID:    StatusReplayFailed,
		skipped.ID:   StatusActive,
	} {
		timeline, err := store.GetTimeline(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, timeline.Message.Status)
		require.Len(t, timeline.History, 1)
	}

	timeline, err := store.GetTimeline(ctx, skipped.ID)
	require.NoError(t, err)
	require.NotNil(t, timeline.History[0].ErrorDetails)
	assert.Equal(t, "RateLimited", *timeline.History[0].ErrorDetails)

	loaded, err := store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.MatchCount)
	assert.Equal(t, 1, loaded.SuccessCount)
	assert.LessOrEqual(t, loaded.SuccessCount, loaded.MatchCount)

	assert.NoError(t, store.RecordReplayOutcomes(ctx, nil))
}
