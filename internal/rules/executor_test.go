package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicehub/backend/internal/apperr"
	"github.com/servicehub/backend/internal/broker"
	"github.com/servicehub/backend/internal/storage"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeRuleStore struct {
	mu sync.Mutex

	rules     []storage.AutoReplayRule
	active    []storage.DlqMessage
	activeErr error

	used     int
	countErr error

	recorded  [][]storage.ReplayOutcome
	recordErr error
}

func (f *fakeRuleStore) GetRule(_ context.Context, id string) (*storage.AutoReplayRule, error) {
	for i := range f.rules {
		if f.rules[i].ID == id {
			rule := f.rules[i]
			return &rule, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "storage.GetRule", "rule not found")
}

func (f *fakeRuleStore) ListRules(context.Context, *string) ([]storage.AutoReplayRule, error) {
	return f.rules, nil
}

func (f *fakeRuleStore) GetActiveMessages(_ context.Context, namespaceID *string) ([]storage.DlqMessage, error) {
	if f.activeErr != nil {
		return nil, f.activeErr
	}
	if namespaceID == nil {
		return f.active, nil
	}
	var scoped []storage.DlqMessage
	for _, msg := range f.active {
		if msg.NamespaceID == *namespaceID {
			scoped = append(scoped, msg)
		}
	}
	return scoped, nil
}

func (f *fakeRuleStore) CountRuleReplaysSince(context.Context, string, time.Time) (int, error) {
	return f.used, f.countErr
}

func (f *fakeRuleStore) RecordReplayOutcomes(_ context.Context, outcomes []storage.ReplayOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.recordErr != nil {
		return f.recordErr
	}
	f.recorded = append(f.recorded, append([]storage.ReplayOutcome(nil), outcomes...))
	return nil
}

func (f *fakeRuleStore) allOutcomes() []storage.ReplayOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	var flat []storage.ReplayOutcome
	for _, batch := range f.recorded {
		flat = append(flat, batch...)
	}
	return flat
}

type replayCall struct {
	entity       string
	subscription string
	sequence     int64
	target       string
}

type batchCall struct {
	entity       string
	subscription string
	sequences    []int64
	target       string
}

type fakeReplayClient struct {
	mu sync.Mutex

	calls []replayCall
	err   error

	batchCalls   []batchCall
	batchResults map[int64]error
	batchErr     error
}

func (f *fakeReplayClient) ReplayMessage(_ context.Context, entity, subscription string, seq int64, opts *broker.ReplayOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := ""
	if opts != nil {
		target = opts.TargetEntity
	}
	f.calls = append(f.calls, replayCall{entity, subscription, seq, target})
	return f.err
}

func (f *fakeReplayClient) ReplayMessages(_ context.Context, entity, subscription string, seqs []int64, opts *broker.ReplayOptions) (map[int64]error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := ""
	if opts != nil {
		target = opts.TargetEntity
	}
	f.batchCalls = append(f.batchCalls, batchCall{entity, subscription, append([]int64(nil), seqs...), target})
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	return f.batchResults, nil
}

func sourceOf(clients map[string]*fakeReplayClient, errs map[string]error) ClientSource {
	return ClientSourceFunc(func(_ context.Context, namespaceID string) (ReplayClient, error) {
		if err := errs[namespaceID]; err != nil {
			return nil, err
		}
		if c := clients[namespaceID]; c != nil {
			return c, nil
		}
		return nil, apperr.New(apperr.KindNotFound, "test", "no client configured")
	})
}

func activeQueueMessage(id, namespaceID, entity string, seq int64) storage.DlqMessage {
	return storage.DlqMessage{
		ID:               id,
		NamespaceID:      namespaceID,
		EntityName:       entity,
		EntityType:       storage.EntityQueue,
		BrokerMessageID:  "b-" + id,
		SequenceNumber:   seq,
		DeadLetterReason: "MaxDeliveryCountExceeded",
		DeliveryCount:    10,
		Status:           storage.StatusActive,
	}
}

func autoRule(id string, namespaceID *string, maxPerHour int) storage.AutoReplayRule {
	return storage.AutoReplayRule{
		ID:          id,
		NamespaceID: namespaceID,
		Name:        "rule " + id,
		Enabled:     true,
		Action:      storage.RuleAction{AutoReplay: true, MaxReplaysPerHour: maxPerHour},
	}
}

func newTestExecutor(store *fakeRuleStore, source ClientSource) *Executor {
	return NewExecutor(store, source, zerolog.Nop(), nil)
}

// ============================================================================
// TESTS
// ============================================================================

func TestExecuteReplaysQueueMessage(t *testing.T) {
	store := &fakeRuleStore{}
	client := &fakeReplayClient{}
	exec := newTestExecutor(store, sourceOf(map[string]*fakeReplayClient{"ns-1": client}, nil))

	rule := autoRule("rule-1", nil, 100)
	msg := activeQueueMessage("dlq-1", "ns-1", "orders", 42)

	out, err := exec.Execute(context.Background(), &rule, &msg)
	require.NoError(t, err)

	require.Len(t, client.calls, 1)
	assert.Equal(t, replayCall{entity: "orders", sequence: 42}, client.calls[0])

	assert.Equal(t, storage.OutcomeSuccess, out.Outcome)
	assert.Equal(t, "orders", out.ReplayedToEntity)
	assert.Equal(t, storage.StrategyOriginalEntity, out.Strategy)
	assert.Equal(t, "auto-replay", out.ReplayedBy)
	require.NotNil(t, out.RuleID)
	assert.Equal(t, "rule-1", *out.RuleID)

	require.Len(t, store.recorded, 1, "one transaction per execution")
	assert.Equal(t, *out, store.recorded[0][0])
}

func TestExecuteSubscriptionReturnsToTopic(t *testing.T) {
	store := &fakeRuleStore{}
	client := &fakeReplayClient{}
	exec := newTestExecutor(store, sourceOf(map[string]*fakeReplayClient{"ns-1": client}, nil))

	rule := autoRule("rule-1", nil, 100)
	msg := *trackedMessage() // events/subscriptions/audit on topic events

	out, err := exec.Execute(context.Background(), &rule, &msg)
	require.NoError(t, err)

	require.Len(t, client.calls, 1)
	assert.Equal(t, "events", client.calls[0].entity)
	assert.Equal(t, "audit", client.calls[0].subscription)
	assert.Empty(t, client.calls[0].target, "no override: the clone returns to the topic")
	assert.Equal(t, "events", out.ReplayedToEntity)
	assert.Equal(t, storage.StrategyOriginalEntity, out.Strategy)
}

func TestExecuteTargetOverride(t *testing.T) {
	store := &fakeRuleStore{}
	client := &fakeReplayClient{}
	exec := newTestExecutor(store, sourceOf(map[string]*fakeReplayClient{"ns-1": client}, nil))

	rule := autoRule("rule-1", nil, 100)
	rule.Action.TargetEntity = "orders-live"
	msg := activeQueueMessage("dlq-1", "ns-1", "orders", 42)

	out, err := exec.Execute(context.Background(), &rule, &msg)
	require.NoError(t, err)

	require.Len(t, client.calls, 1)
	assert.Equal(t, "orders", client.calls[0].entity, "the DLQ is still read from the source entity")
	assert.Equal(t, "orders-live", client.calls[0].target)
	assert.Equal(t, "orders-live", out.ReplayedToEntity)
	assert.Equal(t, storage.StrategyAlternateEntity, out.Strategy)
}

func TestExecuteRateLimitedSkipsBrokerEntirely(t *testing.T) {
	store := &fakeRuleStore{used: 5}
	client := &fakeReplayClient{}
	exec := newTestExecutor(store, sourceOf(map[string]*fakeReplayClient{"ns-1": client}, nil))

	rule := autoRule("rule-1", nil, 5)
	msg := activeQueueMessage("dlq-1", "ns-1", "orders", 42)

	out, err := exec.Execute(context.Background(), &rule, &msg)
	require.NoError(t, err)

	assert.Empty(t, client.calls, "a saturated rule never reaches the broker")
	assert.Equal(t, storage.OutcomeSkipped, out.Outcome)
	assert.Equal(t, "RateLimited", out.ErrorDetails)
	require.Len(t, store.recorded, 1, "the skip is still persisted")
}

func TestExecuteRecordsVanishedMessageAsError(t *testing.T) {
	store := &fakeRuleStore{}
	client := &fakeReplayClient{err: apperr.New(apperr.KindNotFound, "broker.ReplayMessage", "sequence 42 not found")}
	exec := newTestExecutor(store, sourceOf(map[string]*fakeReplayClient{"ns-1": client}, nil))

	rule := autoRule("rule-1", nil, 100)
	msg := activeQueueMessage("dlq-1", "ns-1", "orders", 42)

	out, err := exec.Execute(context.Background(), &rule, &msg)
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeError, out.Outcome)
	assert.Equal(t, "MessageNotFound", out.ErrorDetails)
}

func TestExecuteRecordsBrokerFailure(t *testing.T) {
	store := &fakeRuleStore{}
	client := &fakeReplayClient{err: errors.New("send failed: link detached")}
	exec := newTestExecutor(store, sourceOf(map[string]*fakeReplayClient{"ns-1": client}, nil))

	rule := autoRule("rule-1", nil, 100)
	msg := activeQueueMessage("dlq-1", "ns-1", "orders", 42)

	out, err := exec.Execute(context.Background(), &rule, &msg)
	require.NoError(t, err)
	assert.Equal(t, storage.OutcomeFailed, out.Outcome)
	assert.Contains(t, out.ErrorDetails, "link detached")
}

func TestExecuteDelayHonorsCancellation(t *testing.T) {
	store := &fakeRuleStore{}
	client := &fakeReplayClient{}
	exec := newTestExecutor(store, sourceOf(map[string]*fakeReplayClient{"ns-1": client}, nil))

	rule := autoRule("rule-1", nil, 100)
	rule.Action.DelaySeconds = 30
	msg := activeQueueMessage("dlq-1", "ns-1", "orders", 42)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := exec.Execute(ctx, &rule, &msg)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, client.calls)
	assert.Empty(t, store.recorded, "a cancelled delay leaves the message untouched")
}

func TestExecuteClientFailureRecordsNothing(t *testing.T) {
	store := &fakeRuleStore{}
	exec := newTestExecutor(store, sourceOf(nil, map[string]error{
		"ns-1": apperr.New(apperr.KindDecryptFailed, "secrets.Decrypt", "authentication failed"),
	}))

	rule := autoRule("rule-1", nil, 100)
	msg := activeQueueMessage("dlq-1", "ns-1", "orders", 42)

	_, err := exec.Execute(context.Background(), &rule, &msg)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindDecryptFailed))
	assert.Empty(t, store.recorded, "the message stays Active for the next pass")
}

func TestExecuteSurfacesBudgetQueryFailure(t *testing.T) {
	store := &fakeRuleStore{countErr: errors.New("database is locked")}
	client := &fakeReplayClient{}
	exec := newTestExecutor(store, sourceOf(map[string]*fakeReplayClient{"ns-1": client}, nil))

	rule := autoRule("rule-1", nil, 100)
	msg := activeQueueMessage("dlq-1", "ns-1", "orders", 42)

	_, err := exec.Execute(context.Background(), &rule, &msg)
	require.Error(t, err)
	assert.Empty(t, client.calls)
}

func TestExecuteSurfacesRecordFailure(t *testing.T) {
	store := &fakeRuleStore{recordErr: errors.New("disk full")}
	client := &fakeReplayClient{}
	exec := newTestExecutor(store, sourceOf(map[string]*fakeReplayClient{"ns-1": client}, nil))

	rule := autoRule("rule-1", nil, 100)
	msg := activeQueueMessage("dlq-1", "ns-1", "orders", 42)

	_, err := exec.Execute(context.Background(), &rule, &msg)
	require.Error(t, err)
	require.Len(t, client.calls, 1, "the replay itself went out before persistence failed")
}
