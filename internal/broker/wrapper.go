package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog"

	"github.com/servicehub/backend/internal/apperr"
	"github.com/servicehub/backend/internal/config"
	"github.com/servicehub/backend/internal/metrics"
)

// ============================================================================
// SCAN LIMITS
// ============================================================================

const (
	// maxPeekBatch is the broker-side ceiling for one peek call.
	maxPeekBatch = 100

	// linkCloseTimeout bounds receiver and sender teardown.
	linkCloseTimeout = 10 * time.Second

	// settleTimeout bounds complete and abandon calls that must outlive
	// the caller's context.
	settleTimeout = 30 * time.Second
)

// Pass bounds one destructive scan of a dead-letter queue: how many
// batches to lock, how large each batch is, and how long to wait for one.
type Pass struct {
	MaxAttempts int
	BatchSize   int
	MaxWait     time.Duration
}

// Limits holds the scan budgets for the three destructive operations.
type Limits struct {
	SingleReplay Pass
	BatchReplay  Pass
	Purge        Pass
}

// LimitsFromConfig maps the replay and purge sections onto scan budgets.
// Purge has no wait of its own and borrows the single-replay wait.
func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		SingleReplay: Pass{
			MaxAttempts: cfg.Replay.Single.MaxAttempts,
			BatchSize:   cfg.Replay.Single.BatchSize,
			MaxWait:     cfg.Replay.Single.Wait(),
		},
		BatchReplay: Pass{
			MaxAttempts: cfg.Replay.Batch.MaxAttempts,
			BatchSize:   cfg.Replay.Batch.BatchSize,
			MaxWait:     cfg.Replay.Batch.Wait(),
		},
		Purge: Pass{
			MaxAttempts: cfg.Purge.MaxAttempts,
			BatchSize:   cfg.Purge.BatchSize,
			MaxWait:     cfg.Replay.Single.Wait(),
		},
	}
}

func (p Pass) orDefault(def Pass) Pass {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BatchSize <= 0 {
		p.BatchSize = def.BatchSize
	}
	if p.MaxWait <= 0 {
		p.MaxWait = def.MaxWait
	}
	return p
}

func (l Limits) withDefaults() Limits {
	l.SingleReplay = l.SingleReplay.orDefault(Pass{10, 50, 3 * time.Second})
	l.BatchReplay = l.BatchReplay.orDefault(Pass{10, 100, 5 * time.Second})
	l.Purge = l.Purge.orDefault(Pass{20, 100, 3 * time.Second})
	return l
}

// ============================================================================
// CLIENT WRAPPER
// ============================================================================

// ClientWrapper is the per-namespace handle for every broker operation.
// Receivers and senders are created per call; the management client is a
// lazy singleton. Safe for concurrent use until Close.
type ClientWrapper struct {
	namespaceID string
	fqns        string
	fingerprint string

	client messagingClient
	limits Limits

	adminMu  sync.Mutex
	admin    entityBrowser
	newAdmin func() (entityBrowser, error)

	mu       sync.RWMutex
	disposed bool

	log     zerolog.Logger
	metrics *metrics.Metrics
}

func newClientWrapper(namespaceID, fqns, fingerprint string, client messagingClient,
	newAdmin func() (entityBrowser, error), limits Limits, log zerolog.Logger, m *metrics.Metrics) *ClientWrapper {
	return &ClientWrapper{
		namespaceID: namespaceID,
		fqns:        fqns,
		fingerprint: fingerprint,
		client:      client,
		newAdmin:    newAdmin,
		limits:      limits.withDefaults(),
		log:         log.With().Str("namespace_id", namespaceID).Logger(),
		metrics:     m,
	}
}

// NamespaceID returns the owning namespace id.
func (w *ClientWrapper) NamespaceID() string { return w.namespaceID }

// Fingerprint identifies the credential this wrapper was built from.
func (w *ClientWrapper) Fingerprint() string { return w.fingerprint }

// FullyQualifiedNamespace returns the broker host this wrapper talks to.
func (w *ClientWrapper) FullyQualifiedNamespace() string { return w.fqns }

func (w *ClientWrapper) guard(op string) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.disposed {
		return apperr.New(apperr.KindServiceUnavailable, op, "client for namespace %s is disposed", w.namespaceID)
	}
	return nil
}

func (w *ClientWrapper) observe(op string, start time.Time, err *error) {
	if w.metrics == nil {
		return
	}
	kind := ""
	if *err != nil {
		kind = apperr.KindOf(*err).String()
	}
	w.metrics.RecordBrokerCall(op, time.Since(start), kind)
}

// ============================================================================
// PEEK AND SEND
// ============================================================================

// PeekMessages reads up to maxMessages (clamped to [1, 100]) without
// locking them. A non-nil fromSequence resumes strictly after that
// sequence number, so pages never overlap.
func (w *ClientWrapper) PeekMessages(ctx context.Context, entity, subscription string,
	fromDeadLetter bool, maxMessages int, fromSequence *int64) (msgs []Message, err error) {
	const op = "broker.PeekMessages"
	defer w.observe(op, time.Now(), &err)

	if err = w.guard(op); err != nil {
		return nil, err
	}
	if maxMessages < 1 {
		maxMessages = 1
	}
	if maxMessages > maxPeekBatch {
		maxMessages = maxPeekBatch
	}

	r, rerr := w.client.NewReceiver(entity, subscription, fromDeadLetter)
	if rerr != nil {
		err = translate(op, rerr)
		return nil, err
	}
	defer w.closeLink(ctx, r.Close, "receiver")

	opts := &azservicebus.PeekMessagesOptions{}
	if fromSequence != nil {
		next := *fromSequence + 1
		opts.FromSequenceNumber = &next
	}

	var received []*azservicebus.ReceivedMessage
	err = withRetry(ctx, op, func() error {
		var callErr error
		received, callErr = r.PeekMessages(ctx, maxMessages, opts)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	msgs = make([]Message, 0, len(received))
	for _, m := range received {
		msgs = append(msgs, messageFromReceived(m, fromDeadLetter))
	}
	return msgs, nil
}

// SendMessage publishes an operator-composed message to a live entity.
func (w *ClientWrapper) SendMessage(ctx context.Context, entity string, req SendRequest) (err error) {
	const op = "broker.SendMessage"
	defer w.observe(op, time.Now(), &err)

	if err = w.guard(op); err != nil {
		return err
	}
	if entity == "" {
		err = apperr.New(apperr.KindValidation, op, "entity name is required")
		return err
	}

	s, serr := w.client.NewSender(entity)
	if serr != nil {
		err = translate(op, serr)
		return err
	}
	defer w.closeLink(ctx, s.Close, "sender")

	msg := buildOutgoingMessage(&req)
	err = withRetry(ctx, op, func() error {
		return s.SendMessage(ctx, msg, nil)
	})
	return err
}

// ============================================================================
// REPLAY
// ============================================================================

// ReplayMessage moves one dead-lettered message back onto a live entity:
// the DLQ is drained in locked batches until the sequence number turns
// up, a clone with replay provenance is sent, and only then is the
// original completed. Everything else locked along the way is abandoned.
func (w *ClientWrapper) ReplayMessage(ctx context.Context, entity, subscription string,
	sequenceNumber int64, opts *ReplayOptions) (err error) {
	const op = "broker.ReplayMessage"
	defer w.observe(op, time.Now(), &err)

	if err = w.guard(op); err != nil {
		return err
	}

	target := entity
	if opts != nil && opts.TargetEntity != "" {
		target = opts.TargetEntity
	}

	r, rerr := w.client.NewReceiver(entity, subscription, true)
	if rerr != nil {
		err = translate(op, rerr)
		return err
	}
	defer w.closeLink(ctx, r.Close, "receiver")

	match, leftovers, scanErr := w.findBySequence(ctx, r, w.limits.SingleReplay, sequenceNumber)
	defer w.abandonAll(ctx, r, leftovers)
	if scanErr != nil {
		err = scanErr
		return err
	}
	if match == nil {
		err = apperr.New(apperr.KindNotFound, op,
			"sequence %d not found in dead-letter queue of %s", sequenceNumber, EntityPath(entity, subscription))
		return err
	}

	err = w.sendCloneAndComplete(ctx, op, r, match, target)
	return err
}

// ReplayMessages replays a batch of sequence numbers from one entity in
// a single drain: one receiver, one sender, per-sequence outcomes. The
// returned map has an entry only for sequences that failed; a missing
// key means the replay succeeded. The second return value reports setup
// failures that prevented the drain entirely.
func (w *ClientWrapper) ReplayMessages(ctx context.Context, entity, subscription string,
	sequenceNumbers []int64, opts *ReplayOptions) (results map[int64]error, err error) {
	const op = "broker.ReplayMessages"
	defer w.observe(op, time.Now(), &err)

	if err = w.guard(op); err != nil {
		return nil, err
	}
	results = make(map[int64]error, len(sequenceNumbers))
	if len(sequenceNumbers) == 0 {
		return results, nil
	}

	target := entity
	if opts != nil && opts.TargetEntity != "" {
		target = opts.TargetEntity
	}

	r, rerr := w.client.NewReceiver(entity, subscription, true)
	if rerr != nil {
		err = translate(op, rerr)
		return nil, err
	}
	defer w.closeLink(ctx, r.Close, "receiver")

	s, serr := w.client.NewSender(target)
	if serr != nil {
		err = translate(op, serr)
		return nil, err
	}
	defer w.closeLink(ctx, s.Close, "sender")

	pending := make(map[int64]struct{}, len(sequenceNumbers))
	for _, seq := range sequenceNumbers {
		pending[seq] = struct{}{}
	}
	found := make(map[int64]*azservicebus.ReceivedMessage, len(sequenceNumbers))

	var leftovers []*azservicebus.ReceivedMessage
	defer func() { w.abandonAll(ctx, r, leftovers) }()

	pass := w.limits.BatchReplay
	for attempt := 0; attempt < pass.MaxAttempts && len(pending) > 0; attempt++ {
		batch, rcvErr := w.receiveBatch(ctx, r, pass)
		if rcvErr != nil {
			err = rcvErr
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, m := range batch {
			seq := derefInt64(m.SequenceNumber)
			if _, wanted := pending[seq]; wanted {
				found[seq] = m
				delete(pending, seq)
			} else {
				leftovers = append(leftovers, m)
			}
		}
	}

	now := time.Now()
	handled := make(map[int64]bool, len(sequenceNumbers))
	for _, seq := range sequenceNumbers {
		if handled[seq] {
			continue
		}
		handled[seq] = true

		m, ok := found[seq]
		if !ok {
			results[seq] = apperr.New(apperr.KindNotFound, op, "sequence %d not in the dead-letter queue", seq)
			continue
		}

		clone := buildReplayMessage(m, now)
		if sendErr := withRetry(ctx, op, func() error {
			return s.SendMessage(ctx, clone, nil)
		}); sendErr != nil {
			results[seq] = sendErr
			w.abandonOne(ctx, r, m)
			continue
		}
		if completeErr := w.completeDetached(ctx, r, m); completeErr != nil {
			results[seq] = completeErr
		}
	}
	return results, nil
}

// sendCloneAndComplete publishes the replay clone and settles the locked
// original, in that order. Losing the clone loses the message, so the
// send happens first; a completion failure after a successful send means
// the original redelivers and the replay produces a duplicate.
func (w *ClientWrapper) sendCloneAndComplete(ctx context.Context, op string, r receiver,
	m *azservicebus.ReceivedMessage, target string) error {
	s, serr := w.client.NewSender(target)
	if serr != nil {
		w.abandonOne(ctx, r, m)
		return translate(op, serr)
	}
	defer w.closeLink(ctx, s.Close, "sender")

	clone := buildReplayMessage(m, time.Now())
	if err := withRetry(ctx, op, func() error {
		return s.SendMessage(ctx, clone, nil)
	}); err != nil {
		w.abandonOne(ctx, r, m)
		return err
	}

	return w.completeDetached(ctx, r, m)
}

// ============================================================================
// PURGE
// ============================================================================

// PurgeMessage removes one message for good by completing it without a
// resend. The purge scan budget is wider than replay's because purges
// target deep entries more often.
func (w *ClientWrapper) PurgeMessage(ctx context.Context, entity, subscription string,
	sequenceNumber int64, fromDeadLetter bool) (err error) {
	const op = "broker.PurgeMessage"
	defer w.observe(op, time.Now(), &err)

	if err = w.guard(op); err != nil {
		return err
	}

	r, rerr := w.client.NewReceiver(entity, subscription, fromDeadLetter)
	if rerr != nil {
		err = translate(op, rerr)
		return err
	}
	defer w.closeLink(ctx, r.Close, "receiver")

	match, leftovers, scanErr := w.findBySequence(ctx, r, w.limits.Purge, sequenceNumber)
	defer w.abandonAll(ctx, r, leftovers)
	if scanErr != nil {
		err = scanErr
		return err
	}
	if match == nil {
		err = apperr.New(apperr.KindNotFound, op,
			"sequence %d not found in %s", sequenceNumber, EntityPath(entity, subscription))
		return err
	}

	err = withRetry(ctx, op, func() error {
		return r.CompleteMessage(ctx, match, nil)
	})
	return err
}

// ============================================================================
// SCAN HELPERS
// ============================================================================

// receiveBatch locks up to one batch of messages. A wait that elapses
// with nothing available is an empty batch, not an error; the caller's
// own cancellation still surfaces.
func (w *ClientWrapper) receiveBatch(ctx context.Context, r receiver, pass Pass) ([]*azservicebus.ReceivedMessage, error) {
	waitCtx, cancel := context.WithTimeout(ctx, pass.MaxWait)
	defer cancel()

	batch, err := r.ReceiveMessages(waitCtx, pass.BatchSize, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil
		}
		return nil, translate("broker.ReceiveMessages", err)
	}
	return batch, nil
}

// findBySequence drains the queue in locked batches until the wanted
// sequence number turns up or the attempt budget runs out. Every other
// message locked along the way is returned for abandonment.
func (w *ClientWrapper) findBySequence(ctx context.Context, r receiver, pass Pass,
	sequenceNumber int64) (*azservicebus.ReceivedMessage, []*azservicebus.ReceivedMessage, error) {
	var leftovers []*azservicebus.ReceivedMessage
	for attempt := 0; attempt < pass.MaxAttempts; attempt++ {
		batch, err := w.receiveBatch(ctx, r, pass)
		if err != nil {
			return nil, leftovers, err
		}
		if len(batch) == 0 {
			break
		}
		for i, m := range batch {
			if derefInt64(m.SequenceNumber) == sequenceNumber {
				leftovers = append(leftovers, batch[i+1:]...)
				return m, leftovers, nil
			}
			leftovers = append(leftovers, m)
		}
	}
	return nil, leftovers, nil
}

// completeDetached settles a message whose clone is already on its way.
// The caller's cancellation must not strand the lock, so settlement runs
// on a detached context with its own deadline.
func (w *ClientWrapper) completeDetached(ctx context.Context, r receiver, m *azservicebus.ReceivedMessage) error {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := r.CompleteMessage(settleCtx, m, nil); err != nil {
		return translate("broker.CompleteMessage", err)
	}
	return nil
}

// abandonOne releases a lock early so the message is visible again
// immediately instead of after the lock expires. Best effort.
func (w *ClientWrapper) abandonOne(ctx context.Context, r receiver, m *azservicebus.ReceivedMessage) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := r.AbandonMessage(settleCtx, m, nil); err != nil {
		w.log.Warn().Err(err).
			Int64("sequence_number", derefInt64(m.SequenceNumber)).
			Msg("abandon failed, lock will expire on its own")
	}
}

func (w *ClientWrapper) abandonAll(ctx context.Context, r receiver, msgs []*azservicebus.ReceivedMessage) {
	for _, m := range msgs {
		w.abandonOne(ctx, r, m)
	}
}

func (w *ClientWrapper) closeLink(ctx context.Context, closeFn func(context.Context) error, what string) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), linkCloseTimeout)
	defer cancel()
	if err := closeFn(closeCtx); err != nil {
		w.log.Warn().Err(err).Str("link", what).Msg("link close failed")
	}
}

// ============================================================================
// ENTITY METADATA
// ============================================================================

// adminClient builds the management client on first use and reuses it
// for the wrapper's lifetime.
func (w *ClientWrapper) adminClient() (entityBrowser, error) {
	w.adminMu.Lock()
	defer w.adminMu.Unlock()
	if w.admin != nil {
		return w.admin, nil
	}
	a, err := w.newAdmin()
	if err != nil {
		return nil, err
	}
	w.admin = a
	return a, nil
}

// GetQueues lists every queue with live runtime counters.
func (w *ClientWrapper) GetQueues(ctx context.Context) (queues []QueueInfo, err error) {
	const op = "broker.GetQueues"
	defer w.observe(op, time.Now(), &err)

	if err = w.guard(op); err != nil {
		return nil, err
	}
	a, aerr := w.adminClient()
	if aerr != nil {
		err = translate(op, aerr)
		return nil, err
	}
	err = withRetry(ctx, op, func() error {
		var callErr error
		queues, callErr = a.ListQueues(ctx)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return queues, nil
}

// GetQueue returns one queue with live runtime counters.
func (w *ClientWrapper) GetQueue(ctx context.Context, name string) (queue *QueueInfo, err error) {
	const op = "broker.GetQueue"
	defer w.observe(op, time.Now(), &err)

	if err = w.guard(op); err != nil {
		return nil, err
	}
	a, aerr := w.adminClient()
	if aerr != nil {
		err = translate(op, aerr)
		return nil, err
	}
	err = withRetry(ctx, op, func() error {
		var callErr error
		queue, callErr = a.GetQueue(ctx, name)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return queue, nil
}

// GetTopics lists every topic with live runtime counters.
func (w *ClientWrapper) GetTopics(ctx context.Context) (topics []TopicInfo, err error) {
	const op = "broker.GetTopics"
	defer w.observe(op, time.Now(), &err)

	if err = w.guard(op); err != nil {
		return nil, err
	}
	a, aerr := w.adminClient()
	if aerr != nil {
		err = translate(op, aerr)
		return nil, err
	}
	err = withRetry(ctx, op, func() error {
		var callErr error
		topics, callErr = a.ListTopics(ctx)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return topics, nil
}

// GetTopic returns one topic with live runtime counters.
func (w *ClientWrapper) GetTopic(ctx context.Context, name string) (topic *TopicInfo, err error) {
	const op = "broker.GetTopic"
	defer w.observe(op, time.Now(), &err)

	if err = w.guard(op); err != nil {
		return nil, err
	}
	a, aerr := w.adminClient()
	if aerr != nil {
		err = translate(op, aerr)
		return nil, err
	}
	err = withRetry(ctx, op, func() error {
		var callErr error
		topic, callErr = a.GetTopic(ctx, name)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return topic, nil
}

// GetSubscriptions lists a topic's subscriptions with runtime counters.
func (w *ClientWrapper) GetSubscriptions(ctx context.Context, topic string) (subs []SubscriptionInfo, err error) {
	const op = "broker.GetSubscriptions"
	defer w.observe(op, time.Now(), &err)

	if err = w.guard(op); err != nil {
		return nil, err
	}
	a, aerr := w.adminClient()
	if aerr != nil {
		err = translate(op, aerr)
		return nil, err
	}
	err = withRetry(ctx, op, func() error {
		var callErr error
		subs, callErr = a.ListSubscriptions(ctx, topic)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// GetSubscription returns one subscription with runtime counters.
func (w *ClientWrapper) GetSubscription(ctx context.Context, topic, name string) (sub *SubscriptionInfo, err error) {
	const op = "broker.GetSubscription"
	defer w.observe(op, time.Now(), &err)

	if err = w.guard(op); err != nil {
		return nil, err
	}
	a, aerr := w.adminClient()
	if aerr != nil {
		err = translate(op, aerr)
		return nil, err
	}
	err = withRetry(ctx, op, func() error {
		var callErr error
		sub, callErr = a.GetSubscription(ctx, topic, name)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// TestConnection reports whether the wrapper is usable without touching
// the broker. SDK clients connect lazily, so reachability shows up on
// the first real operation.
func (w *ClientWrapper) TestConnection(ctx context.Context) error {
	const op = "broker.TestConnection"
	if err := w.guard(op); err != nil {
		return err
	}
	if w.fqns == "" {
		return apperr.New(apperr.KindValidation, op, "namespace endpoint is empty")
	}
	return nil
}

// Close disposes the wrapper. Safe to call more than once; operations
// after the first call fail with ServiceUnavailable.
func (w *ClientWrapper) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return nil
	}
	w.disposed = true
	w.mu.Unlock()

	return w.client.Close(ctx)
}
