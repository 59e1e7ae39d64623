// Package scanner polls every active namespace's dead-letter queues and
// keeps the tracked message store in sync with what the broker holds.
package scanner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/servicehub/backend/internal/apperr"
	"github.com/servicehub/backend/internal/broker"
	"github.com/servicehub/backend/internal/metrics"
	"github.com/servicehub/backend/internal/storage"
)

// maxBodyPreview bounds how much of a message body is persisted.
const maxBodyPreview = 4096

// Store is the persistence surface the scanner writes through.
type Store interface {
	GetActiveNamespaces(ctx context.Context) ([]storage.Namespace, error)
	UpsertObserved(ctx context.Context, obs storage.Observation) (bool, error)
	GetActiveSequenceNumbers(ctx context.Context, namespaceID, entityName string) ([]int64, error)
	MarkResolved(ctx context.Context, namespaceID, entityName string, notSeen []int64, cutoff time.Time) (int, error)
}

// BrokerClient is the slice of the client wrapper the scanner reads with.
type BrokerClient interface {
	GetQueues(ctx context.Context) ([]broker.QueueInfo, error)
	GetTopics(ctx context.Context) ([]broker.TopicInfo, error)
	GetSubscriptions(ctx context.Context, topic string) ([]broker.SubscriptionInfo, error)
	PeekMessages(ctx context.Context, entity, subscription string, fromDeadLetter bool, maxMessages int, fromSequence *int64) ([]broker.Message, error)
}

// ClientSource hands out broker clients per namespace.
type ClientSource interface {
	ForNamespace(ctx context.Context, ns *storage.Namespace) (BrokerClient, error)
}

// ClientSourceFunc adapts a closure to ClientSource.
type ClientSourceFunc func(ctx context.Context, ns *storage.Namespace) (BrokerClient, error)

func (f ClientSourceFunc) ForNamespace(ctx context.Context, ns *storage.Namespace) (BrokerClient, error) {
	return f(ctx, ns)
}

// Options tune the scan loop. Zero values fall back to defaults.
type Options struct {
	Interval       time.Duration
	MaxPeek        int
	FanOut         int
	StaleThreshold time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.MaxPeek <= 0 || o.MaxPeek > 100 {
		o.MaxPeek = 100
	}
	if o.FanOut <= 0 {
		o.FanOut = 4
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 2 * o.Interval
	}
	return o
}

// ============================================================================
// SCANNER
// ============================================================================

// Scanner runs the periodic DLQ sweep. One pass enumerates the entities
// of every active namespace, peeks their dead-letter queues, upserts what
// it sees, and resolves tracked messages that are no longer there.
type Scanner struct {
	store   Store
	clients ClientSource
	opts    Options

	// afterScan runs at the end of every completed pass, on the pass's
	// context. Used to chain rule evaluation onto fresh observations.
	afterScan func(ctx context.Context)

	scanMu sync.Mutex

	stopCh    chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New builds a scanner; call Start to begin ticking.
func New(store Store, clients ClientSource, opts Options, log zerolog.Logger, m *metrics.Metrics) *Scanner {
	return &Scanner{
		store:   store,
		clients: clients,
		opts:    opts.withDefaults(),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		log:     log,
		metrics: m,
	}
}

// SetAfterScan registers the post-pass hook. Must be called before Start.
func (s *Scanner) SetAfterScan(fn func(ctx context.Context)) {
	s.afterScan = fn
}

// Start launches the scan loop.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.log.Info().
			Dur("interval", s.opts.Interval).
			Int("max_peek", s.opts.MaxPeek).
			Int("fan_out", s.opts.FanOut).
			Dur("stale_threshold", s.opts.StaleThreshold).
			Msg("dlq scanner started")
		go s.run()
	})
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
	s.log.Info().Msg("dlq scanner stopped")
}

func (s *Scanner) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.scan(context.Background(), ""); err != nil {
				s.log.Error().Err(err).Msg("scan pass failed")
			}
		}
	}
}

// ScanNow runs one pass immediately, serialized against the ticker, and
// returns how many previously untracked messages were inserted. A
// namespace id narrows the pass to that namespace; empty scans them all.
func (s *Scanner) ScanNow(ctx context.Context, namespaceID string) (int, error) {
	return s.scan(ctx, namespaceID)
}

func (s *Scanner) scan(ctx context.Context, namespaceID string) (int, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	start := time.Now()
	cutoff := start.Add(-s.opts.StaleThreshold)

	namespaces, err := s.store.GetActiveNamespaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active namespaces: %w", err)
	}
	if namespaceID != "" {
		namespaces = keepNamespace(namespaces, namespaceID)
		if len(namespaces) == 0 {
			return 0, apperr.New(apperr.KindNotFound, "scanner.ScanNow", "no active namespace %s", namespaceID)
		}
	}

	var inserted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.FanOut)

	for i := range namespaces {
		ns := namespaces[i]
		g.Go(func() error {
			n, scanErr := s.scanNamespace(gctx, &ns, cutoff)
			if scanErr != nil {
				// One namespace failing never aborts the pass.
				s.log.Warn().Err(scanErr).
					Str("namespace_id", ns.ID).
					Str("namespace", ns.Name).
					Msg("namespace scan failed")
				s.recordScanError(ns.Name)
				return nil
			}
			inserted.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()

	if s.metrics != nil {
		s.metrics.RecordScan(time.Since(start))
	}
	s.log.Debug().
		Int("namespaces", len(namespaces)).
		Int64("inserted", inserted.Load()).
		Dur("took", time.Since(start)).
		Msg("scan pass complete")

	if s.afterScan != nil && ctx.Err() == nil {
		s.afterScan(ctx)
	}
	return int(inserted.Load()), nil
}

func (s *Scanner) scanNamespace(ctx context.Context, ns *storage.Namespace, cutoff time.Time) (int, error) {
	client, err := s.clients.ForNamespace(ctx, ns)
	if err != nil {
		return 0, fmt.Errorf("acquire client: %w", err)
	}

	entities, err := s.listDeadLetterSources(ctx, client, ns.Name)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, ent := range entities {
		n, entErr := s.scanEntity(ctx, client, ns, ent, cutoff)
		if entErr != nil {
			s.log.Warn().Err(entErr).
				Str("namespace", ns.Name).
				Str("entity", ent.path).
				Msg("entity scan failed")
			s.recordScanError(ns.Name)
			continue
		}
		inserted += n
	}
	return inserted, nil
}

// dlqEntity is one scannable dead-letter source.
type dlqEntity struct {
	entity       string // queue or topic name
	subscription string // empty for queues
	path         string // tracked entity name
	topicName    string // set for subscriptions
	entityType   storage.EntityType
	dlqCount     int32
}

// listDeadLetterSources enumerates every queue and subscription. Entities
// with an empty DLQ are included so their tracked messages can resolve.
func (s *Scanner) listDeadLetterSources(ctx context.Context, client BrokerClient, namespace string) ([]dlqEntity, error) {
	queues, err := client.GetQueues(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	topics, err := client.GetTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}

	out := make([]dlqEntity, 0, len(queues))
	for _, q := range queues {
		out = append(out, dlqEntity{
			entity:     q.Name,
			path:       q.Name,
			entityType: storage.EntityQueue,
			dlqCount:   q.DeadLetterMessageCount,
		})
	}
	for _, tp := range topics {
		subs, subErr := client.GetSubscriptions(ctx, tp.Name)
		if subErr != nil {
			s.log.Warn().Err(subErr).
				Str("namespace", namespace).
				Str("topic", tp.Name).
				Msg("list subscriptions failed")
			s.recordScanError(namespace)
			continue
		}
		for _, sub := range subs {
			out = append(out, dlqEntity{
				entity:       tp.Name,
				subscription: sub.Name,
				path:         broker.EntityPath(tp.Name, sub.Name),
				topicName:    tp.Name,
				entityType:   storage.EntitySubscription,
				dlqCount:     sub.DeadLetterMessageCount,
			})
		}
	}
	return out, nil
}

// scanEntity peeks one DLQ, upserts what it sees, and resolves tracked
// messages that are gone. Entities reporting zero dead-lettered messages
// skip the peek but still resolve.
func (s *Scanner) scanEntity(ctx context.Context, client BrokerClient, ns *storage.Namespace,
	ent dlqEntity, cutoff time.Time) (int, error) {
	observedAt := time.Now().UTC()

	inserted := 0
	var seen map[int64]struct{}

	if ent.dlqCount > 0 {
		msgs, err := client.PeekMessages(ctx, ent.entity, ent.subscription, true, s.opts.MaxPeek, nil)
		if err != nil {
			return 0, fmt.Errorf("peek dead-letter queue: %w", err)
		}
		seen = make(map[int64]struct{}, len(msgs))
		for i := range msgs {
			m := &msgs[i]
			seen[m.SequenceNumber] = struct{}{}

			isNew, upsertErr := s.store.UpsertObserved(ctx, observationFrom(ns.ID, ent, m, observedAt))
			if upsertErr != nil {
				return inserted, fmt.Errorf("upsert sequence %d: %w", m.SequenceNumber, upsertErr)
			}
			if isNew {
				inserted++
			}
		}
		if s.metrics != nil {
			s.metrics.MessagesUpserted.Add(float64(len(msgs)))
		}
	}
	if s.metrics != nil {
		s.metrics.EntitiesScanned.Inc()
	}

	tracked, err := s.store.GetActiveSequenceNumbers(ctx, ns.ID, ent.path)
	if err != nil {
		return inserted, fmt.Errorf("load tracked sequences: %w", err)
	}
	notSeen := make([]int64, 0, len(tracked))
	for _, seq := range tracked {
		if _, ok := seen[seq]; !ok {
			notSeen = append(notSeen, seq)
		}
	}

	resolved, err := s.store.MarkResolved(ctx, ns.ID, ent.path, notSeen, cutoff)
	if err != nil {
		return inserted, fmt.Errorf("resolve vanished messages: %w", err)
	}
	if resolved > 0 {
		if s.metrics != nil {
			s.metrics.MessagesResolved.Add(float64(resolved))
		}
		s.log.Info().
			Str("namespace", ns.Name).
			Str("entity", ent.path).
			Int("resolved", resolved).
			Msg("tracked messages left the dead-letter queue")
	}
	return inserted, nil
}

func (s *Scanner) recordScanError(namespace string) {
	if s.metrics != nil {
		s.metrics.RecordScanError(namespace)
	}
}

func keepNamespace(namespaces []storage.Namespace, id string) []storage.Namespace {
	for i := range namespaces {
		if namespaces[i].ID == id {
			return namespaces[i : i+1]
		}
	}
	return nil
}

func observationFrom(namespaceID string, ent dlqEntity, m *broker.Message, observedAt time.Time) storage.Observation {
	var topicName *string
	if ent.entityType == storage.EntitySubscription {
		name := ent.topicName
		topicName = &name
	}
	return storage.Observation{
		NamespaceID:                namespaceID,
		EntityName:                 ent.path,
		TopicName:                  topicName,
		EntityType:                 ent.entityType,
		BrokerMessageID:            m.MessageID,
		SequenceNumber:             m.SequenceNumber,
		EnqueuedTime:               m.EnqueuedTime,
		DeadLetterReason:           m.DeadLetterReason,
		DeadLetterErrorDescription: m.DeadLetterErrorDescription,
		DeliveryCount:              m.DeliveryCount,
		BodyPreview:                bodyPreview(m.Body),
		ContentType:                m.ContentType,
		CustomPropertiesJSON:       m.PropertiesJSON(),
		ObservedAt:                 observedAt,
	}
}

// bodyPreview keeps the first 4 KiB of the body as valid UTF-8. A rune
// split by the cut is replaced, not carried over broken.
func bodyPreview(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if len(body) > maxBodyPreview {
		body = body[:maxBodyPreview]
	}
	return strings.ToValidUTF8(string(body), "�")
}
