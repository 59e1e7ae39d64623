package storage

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/servicehub/backend/internal/apperr"
	"github.com/servicehub/backend/internal/classify"
)

// ============================================================================
// DLQ MESSAGE TRACKING
// ============================================================================

// UpsertObserved records one scanner sighting. A new (namespace, entity,
// sequence) key inserts an Active row; an existing key refreshes
// last_seen_at, reason, description, delivery count, and the derived
// failure category. Status is never touched on the update path, so
// terminal rows stay terminal. Returns true when a row was inserted.
func (s *Store) UpsertObserved(ctx context.Context, obs Observation) (bool, error) {
	const op = "storage.UpsertObserved"

	if obs.NamespaceID == "" || obs.EntityName == "" {
		return false, apperr.New(apperr.KindValidation, op, "namespace id and entity name are required")
	}

	observedAt := obs.ObservedAt.UTC()
	category := classify.Categorize(obs.DeadLetterReason)

	var inserted bool
	err := s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		var existingID string
		err := tx.GetContext(ctx, &existingID, `
			SELECT id FROM dlq_messages
			WHERE namespace_id = ? AND entity_name = ? AND sequence_number = ?`,
			obs.NamespaceID, obs.EntityName, obs.SequenceNumber)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			row := DlqMessage{
				ID:                         uuid.NewString(),
				NamespaceID:                obs.NamespaceID,
				EntityName:                 obs.EntityName,
				TopicName:                  obs.TopicName,
				EntityType:                 obs.EntityType,
				BrokerMessageID:            obs.BrokerMessageID,
				SequenceNumber:             obs.SequenceNumber,
				EnqueuedTime:               utcOrNil(obs.EnqueuedTime),
				DeadLetterReason:           obs.DeadLetterReason,
				DeadLetterErrorDescription: obs.DeadLetterErrorDescription,
				FailureCategory:            category,
				DeliveryCount:              obs.DeliveryCount,
				BodyPreview:                obs.BodyPreview,
				ContentType:                obs.ContentType,
				CustomPropertiesJSON:       orEmptyJSON(obs.CustomPropertiesJSON),
				Status:                     StatusActive,
				FirstSeenAt:                observedAt,
				LastSeenAt:                 observedAt,
			}
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO dlq_messages (
					id, namespace_id, entity_name, topic_name, entity_type, broker_message_id,
					sequence_number, enqueued_time, dead_letter_reason, dead_letter_error_description,
					failure_category, delivery_count, body_preview, content_type, custom_properties_json,
					status, replay_success, replayed_at, first_seen_at, last_seen_at
				) VALUES (
					:id, :namespace_id, :entity_name, :topic_name, :entity_type, :broker_message_id,
					:sequence_number, :enqueued_time, :dead_letter_reason, :dead_letter_error_description,
					:failure_category, :delivery_count, :body_preview, :content_type, :custom_properties_json,
					:status, :replay_success, :replayed_at, :first_seen_at, :last_seen_at
				)`, row); err != nil {
				return apperr.Wrap(apperr.KindInternal, op, err)
			}
			inserted = true
			return nil

		case err != nil:
			return apperr.Wrap(apperr.KindInternal, op, err)

		default:
			if _, err := tx.ExecContext(ctx, `
				UPDATE dlq_messages
				SET last_seen_at = ?, dead_letter_reason = ?, dead_letter_error_description = ?,
				    delivery_count = ?, failure_category = ?
				WHERE id = ?`,
				observedAt, obs.DeadLetterReason, obs.DeadLetterErrorDescription,
				obs.DeliveryCount, category, existingID); err != nil {
				return apperr.Wrap(apperr.KindInternal, op, err)
			}
			return nil
		}
	})
	return inserted, err
}

// MarkResolved transitions the listed sequence numbers to Resolved when
// their row is still Active and was last seen before the cutoff. This is
// how an externally drained DLQ is observed. Returns the resolved count.
func (s *Store) MarkResolved(ctx context.Context, namespaceID, entityName string, notSeen []int64, cutoff time.Time) (int, error) {
	const op = "storage.MarkResolved"

	if len(notSeen) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`
		UPDATE dlq_messages SET status = ?
		WHERE namespace_id = ? AND entity_name = ? AND status = ?
		  AND last_seen_at < ? AND sequence_number IN (?)`,
		StatusResolved, namespaceID, entityName, StatusActive, cutoff.UTC(), notSeen)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, op, err)
	}

	var resolved int64
	err = s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, op, err)
		}
		resolved, err = res.RowsAffected()
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, op, err)
		}
		return nil
	})
	return int(resolved), err
}

// TransitionAfterReplay moves a tracked message to Replayed or
// ReplayFailed after a replay attempt. Terminal rows are rejected with
// Conflict.
func (s *Store) TransitionAfterReplay(ctx context.Context, dlqMessageID string, success bool, at time.Time) error {
	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		return transitionAfterReplayTx(ctx, tx, dlqMessageID, success, at, false)
	})
}

// transitionAfterReplayTx is the shared transition step. With tolerant
// set, terminal rows are left untouched instead of failing, which lets a
// batch persist its remaining outcomes.
func transitionAfterReplayTx(ctx context.Context, tx *sqlx.Tx, dlqMessageID string, success bool, at time.Time, tolerant bool) error {
	const op = "storage.TransitionAfterReplay"

	var status MessageStatus
	err := tx.GetContext(ctx, &status, `SELECT status FROM dlq_messages WHERE id = ?`, dlqMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.KindNotFound, op, "message %s not found", dlqMessageID)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	if status.Terminal() {
		if tolerant {
			return nil
		}
		return apperr.New(apperr.KindConflict, op, "message %s is already %s", dlqMessageID, status)
	}

	if success {
		_, err = tx.ExecContext(ctx, `
			UPDATE dlq_messages SET status = ?, replay_success = 1, replayed_at = ? WHERE id = ?`,
			StatusReplayed, at.UTC(), dlqMessageID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE dlq_messages SET status = ?, replay_success = 0 WHERE id = ?`,
			StatusReplayFailed, dlqMessageID)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	return nil
}

// UpdateMessageStatus applies an operator decision: Archived or
// Discarded. Terminal rows cannot be re-decided.
func (s *Store) UpdateMessageStatus(ctx context.Context, dlqMessageID string, to MessageStatus) error {
	const op = "storage.UpdateMessageStatus"

	if to != StatusArchived && to != StatusDiscarded {
		return apperr.New(apperr.KindValidation, op, "status can only be set to Archived or Discarded, got %q", to)
	}

	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		var status MessageStatus
		err := tx.GetContext(ctx, &status, `SELECT status FROM dlq_messages WHERE id = ?`, dlqMessageID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, op, "message %s not found", dlqMessageID)
		}
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, op, err)
		}
		if status.Terminal() {
			return apperr.New(apperr.KindConflict, op, "message %s is already %s", dlqMessageID, status)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE dlq_messages SET status = ? WHERE id = ?`, to, dlqMessageID); err != nil {
			return apperr.Wrap(apperr.KindInternal, op, err)
		}
		return nil
	})
}

// AddReplayHistory appends one attempt record. History is never updated.
func (s *Store) AddReplayHistory(ctx context.Context, rec *ReplayHistory) error {
	if rec.ReplayedAt.IsZero() {
		rec.ReplayedAt = time.Now()
	}
	rec.ReplayedAt = rec.ReplayedAt.UTC()

	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		return insertReplayHistoryTx(ctx, tx, rec)
	})
}

func insertReplayHistoryTx(ctx context.Context, tx *sqlx.Tx, rec *ReplayHistory) error {
	const op = "storage.AddReplayHistory"

	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO replay_history (
			dlq_message_id, rule_id, replayed_at, replayed_by, replay_strategy,
			replayed_to_entity, outcome_status, error_details
		) VALUES (
			:dlq_message_id, :rule_id, :replayed_at, :replayed_by, :replay_strategy,
			:replayed_to_entity, :outcome_status, :error_details
		)`, rec)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// ============================================================================
// READ QUERIES
// ============================================================================

// GetActiveByNamespace pages through Active tracked messages, newest
// sighting first. Zero-value filter fields are ignored.
func (s *Store) GetActiveByNamespace(ctx context.Context, namespaceID string, filter ActiveMessageFilter) ([]DlqMessage, error) {
	const op = "storage.GetActiveByNamespace"

	query := `SELECT * FROM dlq_messages WHERE namespace_id = ? AND status = ?`
	args := []any{namespaceID, StatusActive}
	if filter.EntityName != "" {
		query += ` AND entity_name = ?`
		args = append(args, filter.EntityName)
	}
	if filter.FailureCategory != "" {
		query += ` AND failure_category = ?`
		args = append(args, filter.FailureCategory)
	}
	if filter.ReasonContains != "" {
		query += ` AND dead_letter_reason LIKE ?`
		args = append(args, "%"+filter.ReasonContains+"%")
	}
	if filter.Since != nil {
		query += ` AND last_seen_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	if filter.Until != nil {
		query += ` AND last_seen_at < ?`
		args = append(args, filter.Until.UTC())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query += ` ORDER BY last_seen_at DESC, sequence_number DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	messages := []DlqMessage{}
	if err := s.readDB.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return messages, nil
}

// GetActiveMessages returns every Active tracked message, optionally
// limited to one namespace, grouped for batch processing.
func (s *Store) GetActiveMessages(ctx context.Context, namespaceID *string) ([]DlqMessage, error) {
	const op = "storage.GetActiveMessages"

	query := `SELECT * FROM dlq_messages WHERE status = ?`
	args := []any{StatusActive}
	if namespaceID != nil {
		query += ` AND namespace_id = ?`
		args = append(args, *namespaceID)
	}
	query += ` ORDER BY namespace_id, entity_name, sequence_number`

	messages := []DlqMessage{}
	if err := s.readDB.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return messages, nil
}

// GetActiveSequenceNumbers lists the Active sequence numbers tracked for
// one entity. The scanner diffs this against what it just observed.
func (s *Store) GetActiveSequenceNumbers(ctx context.Context, namespaceID, entityName string) ([]int64, error) {
	const op = "storage.GetActiveSequenceNumbers"

	seqs := []int64{}
	err := s.readDB.SelectContext(ctx, &seqs, `
		SELECT sequence_number FROM dlq_messages
		WHERE namespace_id = ? AND entity_name = ? AND status = ?
		ORDER BY sequence_number`,
		namespaceID, entityName, StatusActive)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return seqs, nil
}

// GetSummary aggregates tracked-message counts for a namespace.
func (s *Store) GetSummary(ctx context.Context, namespaceID string) (*NamespaceSummary, error) {
	const op = "storage.GetSummary"

	type bucket struct {
		Key string `db:"key"`
		N   int    `db:"n"`
	}

	summary := &NamespaceSummary{
		NamespaceID: namespaceID,
		ByStatus:    map[string]int{},
		ByCategory:  map[string]int{},
		ByEntity:    map[string]int{},
	}

	var byStatus []bucket
	err := s.readDB.SelectContext(ctx, &byStatus, `
		SELECT status AS key, COUNT(*) AS n FROM dlq_messages
		WHERE namespace_id = ? GROUP BY status`, namespaceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	for _, b := range byStatus {
		summary.ByStatus[b.Key] = b.N
		summary.Total += b.N
	}
	summary.Active = summary.ByStatus[string(StatusActive)]

	var byCategory []bucket
	err = s.readDB.SelectContext(ctx, &byCategory, `
		SELECT failure_category AS key, COUNT(*) AS n FROM dlq_messages
		WHERE namespace_id = ? AND status = ? GROUP BY failure_category`, namespaceID, StatusActive)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	for _, b := range byCategory {
		summary.ByCategory[b.Key] = b.N
	}

	var byEntity []bucket
	err = s.readDB.SelectContext(ctx, &byEntity, `
		SELECT entity_name AS key, COUNT(*) AS n FROM dlq_messages
		WHERE namespace_id = ? AND status = ? GROUP BY entity_name`, namespaceID, StatusActive)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	for _, b := range byEntity {
		summary.ByEntity[b.Key] = b.N
	}

	return summary, nil
}

// GetMessageByID loads one tracked message.
func (s *Store) GetMessageByID(ctx context.Context, dlqMessageID string) (*DlqMessage, error) {
	const op = "storage.GetMessageByID"

	var msg DlqMessage
	err := s.readDB.GetContext(ctx, &msg, `SELECT * FROM dlq_messages WHERE id = ?`, dlqMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, op, "message %s not found", dlqMessageID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return &msg, nil
}

// GetTimeline returns a tracked message with its replay attempts, oldest
// attempt first.
func (s *Store) GetTimeline(ctx context.Context, dlqMessageID string) (*MessageTimeline, error) {
	const op = "storage.GetTimeline"

	msg, err := s.GetMessageByID(ctx, dlqMessageID)
	if err != nil {
		return nil, err
	}

	history := []ReplayHistory{}
	err = s.readDB.SelectContext(ctx, &history, `
		SELECT * FROM replay_history WHERE dlq_message_id = ? ORDER BY replayed_at, id`, dlqMessageID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	return &MessageTimeline{Message: *msg, History: history}, nil
}

// Export serializes every tracked message of a namespace as "json" or
// "csv", newest sighting first.
func (s *Store) Export(ctx context.Context, namespaceID, format string) ([]byte, error) {
	const op = "storage.Export"

	messages := []DlqMessage{}
	err := s.readDB.SelectContext(ctx, &messages, `
		SELECT * FROM dlq_messages WHERE namespace_id = ? ORDER BY last_seen_at DESC, sequence_number DESC`,
		namespaceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	switch strings.ToLower(format) {
	case "json":
		out, err := json.MarshalIndent(messages, "", "  ")
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, op, err)
		}
		return out, nil
	case "csv":
		return exportCSV(messages)
	default:
		return nil, apperr.New(apperr.KindValidation, op, "unsupported export format %q", format)
	}
}

func exportCSV(messages []DlqMessage) ([]byte, error) {
	var buf strings.Builder
	w := csv.NewWriter(&buf)

	header := []string{
		"id", "namespace_id", "entity_name", "topic_name", "entity_type", "broker_message_id",
		"sequence_number", "enqueued_time", "dead_letter_reason", "dead_letter_error_description",
		"failure_category", "delivery_count", "content_type", "status", "replay_success",
		"replayed_at", "first_seen_at", "last_seen_at", "body_preview",
	}
	if err := w.Write(header); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "storage.Export", err)
	}

	for i := range messages {
		m := &messages[i]
		record := []string{
			m.ID, m.NamespaceID, m.EntityName, strOrEmpty(m.TopicName), string(m.EntityType), m.BrokerMessageID,
			strconv.FormatInt(m.SequenceNumber, 10), timeOrEmpty(m.EnqueuedTime), m.DeadLetterReason,
			m.DeadLetterErrorDescription, string(m.FailureCategory), strconv.Itoa(m.DeliveryCount),
			m.ContentType, string(m.Status), boolOrEmpty(m.ReplaySuccess),
			timeOrEmpty(m.ReplayedAt), m.FirstSeenAt.Format(time.RFC3339), m.LastSeenAt.Format(time.RFC3339),
			m.BodyPreview,
		}
		if err := w.Write(record); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "storage.Export", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "storage.Export", err)
	}
	return []byte(buf.String()), nil
}

func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timeOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func boolOrEmpty(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}
