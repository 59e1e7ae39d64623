package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/servicehub/backend/internal/apperr"
)

// ============================================================================
// AUTO-REPLAY RULES
// ============================================================================

// CreateRule stores a new rule. Names are unique per namespace scope;
// regex conditions must compile. A zero hourly budget takes the
// configured default.
func (s *Store) CreateRule(ctx context.Context, rule *AutoReplayRule) error {
	const op = "storage.CreateRule"

	s.applyRuleDefaults(rule)
	if err := validateRule(op, rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Conditions == nil {
		rule.Conditions = []RuleCondition{}
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	row, err := ruleToRow(rule)
	if err != nil {
		return err
	}

	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		taken, err := ruleNameTaken(ctx, tx, rule.NamespaceID, rule.Name, "")
		if err != nil {
			return err
		}
		if taken {
			return apperr.New(apperr.KindConflict, op, "rule %q already exists in this scope", rule.Name)
		}

		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO auto_replay_rules (
				id, namespace_id, name, description, enabled, conditions_json, action_json,
				match_count, success_count, created_at, updated_at
			) VALUES (
				:id, :namespace_id, :name, :description, :enabled, :conditions_json, :action_json,
				:match_count, :success_count, :created_at, :updated_at
			)`, row)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, op, err)
		}
		return nil
	})
}

// GetRule loads one rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (*AutoReplayRule, error) {
	const op = "storage.GetRule"

	var row ruleRow
	err := s.readDB.GetContext(ctx, &row, `SELECT * FROM auto_replay_rules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, op, "rule %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return row.toRule()
}

// ListRules returns rules oldest first. A namespace filter selects that
// namespace's rules plus the global ones, the set that can affect it;
// nil returns everything.
func (s *Store) ListRules(ctx context.Context, namespaceID *string) ([]AutoReplayRule, error) {
	const op = "storage.ListRules"

	query := `SELECT * FROM auto_replay_rules`
	args := []any{}
	if namespaceID != nil {
		query += ` WHERE namespace_id = ? OR namespace_id IS NULL`
		args = append(args, *namespaceID)
	}
	query += ` ORDER BY created_at, id`

	var rows []ruleRow
	if err := s.readDB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	rules := make([]AutoReplayRule, 0, len(rows))
	for i := range rows {
		rule, err := rows[i].toRule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, nil
}

// UpdateRule replaces a rule's definition. Counters and created_at are
// left as stored.
func (s *Store) UpdateRule(ctx context.Context, rule *AutoReplayRule) error {
	const op = "storage.UpdateRule"

	if rule.ID == "" {
		return apperr.New(apperr.KindValidation, op, "rule id is required")
	}
	s.applyRuleDefaults(rule)
	if err := validateRule(op, rule); err != nil {
		return err
	}
	if rule.Conditions == nil {
		rule.Conditions = []RuleCondition{}
	}
	rule.UpdatedAt = time.Now().UTC()

	row, err := ruleToRow(rule)
	if err != nil {
		return err
	}

	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		taken, err := ruleNameTaken(ctx, tx, rule.NamespaceID, rule.Name, rule.ID)
		if err != nil {
			return err
		}
		if taken {
			return apperr.New(apperr.KindConflict, op, "rule %q already exists in this scope", rule.Name)
		}

		res, err := tx.NamedExecContext(ctx, `
			UPDATE auto_replay_rules
			SET namespace_id = :namespace_id, name = :name, description = :description,
			    enabled = :enabled, conditions_json = :conditions_json, action_json = :action_json,
			    updated_at = :updated_at
			WHERE id = :id`, row)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, op, err)
		}
		return requireRowAffected(res, op, "rule %s not found", rule.ID)
	})
}

// SetRuleEnabled flips a rule on or off without touching its definition.
func (s *Store) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	const op = "storage.SetRuleEnabled"

	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE auto_replay_rules SET enabled = ?, updated_at = ? WHERE id = ?`,
			enabled, time.Now().UTC(), id)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, op, err)
		}
		return requireRowAffected(res, op, "rule %s not found", id)
	})
}

// DeleteRule removes a rule. History rows that referenced it keep their
// data with the rule reference cleared.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	const op = "storage.DeleteRule"

	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM auto_replay_rules WHERE id = ?`, id)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, op, err)
		}
		return requireRowAffected(res, op, "rule %s not found", id)
	})
}

// IncrementRuleCounters adds to a rule's lifetime match and success
// tallies. updated_at is untouched; that column tracks operator edits.
func (s *Store) IncrementRuleCounters(ctx context.Context, ruleID string, matched, succeeded int) error {
	const op = "storage.IncrementRuleCounters"

	if matched < 0 || succeeded < 0 || succeeded > matched {
		return apperr.New(apperr.KindValidation, op,
			"counter deltas must satisfy 0 <= succeeded <= matched, got matched=%d succeeded=%d", matched, succeeded)
	}

	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := bumpRuleCountersTx(ctx, tx, ruleID, matched, succeeded)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, op, err)
		}
		return requireRowAffected(res, op, "rule %s not found", ruleID)
	})
}

func bumpRuleCountersTx(ctx context.Context, tx *sqlx.Tx, ruleID string, matches, successes int) (sql.Result, error) {
	return tx.ExecContext(ctx, `
		UPDATE auto_replay_rules
		SET match_count = match_count + ?, success_count = success_count + ?
		WHERE id = ?`, matches, successes, ruleID)
}

// CountRuleReplaysSince counts replay attempts charged against a rule's
// hourly budget. Skipped rows are free, otherwise a saturated rule would
// keep itself saturated by recording skips.
func (s *Store) CountRuleReplaysSince(ctx context.Context, ruleID string, since time.Time) (int, error) {
	const op = "storage.CountRuleReplaysSince"

	var count int
	err := s.readDB.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM replay_history
		WHERE rule_id = ? AND replayed_at >= ? AND outcome_status != ?`,
		ruleID, since.UTC(), OutcomeSkipped)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return count, nil
}

// RecordReplayOutcomes persists a replay run in one transaction: history
// rows, tracked-message transitions, and rule counters. Skipped outcomes
// record history and count as a match but do not transition the message.
func (s *Store) RecordReplayOutcomes(ctx context.Context, outcomes []ReplayOutcome) error {
	const op = "storage.RecordReplayOutcomes"

	if len(outcomes) == 0 {
		return nil
	}

	type counters struct {
		matches   int
		successes int
	}

	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		perRule := map[string]*counters{}

		for i := range outcomes {
			out := &outcomes[i]

			rec := &ReplayHistory{
				DlqMessageID:     out.DlqMessageID,
				RuleID:           out.RuleID,
				ReplayedAt:       out.ReplayedAt.UTC(),
				ReplayedBy:       out.ReplayedBy,
				ReplayStrategy:   out.Strategy,
				ReplayedToEntity: out.ReplayedToEntity,
				OutcomeStatus:    out.Outcome,
			}
			if out.ErrorDetails != "" {
				details := out.ErrorDetails
				rec.ErrorDetails = &details
			}
			if err := insertReplayHistoryTx(ctx, tx, rec); err != nil {
				return err
			}

			switch out.Outcome {
			case OutcomeSuccess:
				if err := transitionAfterReplayTx(ctx, tx, out.DlqMessageID, true, out.ReplayedAt, true); err != nil {
					return err
				}
			case OutcomeFailed, OutcomeError:
				if err := transitionAfterReplayTx(ctx, tx, out.DlqMessageID, false, out.ReplayedAt, true); err != nil {
					return err
				}
			}

			if out.RuleID != nil {
				c := perRule[*out.RuleID]
				if c == nil {
					c = &counters{}
					perRule[*out.RuleID] = c
				}
				c.matches++
				if out.Outcome == OutcomeSuccess {
					c.successes++
				}
			}
		}

		for ruleID, c := range perRule {
			if _, err := bumpRuleCountersTx(ctx, tx, ruleID, c.matches, c.successes); err != nil {
				return apperr.Wrap(apperr.KindInternal, op, err)
			}
		}
		return nil
	})
}

// applyRuleDefaults fills the hourly budget when the caller left it
// zero and a default is configured.
func (s *Store) applyRuleDefaults(rule *AutoReplayRule) {
	if rule.Action.MaxReplaysPerHour == 0 && s.defaultMaxReplaysPerHour > 0 {
		rule.Action.MaxReplaysPerHour = s.defaultMaxReplaysPerHour
	}
}

// validateRule checks the invariants a stored rule must satisfy.
func validateRule(op string, rule *AutoReplayRule) error {
	if rule.Name == "" {
		return apperr.New(apperr.KindValidation, op, "rule name must not be empty")
	}
	if rule.Action.MaxReplaysPerHour <= 0 {
		return apperr.New(apperr.KindValidation, op, "max replays per hour must be positive")
	}
	if rule.Action.DelaySeconds < 0 {
		return apperr.New(apperr.KindValidation, op, "delay seconds must not be negative")
	}
	for _, cond := range rule.Conditions {
		if cond.Operator == OpRegex {
			if _, err := regexp.Compile(cond.Value); err != nil {
				return apperr.Wrapf(apperr.KindValidation, op, err, "condition on %s has an invalid regex", cond.Field)
			}
		}
	}
	return nil
}

// ruleNameTaken reports whether another rule in the same scope (one
// namespace, or global) already uses the name.
func ruleNameTaken(ctx context.Context, tx *sqlx.Tx, namespaceID *string, name, excludeID string) (bool, error) {
	scope := ""
	if namespaceID != nil {
		scope = *namespaceID
	}

	var count int
	err := tx.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM auto_replay_rules
		WHERE COALESCE(namespace_id, '') = ? AND name = ? AND id != ?`,
		scope, name, excludeID)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "storage.ruleNameTaken", err)
	}
	return count > 0, nil
}
