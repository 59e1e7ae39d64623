package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/servicehub/backend/internal/apperr"
)

// ============================================================================
// NAMESPACE REPOSITORY
// ============================================================================

// CreateNamespace registers a broker namespace. The name must be unique
// among active namespaces; a connection-string namespace must carry an
// encrypted credential, a managed-identity one must carry an endpoint.
func (s *Store) CreateNamespace(ctx context.Context, ns *Namespace) error {
	const op = "storage.CreateNamespace"

	if ns.Name == "" {
		return apperr.New(apperr.KindValidation, op, "name must not be empty")
	}
	if !ns.AuthType.Valid() {
		return apperr.New(apperr.KindValidation, op, "unsupported auth type %q", ns.AuthType)
	}
	if ns.AuthType == AuthConnectionString && ns.EncryptedCredential == "" {
		return apperr.New(apperr.KindValidation, op, "connection-string namespaces require a credential")
	}
	if ns.AuthType == AuthManagedIdentity && ns.Endpoint == "" {
		return apperr.New(apperr.KindValidation, op, "managed-identity namespaces require an endpoint")
	}

	if ns.ID == "" {
		ns.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if ns.CreatedAt.IsZero() {
		ns.CreatedAt = now
	}
	ns.UpdatedAt = now
	ns.IsActive = true

	return s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		taken, err := activeNameTaken(ctx, tx, ns.Name, "")
		if err != nil {
			return err
		}
		if taken {
			return apperr.New(apperr.KindConflict, op, "active namespace %q already exists", ns.Name)
		}

		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO namespaces (id, name, display_name, auth_type, encrypted_credential, endpoint, is_active, created_at, updated_at)
			VALUES (:id, :name, :display_name, :auth_type, :encrypted_credential, :endpoint, :is_active, :created_at, :updated_at)`, ns)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, op, err)
		}
		return nil
	})
}

// GetNamespaceByID returns the namespace regardless of active state.
func (s *Store) GetNamespaceByID(ctx context.Context, id string) (*Namespace, error) {
	const op = "storage.GetNamespaceByID"

	var ns Namespace
	err := s.readDB.GetContext(ctx, &ns, `SELECT * FROM namespaces WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, op, "namespace %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return &ns, nil
}

// GetNamespaceByName returns the active namespace with the given name.
func (s *Store) GetNamespaceByName(ctx context.Context, name string) (*Namespace, error) {
	const op = "storage.GetNamespaceByName"

	var ns Namespace
	err := s.readDB.GetContext(ctx, &ns, `SELECT * FROM namespaces WHERE name = ? AND is_active = 1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, op, "active namespace %q not found", name)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return &ns, nil
}

// GetActiveNamespaces lists every active namespace, oldest first.
func (s *Store) GetActiveNamespaces(ctx context.Context) ([]Namespace, error) {
	const op = "storage.GetActiveNamespaces"

	namespaces := []Namespace{}
	err := s.readDB.SelectContext(ctx, &namespaces, `SELECT * FROM namespaces WHERE is_active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return namespaces, nil
}

// UpdateNamespaceCredential rotates the stored credential and notifies
// the cache so the old wrapper is dropped.
func (s *Store) UpdateNamespaceCredential(ctx context.Context, id, encryptedCredential string) error {
	const op = "storage.UpdateNamespaceCredential"

	if encryptedCredential == "" {
		return apperr.New(apperr.KindValidation, op, "credential must not be empty")
	}

	err := s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE namespaces SET encrypted_credential = ?, updated_at = ? WHERE id = ?`,
			encryptedCredential, time.Now().UTC(), id)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, op, err)
		}
		return requireRowAffected(res, op, "namespace %s not found", id)
	})
	if err != nil {
		return err
	}

	s.notifyCredentialChange(id)
	return nil
}

// SetNamespaceActive flips the active flag. Deactivation keeps the row
// so tracked-message history stays joinable; it also notifies the cache
// so the live wrapper is disposed.
func (s *Store) SetNamespaceActive(ctx context.Context, id string, active bool) error {
	const op = "storage.SetNamespaceActive"

	err := s.withWriteTx(ctx, func(tx *sqlx.Tx) error {
		if active {
			var name string
			err := tx.GetContext(ctx, &name, `SELECT name FROM namespaces WHERE id = ?`, id)
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.New(apperr.KindNotFound, op, "namespace %s not found", id)
			}
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, op, err)
			}
			taken, err := activeNameTaken(ctx, tx, name, id)
			if err != nil {
				return err
			}
			if taken {
				return apperr.New(apperr.KindConflict, op, "active namespace %q already exists", name)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE namespaces SET is_active = ?, updated_at = ? WHERE id = ?`,
			active, time.Now().UTC(), id)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, op, err)
		}
		return requireRowAffected(res, op, "namespace %s not found", id)
	})
	if err != nil {
		return err
	}

	if !active {
		s.notifyCredentialChange(id)
	}
	return nil
}

// activeNameTaken reports whether another active namespace already uses
// the name. excludeID skips the row being re-activated.
func activeNameTaken(ctx context.Context, tx *sqlx.Tx, name, excludeID string) (bool, error) {
	var count int
	err := tx.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM namespaces WHERE name = ? AND is_active = 1 AND id != ?`, name, excludeID)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "storage.activeNameTaken", err)
	}
	return count > 0, nil
}

// requireRowAffected turns a zero-row update into NotFound.
func requireRowAffected(res sql.Result, op, format string, args ...any) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	if affected == 0 {
		return apperr.New(apperr.KindNotFound, op, format, args...)
	}
	return nil
}
