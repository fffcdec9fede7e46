package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/pimsync/internal/apperr"
	"github.com/nhle/pimsync/internal/model"
)

const insertCollectionSQL = `
	INSERT INTO collections (
		id, account_id, kind, url, display_name, description, color,
		enabled, visible, owner_principal, server_writable, server_deletable,
		force_read_only, wifi_only, sync_interval_sec, supports_vtodo,
		supports_vjournal, source, ctag, last_synced_at, last_sync_outcome,
		last_sync_error, vanished, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertCollection(ctx context.Context, exec sqlx.ExecerContext, c model.Collection) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	_, err := exec.ExecContext(ctx, insertCollectionSQL,
		c.ID, c.AccountID, string(c.Kind), c.URL, c.DisplayName, c.Description,
		c.Color, boolToInt(c.Enabled), boolToInt(c.Visible), c.OwnerPrincipal,
		boolToInt(c.ServerWritable), boolToInt(c.ServerDeletable),
		boolToInt(c.ForceReadOnly), boolToInt(c.WifiOnly), c.SyncIntervalSec,
		boolToInt(c.SupportsVTODO), boolToInt(c.SupportsVJOURNAL), c.Source,
		c.CTag, utcPtr(c.LastSyncedAt), c.LastSyncOutcome, c.LastSyncError,
		boolToInt(c.Vanished), c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return apperr.New(apperr.Internal, "store.create_collection",
			fmt.Sprintf("collection %s %s already exists", c.Kind, c.URL))
	}
	if err != nil {
		return fmt.Errorf("inserting collection %s: %w", c.URL, err)
	}
	return nil
}

// CreateCollection inserts a single collection for an existing account.
func (s *SQLiteStore) CreateCollection(ctx context.Context, col model.Collection) error {
	return insertCollection(ctx, s.db, col)
}

// GetCollection retrieves a single collection by ID.
func (s *SQLiteStore) GetCollection(ctx context.Context, id string) (*model.Collection, error) {
	var col model.Collection
	err := s.db.GetContext(ctx, &col, "SELECT * FROM collections WHERE id = ?", id)
	if err != nil {
		return nil, notFound(err, "collection", id)
	}
	return &col, nil
}

// ListCollections retrieves collections matching the filter.
func (s *SQLiteStore) ListCollections(
	ctx context.Context,
	filter CollectionFilter,
) ([]model.Collection, error) {
	query := "SELECT * FROM collections"
	var conditions []string
	var args []any

	if filter.AccountID != nil {
		conditions = append(conditions, "account_id = ?")
		args = append(args, *filter.AccountID)
	}
	if filter.Kind != nil {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(*filter.Kind))
	}
	if !filter.IncludeVanished {
		conditions = append(conditions, "vanished = 0")
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY account_id, kind, display_name, url"

	var cols []model.Collection
	if err := s.db.SelectContext(ctx, &cols, query, args...); err != nil {
		return nil, fmt.Errorf("querying collections: %w", err)
	}
	return cols, nil
}

// DeleteCollection removes a collection by ID.
func (s *SQLiteStore) DeleteCollection(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM collections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting collection %s: %w", id, err)
	}
	return requireAffected(result, "collection", id)
}

// UpdateCollectionPolicy applies only the fields set in patch.
func (s *SQLiteStore) UpdateCollectionPolicy(
	ctx context.Context,
	id string,
	patch model.PolicyPatch,
) error {
	if patch.IsEmpty() {
		_, err := s.GetCollection(ctx, id)
		return err
	}

	var sets []string
	var args []any
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if patch.Enabled != nil {
		set("enabled", boolToInt(*patch.Enabled))
	}
	if patch.Visible != nil {
		set("visible", boolToInt(*patch.Visible))
	}
	if patch.ForceReadOnly != nil {
		set("force_read_only", boolToInt(*patch.ForceReadOnly))
	}
	if patch.WifiOnly != nil {
		set("wifi_only", boolToInt(*patch.WifiOnly))
	}
	if patch.DisplayName != nil {
		set("display_name", *patch.DisplayName)
	}
	if patch.Color != nil {
		set("color", *patch.Color)
	}
	switch {
	case patch.ClearSyncInterval:
		set("sync_interval_sec", nil)
	case patch.SyncIntervalSec != nil:
		set("sync_interval_sec", *patch.SyncIntervalSec)
	}
	set("updated_at", time.Now().UTC())

	args = append(args, id)
	result, err := s.db.ExecContext(ctx,
		"UPDATE collections SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating policy of collection %s: %w", id, err)
	}
	return requireAffected(result, "collection", id)
}

// RecordSyncOutcome writes the sync-owned columns of a collection.
func (s *SQLiteStore) RecordSyncOutcome(
	ctx context.Context,
	id string,
	outcome model.SyncOutcome,
) error {
	syncedAt := outcome.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}

	query := `UPDATE collections SET last_synced_at = ?, last_sync_outcome = ?, last_sync_error = ?`
	args := []any{syncedAt.UTC(), outcome.Outcome, outcome.Error}
	if !outcome.KeepCTag {
		query += ", ctag = ?"
		args = append(args, outcome.CTag)
	}
	query += " WHERE id = ?"
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("recording sync outcome of collection %s: %w", id, err)
	}
	return requireAffected(result, "collection", id)
}

// UpdateDiscoveredProperties writes the discovery-owned columns and clears
// the vanished mark.
func (s *SQLiteStore) UpdateDiscoveredProperties(
	ctx context.Context,
	id string,
	props model.DiscoveredProperties,
) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE collections SET
			description = ?, owner_principal = ?, server_writable = ?,
			server_deletable = ?, supports_vtodo = ?, supports_vjournal = ?,
			source = ?, vanished = 0, updated_at = ?
		WHERE id = ?`,
		props.Description, props.OwnerPrincipal,
		boolToInt(props.ServerWritable), boolToInt(props.ServerDeletable),
		boolToInt(props.SupportsVTODO), boolToInt(props.SupportsVJOURNAL),
		props.Source, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating discovered properties of collection %s: %w", id, err)
	}
	return requireAffected(result, "collection", id)
}

// MarkCollectionVanished flags a collection the server no longer lists.
func (s *SQLiteStore) MarkCollectionVanished(ctx context.Context, id string, vanished bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE collections SET vanished = ?, updated_at = ? WHERE id = ?",
		boolToInt(vanished), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking collection %s vanished: %w", id, err)
	}
	return requireAffected(result, "collection", id)
}
