package store

import (
	"context"
	"fmt"

	"github.com/matheus3301/relay/internal/model"
)

// UpsertProfile inserts or updates a profile. Empty fields keep the stored value.
func (db *DB) UpsertProfile(ctx context.Context, p model.Profile) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO profiles (id, display_name, avatar_ref, last_active_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = COALESCE(NULLIF(excluded.display_name, ''), profiles.display_name),
			avatar_ref = COALESCE(NULLIF(excluded.avatar_ref, ''), profiles.avatar_ref),
			last_active_at = MAX(excluded.last_active_at, profiles.last_active_at)`,
		p.ID, p.DisplayName, p.AvatarRef, toMillis(p.LastActiveAt),
	)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}
	return nil
}

// Profiles returns the profiles that exist for ids, keyed by id. Missing ids
// are simply absent from the map.
func (db *DB) Profiles(ctx context.Context, ids []string) (map[string]model.Profile, error) {
	out := make(map[string]model.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, display_name, avatar_ref, last_active_at
		FROM profiles WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var p model.Profile
		var lastActive int64
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.AvatarRef, &lastActive); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p.LastActiveAt = fromMillis(lastActive)
		out[p.ID] = p
	}
	return out, rows.Err()
}
