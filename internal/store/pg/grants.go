package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"intelmarket.org/internal/ids"
	"intelmarket.org/internal/market"
)

const grantColumns = `id, asset_id, grantor_id, grantee_id, access_level, granted_at, expires_at, is_active`

func scanGrant(row rowScanner) (market.AccessGrant, error) {
	var g market.AccessGrant
	var level int
	err := row.Scan(&g.ID, &g.AssetID, &g.GrantorID, &g.GranteeID, &level, &g.GrantedAt, &g.ExpiresAt, &g.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return market.AccessGrant{}, market.ErrNotFound
	}
	if err != nil {
		return market.AccessGrant{}, err
	}
	g.AccessLevel = market.AccessLevel(level)
	return g, nil
}

func (s *Store) assetExists(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, assetID string) error {
	var one int
	err := q.QueryRowContext(ctx, `select 1 from assets where id=$1`, assetID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return market.ErrNotFound
	}
	return err
}

func (s *Store) GrantAccess(ctx context.Context, assetID, granteeID string, level market.AccessLevel, expiresAt time.Time, grantorID string) (market.AccessGrant, error) {
	if granteeID == "" || grantorID == "" {
		return market.AccessGrant{}, fmt.Errorf("%w: grantor and grantee ids are required", market.ErrValidation)
	}
	now := time.Now().UTC()
	if !expiresAt.After(now) {
		return market.AccessGrant{}, fmt.Errorf("%w: expiry must be in the future", market.ErrValidation)
	}

	if err := s.assetExists(ctx, s.db, assetID); err != nil {
		return market.AccessGrant{}, err
	}

	g := market.AccessGrant{
		ID:          ids.New(),
		AssetID:     assetID,
		GrantorID:   grantorID,
		GranteeID:   granteeID,
		AccessLevel: level,
		GrantedAt:   now,
		ExpiresAt:   expiresAt.UTC(),
		IsActive:    true,
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into grants(id, asset_id, grantor_id, grantee_id, access_level, granted_at, expires_at, is_active)
		values ($1,$2,$3,$4,$5,$6,$7,true)
	`, g.ID, g.AssetID, g.GrantorID, g.GranteeID, int(g.AccessLevel), g.GrantedAt, g.ExpiresAt); err != nil {
		return market.AccessGrant{}, err
	}
	return g, nil
}

func (s *Store) ListGrants(ctx context.Context, assetID string) ([]market.AccessGrant, error) {
	if err := s.assetExists(ctx, s.db, assetID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+grantColumns+` from grants where asset_id=$1 order by id asc
	`, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) RevokeAccess(ctx context.Context, grantID, callerID string) (market.AccessGrant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.AccessGrant{}, err
	}
	defer func() { _ = tx.Rollback() }()

	g, err := scanGrant(tx.QueryRowContext(ctx, `select `+grantColumns+` from grants where id=$1 for update`, grantID))
	if err != nil {
		return market.AccessGrant{}, err
	}
	if g.GrantorID != callerID {
		return market.AccessGrant{}, fmt.Errorf("%w: only the grantor may revoke a grant", market.ErrUnauthorized)
	}
	if _, err := tx.ExecContext(ctx, `update grants set is_active=false where id=$1`, grantID); err != nil {
		return market.AccessGrant{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.AccessGrant{}, err
	}
	g.IsActive = false
	return g, nil
}

func (s *Store) CheckAccess(ctx context.Context, assetID, granteeID string, now time.Time) (bool, market.AccessLevel, error) {
	if err := s.assetExists(ctx, s.db, assetID); err != nil {
		return false, 0, err
	}
	// max() over zero rows yields NULL, so a missing grant shows up as
	// an invalid NullInt64 rather than ErrNoRows.
	var level sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		select max(access_level) from grants
		where asset_id=$1 and grantee_id=$2 and is_active and expires_at > $3
	`, assetID, granteeID, now).Scan(&level)
	if err != nil {
		return false, 0, err
	}
	if !level.Valid {
		return false, 0, nil
	}
	return true, market.AccessLevel(level.Int64), nil
}

func (s *Store) SweepExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update grants set is_active=false where is_active and expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
