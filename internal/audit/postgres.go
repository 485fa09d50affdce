package audit

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"intelmarket.org/internal/ids"
)

var _ Log = (*PGLog)(nil)

// PGLog implements Log on PostgreSQL. The sequence column is a bigserial,
// so monotonicity comes from the database.
type PGLog struct {
	db *sql.DB
}

func NewPGLog(db *sql.DB) *PGLog {
	return &PGLog{db: db}
}

func (l *PGLog) Append(ctx context.Context, e Entry) (Entry, error) {
	if strings.TrimSpace(e.UserID) == "" {
		return Entry{}, ErrEmptyUser
	}
	if strings.TrimSpace(e.Action) == "" {
		return Entry{}, ErrEmptyAction
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.ID = ids.New()

	err := l.db.QueryRowContext(ctx, `
		insert into audit_log(id, user_id, action, description, classification_level, related_asset_id, occurred_at, success)
		values ($1,$2,$3,$4,$5,nullif($6,''),$7,$8) returning sequence
	`, e.ID, e.UserID, e.Action, e.Description, e.ClassificationLevel, e.RelatedAssetID, e.Timestamp, e.Success).Scan(&e.Sequence)
	if err != nil {
		return Entry{}, err
	}

	emit(ctx, e)
	return e, nil
}

func (l *PGLog) List(ctx context.Context, limit int, afterSeq uint64) ([]Entry, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		select id, sequence, user_id, action, description, classification_level, coalesce(related_asset_id,''), occurred_at, success
		from audit_log
		where sequence > $1
		order by sequence asc
		limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []Entry
	var last uint64
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Sequence, &e.UserID, &e.Action, &e.Description, &e.ClassificationLevel, &e.RelatedAssetID, &e.Timestamp, &e.Success); err != nil {
			return nil, 0, err
		}
		res = append(res, e)
		last = e.Sequence
	}
	return res, last, rows.Err()
}
