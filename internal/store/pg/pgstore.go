package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"intelmarket.org/internal/ids"
	"intelmarket.org/internal/market"
)

type Store struct {
	db *sql.DB
}

var _ market.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const maxFeeBasisPoints = 10000

func (s *Store) InitializeMarketplace(ctx context.Context, feeBasisPoints, maxClassificationLevel int, authorityID string) (market.Marketplace, error) {
	if feeBasisPoints < 0 || feeBasisPoints > maxFeeBasisPoints {
		return market.Marketplace{}, fmt.Errorf("%w: fee basis points must be in [0,%d]", market.ErrValidation, maxFeeBasisPoints)
	}
	if maxClassificationLevel < 1 {
		return market.Marketplace{}, fmt.Errorf("%w: max classification level must be >= 1", market.ErrValidation)
	}
	if authorityID == "" {
		return market.Marketplace{}, fmt.Errorf("%w: authority id is required", market.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return market.Marketplace{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx, `select count(*) from marketplace`).Scan(&existing); err != nil {
		return market.Marketplace{}, err
	}
	if existing > 0 {
		return market.Marketplace{}, market.ErrAlreadyInitialized
	}

	m := market.Marketplace{
		ID:                     ids.New(),
		AuthorityID:            authorityID,
		FeeBasisPoints:         feeBasisPoints,
		MaxClassificationLevel: maxClassificationLevel,
		IsActive:               true,
		CreatedAt:              time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into marketplace(id, authority_id, fee_basis_points, max_classification_level, total_assets, total_volume, is_active, created_at)
		values ($1,$2,$3,$4,0,0,true,$5)
	`, m.ID, m.AuthorityID, m.FeeBasisPoints, m.MaxClassificationLevel, m.CreatedAt); err != nil {
		return market.Marketplace{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Marketplace{}, err
	}
	return m, nil
}

func (s *Store) GetMarketplace(ctx context.Context) (market.Marketplace, error) {
	return scanMarketplace(s.db.QueryRowContext(ctx, `
		select id, authority_id, fee_basis_points, max_classification_level, total_assets, total_volume, is_active, created_at
		from marketplace
	`))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func scanMarketplace(row rowScanner) (market.Marketplace, error) {
	var m market.Marketplace
	err := row.Scan(&m.ID, &m.AuthorityID, &m.FeeBasisPoints, &m.MaxClassificationLevel, &m.TotalAssets, &m.TotalVolume, &m.IsActive, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Marketplace{}, market.ErrNotInitialized
	}
	if err != nil {
		return market.Marketplace{}, err
	}
	return m, nil
}

func (s *Store) CreateAsset(ctx context.Context, in market.CreateAssetInput) (market.Asset, error) {
	if in.CreatorID == "" {
		return market.Asset{}, fmt.Errorf("%w: creator id is required", market.ErrValidation)
	}
	if len(in.Title) > 100 {
		return market.Asset{}, fmt.Errorf("%w: title too long", market.ErrValidation)
	}
	if len(in.Description) > 500 {
		return market.Asset{}, fmt.Errorf("%w: description too long", market.ErrValidation)
	}
	if len(in.ContentURI) > 200 {
		return market.Asset{}, fmt.Errorf("%w: content URI too long", market.ErrValidation)
	}
	if in.Price < 0 {
		return market.Asset{}, fmt.Errorf("%w: price must be >= 0", market.ErrValidation)
	}
	if in.ClassificationLevel < 1 {
		return market.Asset{}, fmt.Errorf("%w: classification level must be >= 1", market.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return market.Asset{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var ceiling int
	err = tx.QueryRowContext(ctx, `select max_classification_level from marketplace for update`).Scan(&ceiling)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Asset{}, market.ErrNotInitialized
	}
	if err != nil {
		return market.Asset{}, err
	}
	if in.ClassificationLevel > ceiling {
		return market.Asset{}, fmt.Errorf("%w: classification level exceeds maximum", market.ErrValidation)
	}

	now := time.Now().UTC()
	a := market.Asset{
		ID:                  ids.New(),
		OwnerTokenRef:       ids.New(),
		CreatorID:           in.CreatorID,
		Title:               in.Title,
		Description:         in.Description,
		ContentURI:          in.ContentURI,
		Category:            in.Category,
		ClassificationLevel: in.ClassificationLevel,
		Tier:                in.Tier,
		Tags:                dedupe(in.Tags),
		Price:               in.Price,
		RequiredClearances:  dedupe(in.RequiredClearances),
		Status:              market.AssetActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return market.Asset{}, err
	}
	clearances, err := json.Marshal(a.RequiredClearances)
	if err != nil {
		return market.Asset{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into assets(id, owner_token_ref, creator_id, title, description, content_uri,
			category, classification_level, tier, tags, price, required_clearances,
			status, is_verified, verification_note, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,false,'',$14,$14)
	`, a.ID, a.OwnerTokenRef, a.CreatorID, a.Title, a.Description, a.ContentURI,
		int(a.Category), a.ClassificationLevel, int(a.Tier), tags, a.Price, clearances,
		int(a.Status), now); err != nil {
		return market.Asset{}, err
	}
	if _, err := tx.ExecContext(ctx, `update marketplace set total_assets = total_assets + 1`); err != nil {
		return market.Asset{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Asset{}, err
	}
	return a, nil
}

const assetColumns = `id, owner_token_ref, creator_id, title, description, content_uri,
	category, classification_level, tier, tags, price, required_clearances,
	status, is_verified, verification_note, created_at, updated_at`

func scanAsset(row rowScanner) (market.Asset, error) {
	var a market.Asset
	var category, tier, status int
	var tags, clearances []byte
	err := row.Scan(&a.ID, &a.OwnerTokenRef, &a.CreatorID, &a.Title, &a.Description, &a.ContentURI,
		&category, &a.ClassificationLevel, &tier, &tags, &a.Price, &clearances,
		&status, &a.IsVerified, &a.VerificationNote, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Asset{}, market.ErrNotFound
	}
	if err != nil {
		return market.Asset{}, err
	}
	a.Category = market.Category(category)
	a.Tier = market.Tier(tier)
	a.Status = market.AssetStatus(status)
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &a.Tags); err != nil {
			return market.Asset{}, err
		}
	}
	if len(clearances) > 0 {
		if err := json.Unmarshal(clearances, &a.RequiredClearances); err != nil {
			return market.Asset{}, err
		}
	}
	return a, nil
}

func (s *Store) GetAsset(ctx context.Context, id string) (market.Asset, error) {
	return scanAsset(s.db.QueryRowContext(ctx, `select `+assetColumns+` from assets where id=$1`, id))
}

func (s *Store) ListAssets(ctx context.Context, filter market.AssetFilter) ([]market.Asset, error) {
	query := `select ` + assetColumns + ` from assets where 1=1`
	args := []any{}
	if filter.CreatorID != "" {
		args = append(args, filter.CreatorID)
		query += fmt.Sprintf(" and creator_id=$%d", len(args))
	}
	if filter.Status != nil {
		args = append(args, int(*filter.Status))
		query += fmt.Sprintf(" and status=$%d", len(args))
	}
	if filter.Category != nil {
		args = append(args, int(*filter.Category))
		query += fmt.Sprintf(" and category=$%d", len(args))
	}
	query += " order by id asc"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) VerifyAsset(ctx context.Context, assetID, note, callerID string) (market.Asset, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return market.Asset{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var authority string
	err = tx.QueryRowContext(ctx, `select authority_id from marketplace`).Scan(&authority)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Asset{}, market.ErrNotInitialized
	}
	if err != nil {
		return market.Asset{}, err
	}
	if callerID != authority {
		return market.Asset{}, fmt.Errorf("%w: only the marketplace authority may verify assets", market.ErrUnauthorized)
	}

	a, err := scanAsset(tx.QueryRowContext(ctx, `select `+assetColumns+` from assets where id=$1 for update`, assetID))
	if err != nil {
		return market.Asset{}, err
	}
	// Re-verification is a no-op: the first note stands.
	if !a.IsVerified {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			update assets set is_verified=true, verification_note=$2, updated_at=$3 where id=$1
		`, assetID, note, now); err != nil {
			return market.Asset{}, err
		}
		a.IsVerified = true
		a.VerificationNote = note
		a.UpdatedAt = now
	}
	if err := tx.Commit(); err != nil {
		return market.Asset{}, err
	}
	return a, nil
}

func (s *Store) ArchiveAsset(ctx context.Context, assetID, callerID string) (market.Asset, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return market.Asset{}, err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanAsset(tx.QueryRowContext(ctx, `select `+assetColumns+` from assets where id=$1 for update`, assetID))
	if err != nil {
		return market.Asset{}, err
	}
	if a.CreatorID != callerID {
		return market.Asset{}, fmt.Errorf("%w: only the asset owner may archive it", market.ErrUnauthorized)
	}
	if a.Status != market.AssetActive {
		return market.Asset{}, fmt.Errorf("%w: only Active assets can be archived (status %s)", market.ErrValidation, a.Status)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		update assets set status=$2, updated_at=$3 where id=$1
	`, assetID, int(market.AssetArchived), now); err != nil {
		return market.Asset{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Asset{}, err
	}
	a.Status = market.AssetArchived
	a.UpdatedAt = now
	return a, nil
}
