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

const listingColumns = `id, asset_id, seller_id, price, is_auction, auction_end,
	min_bid_increment, status, buyer_id, sold_at, created_at, updated_at`

func scanListing(row rowScanner) (market.Listing, error) {
	var l market.Listing
	var status int
	var auctionEnd, soldAt sql.NullTime
	var minInc sql.NullInt64
	var buyer sql.NullString
	err := row.Scan(&l.ID, &l.AssetID, &l.SellerID, &l.Price, &l.IsAuction, &auctionEnd,
		&minInc, &status, &buyer, &soldAt, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Listing{}, market.ErrNotFound
	}
	if err != nil {
		return market.Listing{}, err
	}
	l.Status = market.ListingStatus(status)
	if auctionEnd.Valid {
		t := auctionEnd.Time
		l.AuctionEnd = &t
	}
	if minInc.Valid {
		v := minInc.Int64
		l.MinBidIncrement = &v
	}
	if buyer.Valid {
		l.BuyerID = buyer.String
	}
	if soldAt.Valid {
		t := soldAt.Time
		l.SoldAt = &t
	}
	return l, nil
}

func (s *Store) ListAsset(ctx context.Context, in market.ListAssetInput) (market.Listing, error) {
	if in.Price < 0 {
		return market.Listing{}, fmt.Errorf("%w: price must be >= 0", market.ErrValidation)
	}
	if in.IsAuction {
		if in.AuctionDurationSeconds == nil || in.MinBidIncrement == nil {
			return market.Listing{}, fmt.Errorf("%w: auction listings require duration and min bid increment", market.ErrValidation)
		}
		if *in.AuctionDurationSeconds <= 0 || *in.MinBidIncrement <= 0 {
			return market.Listing{}, fmt.Errorf("%w: auction duration and min bid increment must be positive", market.ErrValidation)
		}
	} else if in.AuctionDurationSeconds != nil || in.MinBidIncrement != nil {
		return market.Listing{}, fmt.Errorf("%w: auction fields are only valid for auction listings", market.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return market.Listing{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Row lock on the asset serializes competing listings: the loser sees
	// the Listed status once the winner commits.
	var creatorID string
	var status int
	err = tx.QueryRowContext(ctx, `
		select creator_id, status from assets where id=$1 for update
	`, in.AssetID).Scan(&creatorID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Listing{}, market.ErrNotFound
	}
	if err != nil {
		return market.Listing{}, err
	}
	if creatorID != in.SellerID {
		return market.Listing{}, fmt.Errorf("%w: only the asset owner may list it", market.ErrUnauthorized)
	}
	switch market.AssetStatus(status) {
	case market.AssetListed:
		return market.Listing{}, market.ErrAlreadyListed
	case market.AssetActive:
	default:
		return market.Listing{}, fmt.Errorf("%w: asset not available for listing (status %s)", market.ErrValidation, market.AssetStatus(status))
	}

	now := time.Now().UTC()
	l := market.Listing{
		ID:        ids.New(),
		AssetID:   in.AssetID,
		SellerID:  in.SellerID,
		Price:     in.Price,
		IsAuction: in.IsAuction,
		Status:    market.ListingActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var auctionEnd sql.NullTime
	var minInc sql.NullInt64
	if in.IsAuction {
		end := now.Add(time.Duration(*in.AuctionDurationSeconds) * time.Second)
		l.AuctionEnd = &end
		inc := *in.MinBidIncrement
		l.MinBidIncrement = &inc
		auctionEnd = sql.NullTime{Time: end, Valid: true}
		minInc = sql.NullInt64{Int64: inc, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		insert into listings(id, asset_id, seller_id, price, is_auction, auction_end, min_bid_increment, status, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	`, l.ID, l.AssetID, l.SellerID, l.Price, l.IsAuction, auctionEnd, minInc, int(l.Status), now); err != nil {
		return market.Listing{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update assets set status=$2, updated_at=$3 where id=$1
	`, in.AssetID, int(market.AssetListed), now); err != nil {
		return market.Listing{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Listing{}, err
	}
	return l, nil
}

func (s *Store) GetListing(ctx context.Context, id string) (market.Listing, error) {
	return scanListing(s.db.QueryRowContext(ctx, `select `+listingColumns+` from listings where id=$1`, id))
}

func (s *Store) CancelListing(ctx context.Context, listingID, callerID string) (market.Listing, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return market.Listing{}, err
	}
	defer func() { _ = tx.Rollback() }()

	l, err := scanListing(tx.QueryRowContext(ctx, `select `+listingColumns+` from listings where id=$1 for update`, listingID))
	if err != nil {
		return market.Listing{}, err
	}
	if l.SellerID != callerID {
		return market.Listing{}, fmt.Errorf("%w: only the seller may cancel a listing", market.ErrUnauthorized)
	}
	if l.Status != market.ListingActive {
		return market.Listing{}, fmt.Errorf("%w: listing is not active (status %s)", market.ErrValidation, l.Status)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		update listings set status=$2, updated_at=$3 where id=$1
	`, listingID, int(market.ListingCancelled), now); err != nil {
		return market.Listing{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update assets set status=$2, updated_at=$3 where id=$1 and status=$4
	`, l.AssetID, int(market.AssetActive), now, int(market.AssetListed)); err != nil {
		return market.Listing{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Listing{}, err
	}
	l.Status = market.ListingCancelled
	l.UpdatedAt = now
	return l, nil
}

func (s *Store) SettleListing(ctx context.Context, listingID, buyerID, callerID string) (market.Settlement, error) {
	if buyerID == "" {
		return market.Settlement{}, fmt.Errorf("%w: buyer id is required", market.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return market.Settlement{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		feeBasisPoints int
		authorityID    string
	)
	err = tx.QueryRowContext(ctx, `select fee_basis_points, authority_id from marketplace for update`).Scan(&feeBasisPoints, &authorityID)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Settlement{}, market.ErrNotInitialized
	}
	if err != nil {
		return market.Settlement{}, err
	}
	if callerID != authorityID {
		return market.Settlement{}, fmt.Errorf("%w: only the marketplace authority may settle listings", market.ErrUnauthorized)
	}

	l, err := scanListing(tx.QueryRowContext(ctx, `select `+listingColumns+` from listings where id=$1 for update`, listingID))
	if err != nil {
		return market.Settlement{}, err
	}
	if l.Status != market.ListingActive {
		return market.Settlement{}, fmt.Errorf("%w: listing is not active (status %s)", market.ErrValidation, l.Status)
	}
	if l.IsAuction {
		return market.Settlement{}, fmt.Errorf("%w: auction listings cannot be settled directly", market.ErrValidation)
	}

	now := time.Now().UTC()
	fee := market.FeeFor(l.Price, feeBasisPoints)

	if _, err := tx.ExecContext(ctx, `
		update listings set status=$2, buyer_id=$3, sold_at=$4, updated_at=$4 where id=$1
	`, listingID, int(market.ListingSold), buyerID, now); err != nil {
		return market.Settlement{}, err
	}
	res, err := tx.ExecContext(ctx, `
		update assets set status=$2, updated_at=$3 where id=$1
	`, l.AssetID, int(market.AssetSold), now)
	if err != nil {
		return market.Settlement{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return market.Settlement{}, fmt.Errorf("%w: listing %s references missing asset %s", market.ErrInconsistent, l.ID, l.AssetID)
	}
	if _, err := tx.ExecContext(ctx, `
		update marketplace set total_volume = total_volume + $1
	`, l.Price); err != nil {
		return market.Settlement{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Settlement{}, err
	}

	return market.Settlement{
		ListingID:      l.ID,
		AssetID:        l.AssetID,
		BuyerID:        buyerID,
		SellerID:       l.SellerID,
		Price:          l.Price,
		FeeAmount:      fee,
		SellerProceeds: l.Price - fee,
	}, nil
}

func (s *Store) SweepExpiredAuctions(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		select id, asset_id from listings
		where status=$1 and is_auction and auction_end <= $2
		for update
	`, int(market.ListingActive), now)
	if err != nil {
		return 0, err
	}
	type pair struct{ listingID, assetID string }
	var expired []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.listingID, &p.assetID); err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, p := range expired {
		if _, err := tx.ExecContext(ctx, `
			update listings set status=$2, updated_at=$3 where id=$1
		`, p.listingID, int(market.ListingExpired), now); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			update assets set status=$2, updated_at=$3 where id=$1 and status=$4
		`, p.assetID, int(market.AssetActive), now, int(market.AssetListed)); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(expired), nil
}
