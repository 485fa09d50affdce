package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"intelmarket.org/internal/ids"
)

// CreateAssetInput carries everything needed to register an asset.
type CreateAssetInput struct {
	Title               string
	Description         string
	ContentURI          string
	Category            Category
	ClassificationLevel int
	Tier                Tier
	Tags                []string
	Price               int64
	RequiredClearances  []string
	CreatorID           string
}

// ListAssetInput carries listing parameters. Auction fields must be present
// together and positive, and only when IsAuction is set.
type ListAssetInput struct {
	AssetID                string
	Price                  int64
	IsAuction              bool
	AuctionDurationSeconds *int64
	MinBidIncrement        *int64
	SellerID               string
}

// Service defines the marketplace ledger operations. Every call either
// applies all of its postconditions or fails with no state change.
type Service interface {
	InitializeMarketplace(ctx context.Context, feeBasisPoints, maxClassificationLevel int, authorityID string) (Marketplace, error)
	GetMarketplace(ctx context.Context) (Marketplace, error)

	CreateAsset(ctx context.Context, in CreateAssetInput) (Asset, error)
	GetAsset(ctx context.Context, id string) (Asset, error)
	ListAssets(ctx context.Context, filter AssetFilter) ([]Asset, error)
	VerifyAsset(ctx context.Context, assetID, note, callerID string) (Asset, error)
	ArchiveAsset(ctx context.Context, assetID, callerID string) (Asset, error)

	ListAsset(ctx context.Context, in ListAssetInput) (Listing, error)
	GetListing(ctx context.Context, id string) (Listing, error)
	CancelListing(ctx context.Context, listingID, callerID string) (Listing, error)
	SettleListing(ctx context.Context, listingID, buyerID, callerID string) (Settlement, error)
	SweepExpiredAuctions(ctx context.Context, now time.Time) (int, error)

	GrantAccess(ctx context.Context, assetID, granteeID string, level AccessLevel, expiresAt time.Time, grantorID string) (AccessGrant, error)
	ListGrants(ctx context.Context, assetID string) ([]AccessGrant, error)
	RevokeAccess(ctx context.Context, grantID, callerID string) (AccessGrant, error)
	CheckAccess(ctx context.Context, assetID, granteeID string, now time.Time) (bool, AccessLevel, error)
	SweepExpiredGrants(ctx context.Context, now time.Time) (int, error)
}

// InMemory implements Service with in-process concurrency safety. One lock
// serializes all mutations, which is exactly the transaction model the
// ledger requires: losers of a listing race observe ErrAlreadyListed, never
// partial state.
type InMemory struct {
	mu       sync.RWMutex
	market   *Marketplace
	assets   map[string]*Asset
	listings map[string]*Listing
	grants   map[string]*AccessGrant
	// active listing per asset, maintained so the AlreadyListed check and
	// the expiry sweep stay O(1) per asset
	activeListing map[string]string
}

// NewInMemory creates an empty, uninitialized marketplace ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		assets:        make(map[string]*Asset),
		listings:      make(map[string]*Listing),
		grants:        make(map[string]*AccessGrant),
		activeListing: make(map[string]string),
	}
}

func (s *InMemory) InitializeMarketplace(ctx context.Context, feeBasisPoints, maxClassificationLevel int, authorityID string) (Marketplace, error) {
	if feeBasisPoints < 0 || feeBasisPoints > maxFeeBasisPoints {
		return Marketplace{}, fmt.Errorf("%w: fee basis points must be in [0,%d]", ErrValidation, maxFeeBasisPoints)
	}
	if maxClassificationLevel < 1 {
		return Marketplace{}, fmt.Errorf("%w: max classification level must be >= 1", ErrValidation)
	}
	if authorityID == "" {
		return Marketplace{}, fmt.Errorf("%w: authority id is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.market != nil {
		return Marketplace{}, ErrAlreadyInitialized
	}
	m := &Marketplace{
		ID:                     ids.New(),
		AuthorityID:            authorityID,
		FeeBasisPoints:         feeBasisPoints,
		MaxClassificationLevel: maxClassificationLevel,
		TotalAssets:            0,
		TotalVolume:            0,
		IsActive:               true,
		CreatedAt:              time.Now().UTC(),
	}
	s.market = m
	return *m, nil
}

func (s *InMemory) GetMarketplace(ctx context.Context) (Marketplace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.market == nil {
		return Marketplace{}, ErrNotInitialized
	}
	return *s.market, nil
}

func (s *InMemory) CreateAsset(ctx context.Context, in CreateAssetInput) (Asset, error) {
	if in.CreatorID == "" {
		return Asset{}, fmt.Errorf("%w: creator id is required", ErrValidation)
	}
	if len(in.Title) > maxTitleLen {
		return Asset{}, fmt.Errorf("%w: title too long", ErrValidation)
	}
	if len(in.Description) > maxDescriptionLen {
		return Asset{}, fmt.Errorf("%w: description too long", ErrValidation)
	}
	if len(in.ContentURI) > maxContentURILen {
		return Asset{}, fmt.Errorf("%w: content URI too long", ErrValidation)
	}
	if in.Price < 0 {
		return Asset{}, fmt.Errorf("%w: price must be >= 0", ErrValidation)
	}
	if in.ClassificationLevel < 1 {
		return Asset{}, fmt.Errorf("%w: classification level must be >= 1", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.market == nil {
		return Asset{}, ErrNotInitialized
	}
	if in.ClassificationLevel > s.market.MaxClassificationLevel {
		return Asset{}, fmt.Errorf("%w: classification level exceeds maximum", ErrValidation)
	}

	now := time.Now().UTC()
	a := &Asset{
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
		Status:              AssetActive,
		IsVerified:          false,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	s.assets[a.ID] = a
	s.market.TotalAssets++
	return *a, nil
}

func (s *InMemory) GetAsset(ctx context.Context, id string) (Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	if !ok {
		return Asset{}, ErrNotFound
	}
	return cloneAsset(a), nil
}

func (s *InMemory) ListAssets(ctx context.Context, filter AssetFilter) ([]Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Asset
	for _, a := range s.assets {
		if filter.CreatorID != "" && a.CreatorID != filter.CreatorID {
			continue
		}
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		if filter.Category != nil && a.Category != *filter.Category {
			continue
		}
		out = append(out, cloneAsset(a))
	}
	sortAssetsByID(out)
	return out, nil
}

func (s *InMemory) VerifyAsset(ctx context.Context, assetID, note, callerID string) (Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.market == nil {
		return Asset{}, ErrNotInitialized
	}
	if callerID != s.market.AuthorityID {
		return Asset{}, fmt.Errorf("%w: only the marketplace authority may verify assets", ErrUnauthorized)
	}
	a, ok := s.assets[assetID]
	if !ok {
		return Asset{}, ErrNotFound
	}
	// Re-verification is a no-op: the first note stands.
	if !a.IsVerified {
		a.IsVerified = true
		a.VerificationNote = note
		a.UpdatedAt = time.Now().UTC()
	}
	return cloneAsset(a), nil
}

func (s *InMemory) ArchiveAsset(ctx context.Context, assetID, callerID string) (Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetID]
	if !ok {
		return Asset{}, ErrNotFound
	}
	if a.CreatorID != callerID {
		return Asset{}, fmt.Errorf("%w: only the asset owner may archive it", ErrUnauthorized)
	}
	if a.Status != AssetActive {
		return Asset{}, fmt.Errorf("%w: only Active assets can be archived (status %s)", ErrValidation, a.Status)
	}
	a.Status = AssetArchived
	a.UpdatedAt = time.Now().UTC()
	return cloneAsset(a), nil
}

func (s *InMemory) ListAsset(ctx context.Context, in ListAssetInput) (Listing, error) {
	if in.Price < 0 {
		return Listing{}, fmt.Errorf("%w: price must be >= 0", ErrValidation)
	}
	if in.IsAuction {
		if in.AuctionDurationSeconds == nil || in.MinBidIncrement == nil {
			return Listing{}, fmt.Errorf("%w: auction listings require duration and min bid increment", ErrValidation)
		}
		if *in.AuctionDurationSeconds <= 0 || *in.MinBidIncrement <= 0 {
			return Listing{}, fmt.Errorf("%w: auction duration and min bid increment must be positive", ErrValidation)
		}
	} else if in.AuctionDurationSeconds != nil || in.MinBidIncrement != nil {
		return Listing{}, fmt.Errorf("%w: auction fields are only valid for auction listings", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[in.AssetID]
	if !ok {
		return Listing{}, ErrNotFound
	}
	if a.CreatorID != in.SellerID {
		return Listing{}, fmt.Errorf("%w: only the asset owner may list it", ErrUnauthorized)
	}
	if a.Status == AssetListed {
		return Listing{}, ErrAlreadyListed
	}
	if a.Status != AssetActive {
		return Listing{}, fmt.Errorf("%w: asset not available for listing (status %s)", ErrValidation, a.Status)
	}

	now := time.Now().UTC()
	l := &Listing{
		ID:        ids.New(),
		AssetID:   a.ID,
		SellerID:  in.SellerID,
		Price:     in.Price,
		IsAuction: in.IsAuction,
		Status:    ListingActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.IsAuction {
		end := now.Add(time.Duration(*in.AuctionDurationSeconds) * time.Second)
		l.AuctionEnd = &end
		inc := *in.MinBidIncrement
		l.MinBidIncrement = &inc
	}
	s.listings[l.ID] = l
	s.activeListing[a.ID] = l.ID
	a.Status = AssetListed
	a.UpdatedAt = now
	return cloneListing(l), nil
}

func (s *InMemory) GetListing(ctx context.Context, id string) (Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return Listing{}, ErrNotFound
	}
	return cloneListing(l), nil
}

func (s *InMemory) CancelListing(ctx context.Context, listingID, callerID string) (Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[listingID]
	if !ok {
		return Listing{}, ErrNotFound
	}
	if l.SellerID != callerID {
		return Listing{}, fmt.Errorf("%w: only the seller may cancel a listing", ErrUnauthorized)
	}
	if l.Status != ListingActive {
		return Listing{}, fmt.Errorf("%w: listing is not active (status %s)", ErrValidation, l.Status)
	}

	now := time.Now().UTC()
	l.Status = ListingCancelled
	l.UpdatedAt = now
	s.releaseAsset(l.AssetID, now)
	return cloneListing(l), nil
}

func (s *InMemory) SettleListing(ctx context.Context, listingID, buyerID, callerID string) (Settlement, error) {
	if buyerID == "" {
		return Settlement{}, fmt.Errorf("%w: buyer id is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.market == nil {
		return Settlement{}, ErrNotInitialized
	}
	// Settlement confirms an out-of-band payment; only the marketplace
	// authority may attest to one.
	if callerID != s.market.AuthorityID {
		return Settlement{}, fmt.Errorf("%w: only the marketplace authority may settle listings", ErrUnauthorized)
	}
	l, ok := s.listings[listingID]
	if !ok {
		return Settlement{}, ErrNotFound
	}
	if l.Status != ListingActive {
		return Settlement{}, fmt.Errorf("%w: listing is not active (status %s)", ErrValidation, l.Status)
	}
	if l.IsAuction {
		return Settlement{}, fmt.Errorf("%w: auction listings cannot be settled directly", ErrValidation)
	}
	a, ok := s.assets[l.AssetID]
	if !ok {
		return Settlement{}, fmt.Errorf("%w: listing %s references missing asset %s", ErrInconsistent, l.ID, l.AssetID)
	}

	now := time.Now().UTC()
	fee := FeeFor(l.Price, s.market.FeeBasisPoints)

	l.Status = ListingSold
	l.BuyerID = buyerID
	l.SoldAt = &now
	l.UpdatedAt = now
	a.Status = AssetSold
	a.UpdatedAt = now
	delete(s.activeListing, a.ID)
	s.market.TotalVolume += l.Price

	return Settlement{
		ListingID:      l.ID,
		AssetID:        a.ID,
		BuyerID:        buyerID,
		SellerID:       l.SellerID,
		Price:          l.Price,
		FeeAmount:      fee,
		SellerProceeds: l.Price - fee,
	}, nil
}

func (s *InMemory) SweepExpiredAuctions(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for _, l := range s.listings {
		if l.Status != ListingActive || !l.IsAuction || l.AuctionEnd == nil {
			continue
		}
		if l.AuctionEnd.After(now) {
			continue
		}
		l.Status = ListingExpired
		l.UpdatedAt = now
		s.releaseAsset(l.AssetID, now)
		expired++
	}
	return expired, nil
}

func (s *InMemory) GrantAccess(ctx context.Context, assetID, granteeID string, level AccessLevel, expiresAt time.Time, grantorID string) (AccessGrant, error) {
	if granteeID == "" || grantorID == "" {
		return AccessGrant{}, fmt.Errorf("%w: grantor and grantee ids are required", ErrValidation)
	}
	now := time.Now().UTC()
	if !expiresAt.After(now) {
		return AccessGrant{}, fmt.Errorf("%w: expiry must be in the future", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[assetID]; !ok {
		return AccessGrant{}, ErrNotFound
	}
	g := &AccessGrant{
		ID:          ids.New(),
		AssetID:     assetID,
		GrantorID:   grantorID,
		GranteeID:   granteeID,
		AccessLevel: level,
		GrantedAt:   now,
		ExpiresAt:   expiresAt.UTC(),
		IsActive:    true,
	}
	s.grants[g.ID] = g
	return *g, nil
}

func (s *InMemory) ListGrants(ctx context.Context, assetID string) ([]AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.assets[assetID]; !ok {
		return nil, ErrNotFound
	}
	var out []AccessGrant
	for _, g := range s.grants {
		if g.AssetID == assetID {
			out = append(out, *g)
		}
	}
	sortGrantsByID(out)
	return out, nil
}

func (s *InMemory) RevokeAccess(ctx context.Context, grantID, callerID string) (AccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantID]
	if !ok {
		return AccessGrant{}, ErrNotFound
	}
	if g.GrantorID != callerID {
		return AccessGrant{}, fmt.Errorf("%w: only the grantor may revoke a grant", ErrUnauthorized)
	}
	g.IsActive = false
	return *g, nil
}

func (s *InMemory) CheckAccess(ctx context.Context, assetID, granteeID string, now time.Time) (bool, AccessLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.assets[assetID]; !ok {
		return false, 0, ErrNotFound
	}
	best := AccessLevel(0)
	found := false
	for _, g := range s.grants {
		if g.AssetID != assetID || g.GranteeID != granteeID {
			continue
		}
		if !g.Effective(now) {
			continue
		}
		if !found || g.AccessLevel > best {
			best = g.AccessLevel
		}
		found = true
	}
	return found, best, nil
}

func (s *InMemory) SweepExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for _, g := range s.grants {
		if !g.IsActive || g.ExpiresAt.After(now) {
			continue
		}
		g.IsActive = false
		swept++
	}
	return swept, nil
}

// releaseAsset returns a Listed asset to Active after its listing leaves
// the Active state. Sold assets are left alone. Callers hold s.mu.
func (s *InMemory) releaseAsset(assetID string, now time.Time) {
	delete(s.activeListing, assetID)
	a, ok := s.assets[assetID]
	if !ok {
		return
	}
	if a.Status == AssetListed {
		a.Status = AssetActive
		a.UpdatedAt = now
	}
}
