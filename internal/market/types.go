package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	maxTitleLen       = 100
	maxDescriptionLen = 500
	maxContentURILen  = 200
	maxFeeBasisPoints = 10000
)

// Sentinel errors; wrap with fmt.Errorf("%w: ...") for detail.
var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrValidation         = errors.New("validation failed")
	ErrAlreadyListed      = errors.New("asset already listed")
	ErrAlreadyInitialized = errors.New("marketplace already initialized")
	ErrNotInitialized     = errors.New("marketplace not initialized")
	ErrInconsistent       = errors.New("internal inconsistency")
)

// Category is the intelligence discipline an asset belongs to.
type Category uint8

const (
	CategorySIGINT Category = iota
	CategoryHUMINT
	CategoryGEOINT
	CategoryMASINT
	CategoryOSINT
	CategoryTECHINT
	CategoryFININT
	CategoryCYBINT
)

var categoryNames = [...]string{"SIGINT", "HUMINT", "GEOINT", "MASINT", "OSINT", "TECHINT", "FININT", "CYBINT"}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", uint8(c))
}

// ParseCategory maps a wire label to its Category.
func ParseCategory(s string) (Category, error) {
	for i, name := range categoryNames {
		if s == name {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown category %q", ErrValidation, s)
}

func (c Category) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *Category) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCategory(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Tier describes how close the asset is to its collection source.
type Tier uint8

const (
	TierPrimary Tier = iota
	TierSecondary
	TierSynthetic
	TierComposite
)

var tierNames = [...]string{"Primary", "Secondary", "Synthetic", "Composite"}

func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("Tier(%d)", uint8(t))
}

// ParseTier maps a wire label to its Tier.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if s == name {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown tier %q", ErrValidation, s)
}

func (t Tier) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// AssetStatus is the lifecycle state of an asset.
type AssetStatus uint8

const (
	AssetActive AssetStatus = iota
	AssetListed
	AssetSold
	AssetArchived
)

var assetStatusNames = [...]string{"Active", "Listed", "Sold", "Archived"}

func (s AssetStatus) String() string {
	if int(s) < len(assetStatusNames) {
		return assetStatusNames[s]
	}
	return fmt.Sprintf("AssetStatus(%d)", uint8(s))
}

func (s AssetStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *AssetStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for i, name := range assetStatusNames {
		if raw == name {
			*s = AssetStatus(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown asset status %q", ErrValidation, raw)
}

// ListingStatus is the lifecycle state of a listing.
type ListingStatus uint8

const (
	ListingActive ListingStatus = iota
	ListingSold
	ListingCancelled
	ListingExpired
)

var listingStatusNames = [...]string{"Active", "Sold", "Cancelled", "Expired"}

func (s ListingStatus) String() string {
	if int(s) < len(listingStatusNames) {
		return listingStatusNames[s]
	}
	return fmt.Sprintf("ListingStatus(%d)", uint8(s))
}

func (s ListingStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *ListingStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for i, name := range listingStatusNames {
		if raw == name {
			*s = ListingStatus(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown listing status %q", ErrValidation, raw)
}

// AccessLevel ranks what a grantee may do with an asset.
type AccessLevel uint8

const (
	AccessView AccessLevel = iota
	AccessDownload
	AccessFull
)

var accessLevelNames = [...]string{"View", "Download", "FullAccess"}

func (l AccessLevel) String() string {
	if int(l) < len(accessLevelNames) {
		return accessLevelNames[l]
	}
	return fmt.Sprintf("AccessLevel(%d)", uint8(l))
}

// ParseAccessLevel maps a wire label to its AccessLevel.
func ParseAccessLevel(s string) (AccessLevel, error) {
	for i, name := range accessLevelNames {
		if s == name {
			return AccessLevel(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown access level %q", ErrValidation, s)
}

func (l AccessLevel) MarshalJSON() ([]byte, error) { return json.Marshal(l.String()) }

func (l *AccessLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAccessLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Marketplace is the singleton registry: global configuration plus
// aggregate counters. totalAssets and totalVolume only ever grow.
type Marketplace struct {
	ID                     string    `json:"id"`
	AuthorityID            string    `json:"authority_id"`
	FeeBasisPoints         int       `json:"fee_basis_points"`
	MaxClassificationLevel int       `json:"max_classification_level"`
	TotalAssets            uint64    `json:"total_assets"`
	TotalVolume            int64     `json:"total_volume"` // minor units
	IsActive               bool      `json:"is_active"`
	CreatedAt              time.Time `json:"created_at"`
}

// Asset is a registered intelligence product.
type Asset struct {
	ID                  string      `json:"id"`
	OwnerTokenRef       string      `json:"owner_token_ref"`
	CreatorID           string      `json:"creator_id"`
	Title               string      `json:"title"`
	Description         string      `json:"description"`
	ContentURI          string      `json:"content_uri"`
	Category            Category    `json:"category"`
	ClassificationLevel int         `json:"classification_level"`
	Tier                Tier        `json:"tier"`
	Tags                []string    `json:"tags,omitempty"`
	Price               int64       `json:"price"` // minor units
	RequiredClearances  []string    `json:"required_clearances,omitempty"`
	Status              AssetStatus `json:"status"`
	IsVerified          bool        `json:"is_verified"`
	VerificationNote    string      `json:"verification_note,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Listing is an offer to sell an asset at a fixed price or by auction.
type Listing struct {
	ID              string        `json:"id"`
	AssetID         string        `json:"asset_id"`
	SellerID        string        `json:"seller_id"`
	Price           int64         `json:"price"` // minor units
	IsAuction       bool          `json:"is_auction"`
	AuctionEnd      *time.Time    `json:"auction_end,omitempty"`
	MinBidIncrement *int64        `json:"min_bid_increment,omitempty"`
	Status          ListingStatus `json:"status"`
	BuyerID         string        `json:"buyer_id,omitempty"`
	SoldAt          *time.Time    `json:"sold_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// AccessGrant is a time-bounded permission on an asset. Repeat grants to
// the same grantee are independent records.
type AccessGrant struct {
	ID          string      `json:"id"`
	AssetID     string      `json:"asset_id"`
	GrantorID   string      `json:"grantor_id"`
	GranteeID   string      `json:"grantee_id"`
	AccessLevel AccessLevel `json:"access_level"`
	GrantedAt   time.Time   `json:"granted_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	IsActive    bool        `json:"is_active"`
}

// Effective reports whether the grant confers access at the given instant.
func (g AccessGrant) Effective(now time.Time) bool {
	return g.IsActive && now.Before(g.ExpiresAt)
}

// Settlement is the fee split reported when a listing is settled. The
// payment transfer itself is handled outside the ledger.
type Settlement struct {
	ListingID      string `json:"listing_id"`
	AssetID        string `json:"asset_id"`
	BuyerID        string `json:"buyer_id"`
	SellerID       string `json:"seller_id"`
	Price          int64  `json:"price"`
	FeeAmount      int64  `json:"fee_amount"`
	SellerProceeds int64  `json:"seller_proceeds"`
}

// AssetFilter narrows ListAssets results. Zero fields match everything.
type AssetFilter struct {
	CreatorID string
	Status    *AssetStatus
	Category  *Category
}
