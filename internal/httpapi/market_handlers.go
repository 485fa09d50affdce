package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"intelmarket.org/internal/audit"
	"intelmarket.org/internal/auth"
	"intelmarket.org/internal/events"
	"intelmarket.org/internal/market"
	"intelmarket.org/internal/obs"
)

type initMarketplaceRequest struct {
	FeeBasisPoints         int    `json:"fee_basis_points"`
	MaxClassificationLevel int    `json:"max_classification_level"`
	AuthorityID            string `json:"authority_id"`
	BootstrapSecret        string `json:"bootstrap_secret,omitempty"`
}

type createAssetRequest struct {
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	ContentURI          string   `json:"content_uri"`
	Category            string   `json:"category"`
	ClassificationLevel int      `json:"classification_level"`
	Tier                string   `json:"tier"`
	Tags                []string `json:"tags"`
	Price               int64    `json:"price"`
	RequiredClearances  []string `json:"required_clearances"`
}

type verifyAssetRequest struct {
	Note string `json:"note"`
}

type listAssetRequest struct {
	AssetID                string `json:"asset_id"`
	Price                  int64  `json:"price"`
	IsAuction              bool   `json:"is_auction"`
	AuctionDurationSeconds *int64 `json:"auction_duration_seconds,omitempty"`
	MinBidIncrement        *int64 `json:"min_bid_increment,omitempty"`
}

type settleListingRequest struct {
	BuyerID string `json:"buyer_id"`
}

type grantAccessRequest struct {
	AssetID     string    `json:"asset_id"`
	GranteeID   string    `json:"grantee_id"`
	AccessLevel string    `json:"access_level"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (a *API) handleMarketplace(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.initializeMarketplace(w, r)
	case http.MethodGet:
		a.getMarketplace(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) initializeMarketplace(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req initMarketplaceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if a.authoritySecretHash != "" {
		ok, err := auth.VerifySecret(a.authoritySecretHash, req.BootstrapSecret)
		if err != nil || !ok {
			obs.RecordOperation("marketplace.initialize", "unauthorized")
			writeError(w, r, http.StatusForbidden, "bootstrap secret rejected")
			return
		}
	}

	m, err := a.svc.InitializeMarketplace(r.Context(), req.FeeBasisPoints, req.MaxClassificationLevel, strings.TrimSpace(req.AuthorityID))
	if err != nil {
		obs.RecordOperation("marketplace.initialize", outcomeFor(err))
		handleMarketError(w, r, err)
		return
	}
	obs.RecordOperation("marketplace.initialize", "ok")

	a.recordAudit(r.Context(), audit.Entry{
		UserID:      caller,
		Action:      "MARKETPLACE_INITIALIZE",
		Description: "marketplace initialized with authority " + m.AuthorityID,
		Success:     true,
	})

	w.Header().Set("Location", "/v1/marketplace")
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) getMarketplace(w http.ResponseWriter, r *http.Request) {
	m, err := a.svc.GetMarketplace(r.Context())
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleAssetsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAsset(w, r)
	case http.MethodGet:
		a.listAssets(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createAsset(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req createAssetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	category, err := market.ParseCategory(strings.TrimSpace(req.Category))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tier, err := market.ParseTier(strings.TrimSpace(req.Tier))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	asset, err := a.svc.CreateAsset(r.Context(), market.CreateAssetInput{
		Title:               req.Title,
		Description:         req.Description,
		ContentURI:          req.ContentURI,
		Category:            category,
		ClassificationLevel: req.ClassificationLevel,
		Tier:                tier,
		Tags:                req.Tags,
		Price:               req.Price,
		RequiredClearances:  req.RequiredClearances,
		CreatorID:           caller,
	})
	if err != nil {
		obs.RecordOperation("asset.create", outcomeFor(err))
		a.recordAudit(r.Context(), audit.Entry{
			UserID:              caller,
			Action:              "ASSET_CREATE",
			Description:         err.Error(),
			ClassificationLevel: req.ClassificationLevel,
			Success:             false,
		})
		handleMarketError(w, r, err)
		return
	}
	obs.RecordOperation("asset.create", "ok")

	a.recordAudit(r.Context(), audit.Entry{
		UserID:              caller,
		Action:              "ASSET_CREATE",
		Description:         "created asset " + asset.Title,
		ClassificationLevel: asset.ClassificationLevel,
		RelatedAssetID:      asset.ID,
		Success:             true,
	})
	a.publish(events.Event{Kind: events.AssetCreated, AssetID: asset.ID, ActorID: caller})

	w.Header().Set("Location", "/v1/assets/"+asset.ID)
	writeJSON(w, http.StatusCreated, asset)
}

func (a *API) listAssets(w http.ResponseWriter, r *http.Request) {
	filter := market.AssetFilter{
		CreatorID: strings.TrimSpace(r.URL.Query().Get("creator")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("category")); raw != "" {
		category, err := market.ParseCategory(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		filter.Category = &category
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		var status market.AssetStatus
		if err := status.UnmarshalJSON([]byte(strconv.Quote(raw))); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = &status
	}

	assets, err := a.svc.ListAssets(r.Context(), filter)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": assets,
		"as_of": time.Now().UTC(),
	})
}

func (a *API) handleAssetResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/assets/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, rest, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "asset not found")
		return
	}

	switch rest {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getAsset(w, r, id)
	case "verify":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.verifyAsset(w, r, id)
	case "archive":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.archiveAsset(w, r, id)
	case "grants":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listGrants(w, r, id)
	case "access":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.checkAccess(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getAsset(w http.ResponseWriter, r *http.Request, id string) {
	asset, err := a.svc.GetAsset(r.Context(), id)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (a *API) verifyAsset(w http.ResponseWriter, r *http.Request, id string) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req verifyAssetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	asset, err := a.svc.VerifyAsset(r.Context(), id, req.Note, caller)
	if err != nil {
		obs.RecordOperation("asset.verify", outcomeFor(err))
		a.recordAudit(r.Context(), audit.Entry{
			UserID:         caller,
			Action:         "ASSET_VERIFY",
			Description:    err.Error(),
			RelatedAssetID: id,
			Success:        false,
		})
		handleMarketError(w, r, err)
		return
	}
	obs.RecordOperation("asset.verify", "ok")

	a.recordAudit(r.Context(), audit.Entry{
		UserID:              caller,
		Action:              "ASSET_VERIFY",
		Description:         "verified asset",
		ClassificationLevel: asset.ClassificationLevel,
		RelatedAssetID:      asset.ID,
		Success:             true,
	})
	a.publish(events.Event{Kind: events.AssetVerified, AssetID: asset.ID, ActorID: caller})

	writeJSON(w, http.StatusOK, asset)
}

func (a *API) archiveAsset(w http.ResponseWriter, r *http.Request, id string) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	asset, err := a.svc.ArchiveAsset(r.Context(), id, caller)
	if err != nil {
		obs.RecordOperation("asset.archive", outcomeFor(err))
		handleMarketError(w, r, err)
		return
	}
	obs.RecordOperation("asset.archive", "ok")

	a.recordAudit(r.Context(), audit.Entry{
		UserID:              caller,
		Action:              "ASSET_ARCHIVE",
		Description:         "archived asset",
		ClassificationLevel: asset.ClassificationLevel,
		RelatedAssetID:      asset.ID,
		Success:             true,
	})
	a.publish(events.Event{Kind: events.AssetArchived, AssetID: asset.ID, ActorID: caller})

	writeJSON(w, http.StatusOK, asset)
}

func (a *API) handleListingsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.listAsset(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) listAsset(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req listAssetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.AssetID) == "" {
		writeError(w, r, http.StatusBadRequest, "asset_id is required")
		return
	}

	listing, err := a.svc.ListAsset(r.Context(), market.ListAssetInput{
		AssetID:                req.AssetID,
		Price:                  req.Price,
		IsAuction:              req.IsAuction,
		AuctionDurationSeconds: req.AuctionDurationSeconds,
		MinBidIncrement:        req.MinBidIncrement,
		SellerID:               caller,
	})
	if err != nil {
		obs.RecordOperation("listing.create", outcomeFor(err))
		a.recordAudit(r.Context(), audit.Entry{
			UserID:         caller,
			Action:         "ASSET_LIST",
			Description:    err.Error(),
			RelatedAssetID: req.AssetID,
			Success:        false,
		})
		handleMarketError(w, r, err)
		return
	}
	obs.RecordOperation("listing.create", "ok")

	a.recordAudit(r.Context(), audit.Entry{
		UserID:         caller,
		Action:         "ASSET_LIST",
		Description:    "listed asset at price " + strconv.FormatInt(listing.Price, 10),
		RelatedAssetID: listing.AssetID,
		Success:        true,
	})
	a.publish(events.Event{Kind: events.AssetListed, AssetID: listing.AssetID, ActorID: caller, Amount: listing.Price})

	w.Header().Set("Location", "/v1/listings/"+listing.ID)
	writeJSON(w, http.StatusCreated, listing)
}

func (a *API) handleListingResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/listings/")
	id, rest, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "listing not found")
		return
	}

	switch rest {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		listing, err := a.svc.GetListing(r.Context(), id)
		if err != nil {
			handleMarketError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, listing)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.cancelListing(w, r, id)
	case "settle":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.settleListing(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) cancelListing(w http.ResponseWriter, r *http.Request, id string) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	listing, err := a.svc.CancelListing(r.Context(), id, caller)
	if err != nil {
		obs.RecordOperation("listing.cancel", outcomeFor(err))
		handleMarketError(w, r, err)
		return
	}
	obs.RecordOperation("listing.cancel", "ok")

	a.recordAudit(r.Context(), audit.Entry{
		UserID:         caller,
		Action:         "LISTING_CANCEL",
		Description:    "cancelled listing " + listing.ID,
		RelatedAssetID: listing.AssetID,
		Success:        true,
	})
	a.publish(events.Event{Kind: events.ListingCancel, AssetID: listing.AssetID, ActorID: caller})

	writeJSON(w, http.StatusOK, listing)
}

func (a *API) settleListing(w http.ResponseWriter, r *http.Request, id string) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req settleListingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	settlement, err := a.svc.SettleListing(r.Context(), id, strings.TrimSpace(req.BuyerID), caller)
	if err != nil {
		obs.RecordOperation("listing.settle", outcomeFor(err))
		handleMarketError(w, r, err)
		return
	}
	obs.RecordOperation("listing.settle", "ok")

	a.recordAudit(r.Context(), audit.Entry{
		UserID:         caller,
		Action:         "LISTING_SETTLE",
		Description:    "settled listing for " + strconv.FormatInt(settlement.Price, 10),
		RelatedAssetID: settlement.AssetID,
		Success:        true,
	})
	a.publish(events.Event{Kind: events.ListingSettled, AssetID: settlement.AssetID, ActorID: caller, Amount: settlement.Price})

	writeJSON(w, http.StatusOK, settlement)
}

func (a *API) handleGrantsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.grantAccess(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) grantAccess(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req grantAccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	level, err := market.ParseAccessLevel(strings.TrimSpace(req.AccessLevel))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	grant, err := a.svc.GrantAccess(r.Context(), req.AssetID, strings.TrimSpace(req.GranteeID), level, req.ExpiresAt, caller)
	if err != nil {
		obs.RecordOperation("grant.create", outcomeFor(err))
		a.recordAudit(r.Context(), audit.Entry{
			UserID:         caller,
			Action:         "ACCESS_GRANT",
			Description:    err.Error(),
			RelatedAssetID: req.AssetID,
			Success:        false,
		})
		handleMarketError(w, r, err)
		return
	}
	obs.RecordOperation("grant.create", "ok")

	a.recordAudit(r.Context(), audit.Entry{
		UserID:         caller,
		Action:         "ACCESS_GRANT",
		Description:    "granted " + grant.AccessLevel.String() + " to " + grant.GranteeID,
		RelatedAssetID: grant.AssetID,
		Success:        true,
	})
	a.publish(events.Event{Kind: events.AccessGranted, AssetID: grant.AssetID, ActorID: caller})

	w.Header().Set("Location", "/v1/grants/"+grant.ID)
	writeJSON(w, http.StatusCreated, grant)
}

func (a *API) handleGrantResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/grants/")
	id, rest, _ := strings.Cut(path, "/")
	if id == "" || rest != "revoke" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	grant, err := a.svc.RevokeAccess(r.Context(), id, caller)
	if err != nil {
		obs.RecordOperation("grant.revoke", outcomeFor(err))
		handleMarketError(w, r, err)
		return
	}
	obs.RecordOperation("grant.revoke", "ok")

	a.recordAudit(r.Context(), audit.Entry{
		UserID:         caller,
		Action:         "ACCESS_REVOKE",
		Description:    "revoked grant for " + grant.GranteeID,
		RelatedAssetID: grant.AssetID,
		Success:        true,
	})
	a.publish(events.Event{Kind: events.AccessRevoked, AssetID: grant.AssetID, ActorID: caller})

	writeJSON(w, http.StatusOK, grant)
}

func (a *API) listGrants(w http.ResponseWriter, r *http.Request, assetID string) {
	grants, err := a.svc.ListGrants(r.Context(), assetID)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": grants,
		"as_of": time.Now().UTC(),
	})
}

func (a *API) checkAccess(w http.ResponseWriter, r *http.Request, assetID string) {
	grantee := strings.TrimSpace(r.URL.Query().Get("grantee"))
	if grantee == "" {
		writeError(w, r, http.StatusBadRequest, "grantee query parameter is required")
		return
	}
	ok, level, err := a.svc.CheckAccess(r.Context(), assetID, grantee, time.Now().UTC())
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	resp := map[string]any{"has_access": ok}
	if ok {
		resp["access_level"] = level.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- shared helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// outcomeFor classifies an error for the operations counter.
func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, market.ErrValidation):
		return "validation"
	case errors.Is(err, market.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, market.ErrNotFound):
		return "not_found"
	case errors.Is(err, market.ErrAlreadyListed), errors.Is(err, market.ErrAlreadyInitialized):
		return "conflict"
	default:
		return "error"
	}
}

func handleMarketError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, market.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, market.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, market.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, market.ErrAlreadyListed), errors.Is(err, market.ErrAlreadyInitialized):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, market.ErrNotInitialized):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, market.ErrInconsistent):
		writeError(w, r, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
