package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"intelmarket.org/internal/audit"
	"intelmarket.org/internal/auth"
	"intelmarket.org/internal/events"
	"intelmarket.org/internal/market"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("INTELMARKET_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	api := New(ReadyProbe{}, "test", market.NewInMemory(), audit.NewInMemory(), events.New())
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(user string, roles []string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user":  user,
		"roles": roles,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func (c *apiClient) authHeader(user string) map[string]string {
	c.t.Helper()
	token := c.obtainToken(user, []string{"trader"})
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) initMarketplace(headers map[string]string) map[string]any {
	c.t.Helper()
	resp := c.post("/v1/marketplace", map[string]any{
		"fee_basis_points":         500,
		"max_classification_level": 5,
		"authority_id":             "authority-1",
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("unexpected marketplace status: %d", resp.StatusCode)
	}
	return decode[map[string]any](c.t, resp)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAPIAssetLifecycleFlow(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("operator-1")

	m := api.initMarketplace(headers)
	if m["fee_basis_points"].(float64) != 500 {
		t.Fatalf("unexpected fee: %v", m["fee_basis_points"])
	}

	// Create an asset.
	resp := api.post("/v1/assets", map[string]any{
		"title":                "SIGINT Report - Operation Phoenix",
		"description":          "intercepted traffic analysis",
		"content_uri":          "ipfs://QmTest",
		"category":             "SIGINT",
		"classification_level": 3,
		"tier":                 "Primary",
		"tags":                 []string{"comms"},
		"price":                1000000,
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected asset status: %d", resp.StatusCode)
	}
	asset := decode[map[string]any](t, resp)
	assetID := asset["id"].(string)
	if asset["status"] != "Active" {
		t.Fatalf("expected Active status, got %v", asset["status"])
	}
	if asset["is_verified"] != false {
		t.Fatalf("new asset must not be verified")
	}

	// Verification is the authority's call, not the creator's.
	authority := api.authHeader("authority-1")
	resp = api.post("/v1/assets/"+assetID+"/verify", map[string]any{"note": "checked"}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("creator verify should be rejected, got %d", resp.StatusCode)
	}
	resp = api.post("/v1/assets/"+assetID+"/verify", map[string]any{"note": "checked"}, authority)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected verify status: %d", resp.StatusCode)
	}
	verified := decode[map[string]any](t, resp)
	if verified["is_verified"] != true {
		t.Fatalf("asset should be verified")
	}

	// List it for sale.
	resp = api.post("/v1/listings", map[string]any{
		"asset_id": assetID,
		"price":    2000000,
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected listing status: %d", resp.StatusCode)
	}
	listing := decode[map[string]any](t, resp)
	listingID := listing["id"].(string)
	if listing["status"] != "Active" {
		t.Fatalf("expected Active listing, got %v", listing["status"])
	}

	// A second listing for the same asset must conflict.
	resp = api.post("/v1/listings", map[string]any{
		"asset_id": assetID,
		"price":    3000000,
	}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate listing, got %d", resp.StatusCode)
	}

	// Settlement is authority-attested; neither the seller nor a
	// bystander token can flip the listing to Sold.
	for _, who := range []string{"operator-1", "mallory"} {
		resp = api.post("/v1/listings/"+listingID+"/settle", map[string]any{
			"buyer_id": "buyer-7",
		}, api.authHeader(who))
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("settle by %q should be rejected, got %d", who, resp.StatusCode)
		}
	}
	resp = api.post("/v1/listings/"+listingID+"/settle", map[string]any{
		"buyer_id": "buyer-7",
	}, authority)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected settle status: %d", resp.StatusCode)
	}
	settlement := decode[map[string]any](t, resp)
	if settlement["fee_amount"].(float64) != 100000 {
		t.Fatalf("unexpected fee amount: %v", settlement["fee_amount"])
	}
	if settlement["seller_proceeds"].(float64) != 1900000 {
		t.Fatalf("unexpected seller proceeds: %v", settlement["seller_proceeds"])
	}

	// Asset is now sold.
	resp = api.get("/v1/assets/"+assetID, nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected get status: %d", resp.StatusCode)
	}
	sold := decode[map[string]any](t, resp)
	if sold["status"] != "Sold" {
		t.Fatalf("expected Sold status, got %v", sold["status"])
	}
}

func TestAPIGrantFlow(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("operator-1")
	api.initMarketplace(headers)

	resp := api.post("/v1/assets", map[string]any{
		"title":                "HUMINT Digest",
		"description":          "field summary",
		"content_uri":          "s3://bucket/digest",
		"category":             "HUMINT",
		"classification_level": 2,
		"tier":                 "Secondary",
		"price":                50000,
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected asset status: %d", resp.StatusCode)
	}
	asset := decode[map[string]any](t, resp)
	assetID := asset["id"].(string)

	resp = api.post("/v1/grants", map[string]any{
		"asset_id":     assetID,
		"grantee_id":   "analyst-9",
		"access_level": "Download",
		"expires_at":   "2030-01-01T00:00:00Z",
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected grant status: %d", resp.StatusCode)
	}
	grant := decode[map[string]any](t, resp)
	grantID := grant["id"].(string)

	// Effective access is visible.
	resp = api.get("/v1/assets/"+assetID+"/access", url.Values{"grantee": []string{"analyst-9"}}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected access status: %d", resp.StatusCode)
	}
	check := decode[map[string]any](t, resp)
	if check["has_access"] != true {
		t.Fatalf("expected effective access")
	}
	if check["access_level"] != "Download" {
		t.Fatalf("unexpected level: %v", check["access_level"])
	}

	// Revoke and re-check.
	resp = api.post("/v1/grants/"+grantID+"/revoke", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected revoke status: %d", resp.StatusCode)
	}
	revoked := decode[map[string]any](t, resp)
	if revoked["is_active"] != false {
		t.Fatalf("grant should be inactive after revoke")
	}

	resp = api.get("/v1/assets/"+assetID+"/access", url.Values{"grantee": []string{"analyst-9"}}, headers)
	check = decode[map[string]any](t, resp)
	if check["has_access"] != false {
		t.Fatalf("revoked grant must not confer access")
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected access status: %d", resp.StatusCode)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/assets", map[string]any{
		"title": "unauthorized attempt",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestAPIMarketplaceNotInitialized(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("operator-1")

	resp := api.post("/v1/assets", map[string]any{
		"title":                "orphan asset",
		"description":          "x",
		"content_uri":          "s3://x",
		"category":             "OSINT",
		"classification_level": 1,
		"tier":                 "Primary",
		"price":                1,
	}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before initialization, got %d", resp.StatusCode)
	}
}

func TestAPIDoubleInitializeConflicts(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("operator-1")
	api.initMarketplace(headers)

	resp := api.post("/v1/marketplace", map[string]any{
		"fee_basis_points":         100,
		"max_classification_level": 3,
		"authority_id":             "authority-2",
	}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on reinitialize, got %d", resp.StatusCode)
	}
}

func TestAPIAuditTrail(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("operator-1")
	api.initMarketplace(headers)

	resp := api.post("/v1/audit", map[string]any{
		"action":      "manual_review",
		"description": "spot check",
		"success":     true,
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected audit status: %d", resp.StatusCode)
	}
	entry := decode[map[string]any](t, resp)
	if entry["action"] != "MANUAL_REVIEW" {
		t.Fatalf("action should be upper-cased: %v", entry["action"])
	}
	if entry["user_id"] != "operator-1" {
		t.Fatalf("audit user must come from the token, got %v", entry["user_id"])
	}

	resp = api.get("/v1/audit", url.Values{"limit": []string{"10"}}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected audit list status: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	items := payload["items"].([]any)
	if len(items) == 0 {
		t.Fatalf("expected audit entries")
	}
	if payload["next_after"] == nil {
		t.Fatalf("expected pagination field present")
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"user": ""}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
