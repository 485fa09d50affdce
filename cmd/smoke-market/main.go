package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

// End-to-end exercise against a running API: mint a token, initialize the
// marketplace, register and verify an asset, sell it, grant access, and
// confirm the audit trail recorded every step.
func main() {
	base := os.Getenv("INTELMARKET_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	token := obtainToken(client, base)
	auth := "Bearer " + token

	m := call(client, http.MethodPost, base+"/v1/marketplace", auth, map[string]any{
		"fee_basis_points":         500,
		"max_classification_level": 5,
		"authority_id":             "smoke-authority",
	}, http.StatusCreated, http.StatusConflict)
	log.Printf("marketplace: %v", m["id"])

	asset := call(client, http.MethodPost, base+"/v1/assets", auth, map[string]any{
		"title":                "Smoke Test Intercept",
		"description":          "synthetic traffic sample",
		"content_uri":          "s3://smoke/intercept",
		"category":             "SIGINT",
		"classification_level": 2,
		"tier":                 "Synthetic",
		"price":                10_000,
	}, http.StatusCreated)
	assetID := asset["id"].(string)

	verified := call(client, http.MethodPost, base+"/v1/assets/"+assetID+"/verify", auth, map[string]any{
		"note": "smoke verification",
	}, http.StatusOK)
	if verified["is_verified"] != true {
		log.Fatalf("asset not verified: %v", verified)
	}

	listing := call(client, http.MethodPost, base+"/v1/listings", auth, map[string]any{
		"asset_id": assetID,
		"price":    20_000,
	}, http.StatusCreated)
	listingID := listing["id"].(string)

	settlement := call(client, http.MethodPost, base+"/v1/listings/"+listingID+"/settle", auth, map[string]any{
		"buyer_id": "smoke-buyer",
	}, http.StatusOK)
	fee := settlement["fee_amount"].(float64)
	proceeds := settlement["seller_proceeds"].(float64)
	if fee+proceeds != 20_000 {
		log.Fatalf("settlement does not balance: fee=%v proceeds=%v", fee, proceeds)
	}

	grant := call(client, http.MethodPost, base+"/v1/grants", auth, map[string]any{
		"asset_id":     assetID,
		"grantee_id":   "smoke-analyst",
		"access_level": "View",
		"expires_at":   time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	}, http.StatusCreated)
	log.Printf("grant: %v", grant["id"])

	access := call(client, http.MethodGet, base+"/v1/assets/"+assetID+"/access?grantee=smoke-analyst", auth, nil, http.StatusOK)
	if access["has_access"] != true {
		log.Fatalf("expected effective access: %v", access)
	}

	trail := call(client, http.MethodGet, base+"/v1/audit?limit=100", auth, nil, http.StatusOK)
	items, _ := trail["items"].([]any)
	if len(items) == 0 {
		log.Fatalf("audit trail is empty")
	}

	fmt.Printf("✅ marketplace smoke test passed: asset=%s listing=%s\n", assetID, listingID)
}

func obtainToken(client *http.Client, base string) string {
	resp := call(client, http.MethodPost, base+"/v1/auth/token", "", map[string]any{
		"user":  "smoke-authority",
		"roles": []string{"authority"},
	}, http.StatusOK)
	token, _ := resp["token"].(string)
	if token == "" {
		log.Fatal("no token issued")
	}
	return token
}

func call(client *http.Client, method, url, auth string, body any, wantStatus ...int) map[string]any {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal %s: %v", url, err)
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	ok := false
	for _, want := range wantStatus {
		if resp.StatusCode == want {
			ok = true
			break
		}
	}
	if !ok {
		log.Fatalf("%s %s: unexpected status %d", method, url, resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("decode %s: %v", url, err)
	}
	return out
}
