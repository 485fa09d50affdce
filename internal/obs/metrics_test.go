package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                             "/",
		"/metrics":                     "/metrics",
		"/v1/assets/abc":               "/v1/assets/:id",
		"/v1/assets/abc/verify":        "/v1/assets/:id/verify",
		"/v1/assets/abc/grants":        "/v1/assets/:id/grants",
		"/v1/assets/abc/extra/more":    "/v1/assets/abc/extra/more",
		"/v1/listings/xyz/cancel":      "/v1/listings/:id/cancel",
		"/v1/listings/xyz/settle":      "/v1/listings/:id/settle",
		"/v1/grants/g1/revoke":         "/v1/grants/:id/revoke",
		"/v1/audit":                    "/v1/audit",
		"/v1/audit?limit=10":           "/v1/audit",
		"/v1/assets/abc/access?x=1":    "/v1/assets/:id/access",
		"/v1/marketplace":              "/v1/marketplace",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
