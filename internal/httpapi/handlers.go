package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"intelmarket.org/internal/audit"
	"intelmarket.org/internal/events"
	"intelmarket.org/internal/market"
	"intelmarket.org/internal/obs"
)

// ReadyProbe pings the backing store when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer over the marketplace ledger.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	svc      market.Service
	auditLog audit.Log
	bus      *events.Bus

	// authoritySecretHash gates marketplace initialization when set
	// (argon2id encoded hash, INTELMARKET_AUTHORITY_SECRET_HASH).
	authoritySecretHash string

	rateBurst  int
	ratePerSec int
}

func New(rp ReadyProbe, version string, svc market.Service, auditLog audit.Log, bus *events.Bus) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		svc:        svc,
		auditLog:   auditLog,
		bus:        bus,
		rateBurst:  20,
		ratePerSec: 10,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// auth
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	// marketplace ledger
	a.mux.HandleFunc("/v1/marketplace", a.handleMarketplace)
	a.mux.HandleFunc("/v1/assets", a.handleAssetsCollection)
	a.mux.HandleFunc("/v1/assets/", a.handleAssetResource)
	a.mux.HandleFunc("/v1/listings", a.handleListingsCollection)
	a.mux.HandleFunc("/v1/listings/", a.handleListingResource)
	a.mux.HandleFunc("/v1/grants", a.handleGrantsCollection)
	a.mux.HandleFunc("/v1/grants/", a.handleGrantResource)
	a.mux.HandleFunc("/v1/audit", a.handleAudit)
	a.mux.HandleFunc("/v1/events", a.Events)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// SetAuthoritySecretHash installs the encoded hash gating initialization.
func (a *API) SetAuthoritySecretHash(hash string) {
	a.authoritySecretHash = hash
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "intelmarket-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) publish(evt events.Event) {
	if a.bus != nil {
		a.bus.Publish(evt)
	}
}

// recordAudit appends to the audit log on behalf of a handler. The audit
// write is best-effort from the handler's perspective; failures are logged
// rather than failing the already-committed operation.
func (a *API) recordAudit(ctx context.Context, e audit.Entry) {
	if a.auditLog == nil {
		return
	}
	if _, err := a.auditLog.Append(ctx, e); err != nil {
		obs.LogRequest(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "audit_append_failed",
			"error": err.Error(),
		})
	}
}
