package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"intelmarket.org/internal/events"
)

func TestEventStreamDeliversLifecycleEvents(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("operator-1")
	api.initMarketplace(headers)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", headers["Authorization"])
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read opening comment: %v", err)
	}
	if !strings.HasPrefix(first, ":") {
		t.Fatalf("expected SSE comment, got %q", first)
	}

	// The stream is established; a mutation now must show up as an event.
	createResp := api.post("/v1/assets", map[string]any{
		"title":                "Field Report",
		"description":          "routine observation",
		"content_uri":          "s3://bucket/report",
		"category":             "HUMINT",
		"classification_level": 1,
		"tier":                 "Secondary",
		"price":                5000,
	}, headers)
	createResp.Body.Close()
	if createResp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected create status: %d", createResp.StatusCode)
	}

	var evt events.Event
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &evt); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		break
	}
	if evt.Kind != events.AssetCreated {
		t.Fatalf("kind = %q, want %q", evt.Kind, events.AssetCreated)
	}
	if evt.ActorID != "operator-1" {
		t.Fatalf("actor = %q, want operator-1", evt.ActorID)
	}
	if evt.AssetID == "" || evt.Timestamp.IsZero() {
		t.Fatalf("incomplete event: %+v", evt)
	}
}

func TestEventStreamRequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	resp, err := api.client.Get(api.baseURL + "/v1/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated stream status = %d, want 401", resp.StatusCode)
	}
}
