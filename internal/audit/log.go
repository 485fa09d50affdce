// Package audit keeps the append-only record of privileged marketplace
// actions. Entries are never mutated, reordered, or deleted; identity is a
// generated id paired with a strictly monotonic sequence number, so two
// rapid actions by the same user never collide.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"intelmarket.org/internal/ids"
	"intelmarket.org/internal/obs"
)

// Entry is one immutable audit record. Success reflects the outcome of the
// audited action, not of the audit write; failed attempts are loggable.
type Entry struct {
	ID                  string    `json:"id"`
	Sequence            uint64    `json:"sequence"`
	UserID              string    `json:"user_id"`
	Action              string    `json:"action"`
	Description         string    `json:"description"`
	ClassificationLevel int       `json:"classification_level"`
	RelatedAssetID      string    `json:"related_asset_id,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
	Success             bool      `json:"success"`
}

var (
	ErrEmptyUser   = errors.New("audit: user id is required")
	ErrEmptyAction = errors.New("audit: action is required")
)

// Log is the append-only audit sink.
type Log interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	// List returns entries with sequence > afterSeq in sequence order and
	// the last sequence returned. Readers always see a prefix-consistent
	// view and never block writers.
	List(ctx context.Context, limit int, afterSeq uint64) ([]Entry, uint64, error)
}

// InMemory is the in-process Log. Appends take the write lock only long
// enough to assign the sequence and extend the slice.
type InMemory struct {
	mu      sync.RWMutex
	seq     uint64
	entries []Entry
}

// NewInMemory creates an empty audit log.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (l *InMemory) Append(ctx context.Context, e Entry) (Entry, error) {
	if strings.TrimSpace(e.UserID) == "" {
		return Entry{}, ErrEmptyUser
	}
	if strings.TrimSpace(e.Action) == "" {
		return Entry{}, ErrEmptyAction
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.ID = ids.New()

	l.mu.Lock()
	l.seq++
	e.Sequence = l.seq
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	emit(ctx, e)
	return e, nil
}

func (l *InMemory) List(ctx context.Context, limit int, afterSeq uint64) ([]Entry, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	// Entries are append-only, so a copy of the slice header taken under
	// the lock is a stable prefix; the scan itself never holds the lock
	// and cannot delay writers.
	l.mu.RLock()
	snapshot := l.entries
	l.mu.RUnlock()

	var res []Entry
	var last uint64
	for _, e := range snapshot {
		if e.Sequence <= afterSeq {
			continue
		}
		res = append(res, e)
		last = e.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit
// emission.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// emit mirrors every appended entry as a structured JSON log line.
func emit(ctx context.Context, e Entry) {
	line := map[string]any{
		"ts":                   e.Timestamp.Format(time.RFC3339Nano),
		"type":                 "audit",
		"sequence":             e.Sequence,
		"audit_id":             e.ID,
		"user_id":              e.UserID,
		"action":               e.Action,
		"classification_level": e.ClassificationLevel,
		"success":              e.Success,
	}
	if e.Description != "" {
		line["description"] = e.Description
	}
	if e.RelatedAssetID != "" {
		line["asset_id"] = e.RelatedAssetID
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		line["request_id"] = rid
	}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}
