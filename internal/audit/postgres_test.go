package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGLogAppendReturnsSequence(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("insert into audit_log").
		WithArgs(sqlmock.AnyArg(), "user-1", "ASSET_CREATE", "created asset", 3, "asset-1", sqlmock.AnyArg(), true).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(uint64(42)))

	log := NewPGLog(db)
	entry, err := log.Append(context.Background(), Entry{
		UserID:              "user-1",
		Action:              "ASSET_CREATE",
		Description:         "created asset",
		ClassificationLevel: 3,
		RelatedAssetID:      "asset-1",
		Success:             true,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if entry.Sequence != 42 {
		t.Fatalf("expected sequence 42, got %d", entry.Sequence)
	}
	if entry.ID == "" {
		t.Fatalf("expected generated id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGLogAppendRejectsEmptyUser(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	log := NewPGLog(db)
	if _, err := log.Append(context.Background(), Entry{Action: "X"}); err != ErrEmptyUser {
		t.Fatalf("expected ErrEmptyUser, got %v", err)
	}
}

func TestPGLogListPaginates(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery("select id, sequence, user_id, action").
		WithArgs(uint64(10), 2).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sequence", "user_id", "action", "description", "classification_level", "related_asset_id", "occurred_at", "success",
		}).
			AddRow("a", uint64(11), "u1", "A1", "", 0, "", now, true).
			AddRow("b", uint64(12), "u1", "A2", "", 0, "", now, true))

	log := NewPGLog(db)
	entries, last, err := log.List(context.Background(), 2, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if last != 12 {
		t.Fatalf("expected last sequence 12, got %d", last)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
