package market

import (
	"context"
	"testing"
	"time"
)

func TestSweeperRunOnce(t *testing.T) {
	s := newInitialized(t)
	ctx := context.Background()
	a := createTestAsset(t, s, "creator-1")

	dur := int64(30)
	inc := int64(10)
	if _, err := s.ListAsset(ctx, ListAssetInput{
		AssetID: a.ID, Price: 100, IsAuction: true,
		AuctionDurationSeconds: &dur, MinBidIncrement: &inc, SellerID: "creator-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GrantAccess(ctx, a.ID, "analyst-1", AccessView, time.Now().Add(time.Minute), "creator-1"); err != nil {
		t.Fatal(err)
	}

	sw := NewSweeper(s)
	if err := sw.RunOnce(ctx, time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetAsset(ctx, a.ID)
	if got.Status != AssetActive {
		t.Fatalf("asset status = %s, want Active", got.Status)
	}
	grants, _ := s.ListGrants(ctx, a.ID)
	if len(grants) != 1 || grants[0].IsActive {
		t.Fatalf("grant still active: %+v", grants)
	}
}
