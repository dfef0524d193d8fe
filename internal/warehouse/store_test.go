package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/actionlog/actionlog/pkg/types"
)

// testStore exercises the Store contract shared by every dialect. The store
// must be migrated and empty.
func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	ts := time.Date(2025, 7, 15, 10, 15, 30, 0, time.UTC)

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback(ctx)

	// Users
	if u, err := tx.FindUser(ctx, "1"); err != nil || u != nil {
		t.Fatalf("FindUser on empty store = %v, %v", u, err)
	}
	created, err := tx.CreateUser(ctx, types.DimUser{UserID: "1", Device: types.Ptr("mobile"), Location: types.Ptr("Berlin")})
	if err != nil || !created {
		t.Fatalf("CreateUser = %v, %v", created, err)
	}
	created, err = tx.CreateUser(ctx, types.DimUser{UserID: "1", Device: types.Ptr("desktop")})
	if err != nil {
		t.Fatalf("second CreateUser failed: %v", err)
	}
	if created {
		t.Error("second CreateUser should not create")
	}
	u, err := tx.FindUser(ctx, "1")
	if err != nil || u == nil {
		t.Fatalf("FindUser = %v, %v", u, err)
	}
	if u.Device == nil || *u.Device != "mobile" {
		t.Errorf("first-seen device should win, got %v", u.Device)
	}

	if _, err := tx.CreateUser(ctx, types.DimUser{UserID: "3"}); err != nil {
		t.Fatalf("CreateUser with null attributes failed: %v", err)
	}
	u3, err := tx.FindUser(ctx, "3")
	if err != nil || u3 == nil {
		t.Fatalf("FindUser(3) = %v, %v", u3, err)
	}
	if u3.Device != nil || u3.Location != nil {
		t.Errorf("expected null device/location, got %v/%v", u3.Device, u3.Location)
	}

	// Actions
	if a, err := tx.FindAction(ctx, "click"); err != nil || a != nil {
		t.Fatalf("FindAction on empty store = %v, %v", a, err)
	}
	click, created, err := tx.CreateAction(ctx, "click")
	if err != nil || !created {
		t.Fatalf("CreateAction = %v, %v, %v", click, created, err)
	}
	again, created, err := tx.CreateAction(ctx, "click")
	if err != nil {
		t.Fatalf("second CreateAction failed: %v", err)
	}
	if created {
		t.Error("second CreateAction should not create")
	}
	if again.ActionID != click.ActionID {
		t.Errorf("action id changed: %d != %d", again.ActionID, click.ActionID)
	}
	found, err := tx.FindAction(ctx, "click")
	if err != nil || found == nil || found.ActionID != click.ActionID {
		t.Fatalf("FindAction = %v, %v", found, err)
	}

	// Facts
	exists, err := tx.FactExists(ctx, "1", click.ActionID, ts)
	if err != nil || exists {
		t.Fatalf("FactExists on empty store = %v, %v", exists, err)
	}
	fact := types.FactUserAction{UserID: "1", ActionID: click.ActionID, Timestamp: ts}
	created, err = tx.CreateFact(ctx, fact)
	if err != nil || !created {
		t.Fatalf("CreateFact = %v, %v", created, err)
	}
	created, err = tx.CreateFact(ctx, fact)
	if err != nil {
		t.Fatalf("second CreateFact failed: %v", err)
	}
	if created {
		t.Error("duplicate fact should not be created")
	}
	exists, err = tx.FactExists(ctx, "1", click.ActionID, ts.In(time.FixedZone("CEST", 2*60*60)))
	if err != nil || !exists {
		t.Errorf("FactExists should match the same instant in another zone: %v, %v", exists, err)
	}
	exists, err = tx.FactExists(ctx, "1", click.ActionID, ts.Add(time.Second))
	if err != nil || exists {
		t.Errorf("FactExists for a different instant = %v, %v", exists, err)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Errorf("Rollback after Commit should be a no-op, got %v", err)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts != (Counts{Users: 2, Actions: 1, Facts: 1}) {
		t.Errorf("Counts = %+v, want 2/1/1", counts)
	}

	// Rolled back writes are discarded
	tx2, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := tx2.CreateUser(ctx, types.DimUser{UserID: "ghost"}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if _, _, err := tx2.CreateAction(ctx, "hover"); err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}
	if err := tx2.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	counts, err = store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts != (Counts{Users: 2, Actions: 1, Facts: 1}) {
		t.Errorf("Counts after rollback = %+v, want 2/1/1", counts)
	}
}
