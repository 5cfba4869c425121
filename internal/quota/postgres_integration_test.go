//go:build integration

package quota

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/okubit/sluice/internal/testutil"
)

func TestPostgresStore_IncrWithExpiry_Integration(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := NewPostgresStore(db.Pool, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	count, expiresAt, err := store.IncrWithExpiry(ctx, "route|user:alice|100", 1, time.Minute)
	if err != nil {
		t.Fatalf("IncrWithExpiry() error: %v", err)
	}
	if count != 1 {
		t.Errorf("first increment count = %d, want 1", count)
	}
	if expiresAt.IsZero() {
		t.Error("expiresAt is zero")
	}

	count, expiresAt2, err := store.IncrWithExpiry(ctx, "route|user:alice|100", 3, time.Hour)
	if err != nil {
		t.Fatalf("IncrWithExpiry() error: %v", err)
	}
	if count != 4 {
		t.Errorf("second increment count = %d, want 4", count)
	}
	// Expiry is fixed at first touch, later ttls must not move it.
	if !expiresAt2.Equal(expiresAt) {
		t.Errorf("expiry moved from %v to %v", expiresAt, expiresAt2)
	}

	// Distinct buckets do not share counters.
	count, _, err = store.IncrWithExpiry(ctx, "route|user:bob|100", 1, time.Minute)
	if err != nil {
		t.Fatalf("IncrWithExpiry() error: %v", err)
	}
	if count != 1 {
		t.Errorf("other bucket count = %d, want 1", count)
	}
}

func TestPostgresStore_Concurrent_Integration(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := NewPostgresStore(db.Pool, slog.New(slog.DiscardHandler))

	const (
		goroutines = 10
		perWorker  = 20
	)

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				if _, _, err := store.IncrWithExpiry(context.Background(), "shared", 1, time.Minute); err != nil {
					t.Errorf("IncrWithExpiry() error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	count, _, err := store.IncrWithExpiry(context.Background(), "shared", 0, time.Minute)
	if err != nil {
		t.Fatalf("IncrWithExpiry() error: %v", err)
	}
	if want := int64(goroutines * perWorker); count != want {
		t.Errorf("final count = %d, want %d", count, want)
	}
}

func TestLedgerWithPostgres_Integration(t *testing.T) {
	db := testutil.SetupTestDB(t)

	l := NewLedger(Config{
		Store:  NewPostgresStore(db.Pool, slog.New(slog.DiscardHandler)),
		Route:  Policy{Limit: 2, Window: time.Minute},
		Logger: slog.New(slog.DiscardHandler),
	})

	key := RouteKey("user:alice")
	for i := range 2 {
		if d := l.Consume(context.Background(), key, 1); !d.Allowed {
			t.Fatalf("call %d denied, want allowed", i+1)
		}
	}

	d := l.Consume(context.Background(), key, 1)
	if d.Allowed {
		t.Fatal("third call allowed, want denied")
	}
	if d.Degraded {
		t.Error("budget denial marked degraded")
	}
	if d.ResetAt.IsZero() {
		t.Error("denial carries no ResetAt")
	}
}
