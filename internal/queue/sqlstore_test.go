package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "queue.db")
	store, err := NewSQLStore("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	msg, units := enqueueTestMessage(t, store, "sender@local.test", "a@example.com", "b@other.net")
	if len(units) != 2 {
		t.Fatalf("units = %d, want 2", len(units))
	}

	t.Run("MessagePersisted", func(t *testing.T) {
		got, err := store.Message(ctx, msg.ID)
		if err != nil {
			t.Fatalf("message: %v", err)
		}
		if got.From != msg.From || got.ContentKey != msg.ContentKey || got.Size != msg.Size {
			t.Fatalf("message = %+v", got)
		}
		if !got.ExpiresAt.Equal(msg.ExpiresAt) {
			t.Fatalf("expires = %v, want %v", got.ExpiresAt, msg.ExpiresAt)
		}
	})

	t.Run("UnitPersisted", func(t *testing.T) {
		for _, u := range units {
			got, err := store.Unit(ctx, u.ID())
			if err != nil {
				t.Fatalf("unit %v: %v", u.ID(), err)
			}
			if got.Status != StatusScheduled || len(got.Recipients) != 1 {
				t.Fatalf("unit = %+v", got)
			}
		}
	})

	t.Run("UnknownIDsNotFound", func(t *testing.T) {
		if _, err := store.Message(ctx, "nope"); err != ErrNotFound {
			t.Fatalf("message err = %v", err)
		}
		if _, err := store.Unit(ctx, UnitID{MessageID: "nope", Domain: "x"}); err != ErrNotFound {
			t.Fatalf("unit err = %v", err)
		}
	})

	t.Run("StatsCount", func(t *testing.T) {
		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Messages != 1 || stats.Scheduled != 2 || stats.InProgress != 0 {
			t.Fatalf("stats = %+v", stats)
		}
	})
}

func TestSQLStoreClaimProtocol(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	msg, units := enqueueTestMessage(t, store, "s@local.test", "a@example.com", "b@other.net")
	first := units[0].ID()

	t.Run("ClaimWinsOnce", func(t *testing.T) {
		unit, ok, err := store.TryClaim(ctx, first, "w1", time.Minute)
		if err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		if unit.Status != StatusInProgress || unit.LeaseToken != "w1" {
			t.Fatalf("claimed unit = %+v", unit)
		}

		if _, ok, _ := store.TryClaim(ctx, first, "w2", time.Minute); ok {
			t.Fatal("second claim succeeded on a leased unit")
		}
	})

	t.Run("StaleReleaseDiscarded", func(t *testing.T) {
		res, err := store.Release(ctx, first, "w2", UnitUpdate{
			Delivered: []Recipient{{Address: "a@example.com"}},
		})
		if err != nil {
			t.Fatalf("release: %v", err)
		}
		if res.Applied {
			t.Fatal("release with wrong token applied")
		}
	})

	t.Run("RetryReleaseReschedules", func(t *testing.T) {
		due := time.Now().Add(time.Hour)
		res, err := store.Release(ctx, first, "w1", UnitUpdate{
			Retry: &RetryPlan{
				Recipients: []Recipient{{Address: "a@example.com", Retries: 1, LastError: "451"}},
				RetryCount: 1,
				NextDue:    due,
				LastError:  "451",
			},
		})
		if err != nil || !res.Applied {
			t.Fatalf("retry release = %+v err=%v", res, err)
		}

		unit, err := store.Unit(ctx, first)
		if err != nil {
			t.Fatalf("unit: %v", err)
		}
		if unit.Status != StatusScheduled || unit.RetryCount != 1 || unit.LeaseToken != "" {
			t.Fatalf("rescheduled unit = %+v", unit)
		}
		if !unit.NextDue.Equal(due) {
			t.Fatalf("next due = %v, want %v", unit.NextDue, due)
		}
	})

	t.Run("TerminalReleaseRemovesMessageWithLastUnit", func(t *testing.T) {
		second := units[1].ID()
		if _, ok, _ := store.TryClaim(ctx, second, "w1", time.Minute); !ok {
			t.Fatal("claim second unit failed")
		}
		res, err := store.Release(ctx, second, "w1", UnitUpdate{
			Delivered: []Recipient{{Address: "b@other.net"}},
		})
		if err != nil || !res.Applied {
			t.Fatalf("release = %+v err=%v", res, err)
		}
		if res.MessageDone {
			t.Fatal("message done while a unit remains")
		}

		// Finish the rescheduled unit too; its lease must be taken first.
		if _, ok, _ := store.TryClaim(ctx, first, "w1", time.Minute); ok {
			t.Fatal("claimed a unit before its due time")
		}
		if _, err := store.db.ExecContext(ctx,
			`UPDATE queue_units SET next_due = 0 WHERE message_id = ?`, first.MessageID); err != nil {
			t.Fatalf("force due: %v", err)
		}
		if _, ok, _ := store.TryClaim(ctx, first, "w1", time.Minute); !ok {
			t.Fatal("claim after due failed")
		}
		res, err = store.Release(ctx, first, "w1", UnitUpdate{
			Delivered: []Recipient{{Address: "a@example.com"}},
		})
		if err != nil || !res.Applied || !res.MessageDone {
			t.Fatalf("final release = %+v err=%v", res, err)
		}
		if _, err := store.Message(ctx, msg.ID); err != ErrNotFound {
			t.Fatalf("message after completion: %v", err)
		}
	})
}

func TestSQLStoreLeaseReap(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	_, units := enqueueTestMessage(t, store, "s@local.test", "a@example.com")
	id := units[0].ID()

	if _, ok, _ := store.TryClaim(ctx, id, "crashed", 5*time.Millisecond); !ok {
		t.Fatal("claim failed")
	}

	later := time.Now().Add(20 * time.Millisecond)
	n, err := store.ReapExpiredLeases(ctx, later)
	if err != nil || n != 1 {
		t.Fatalf("reaped %d err=%v", n, err)
	}

	unit, _ := store.Unit(ctx, id)
	if unit.Status != StatusScheduled || unit.LeaseToken != "" {
		t.Fatalf("unit after reap = %+v", unit)
	}

	ids, err := store.ListDue(ctx, later)
	if err != nil || len(ids) != 1 {
		t.Fatalf("due after reap = %v err=%v", ids, err)
	}
}
