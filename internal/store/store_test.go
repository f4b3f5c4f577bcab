package store

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/odvcencio/forgesim/internal/models"
)

func insertUser(t *testing.T, s *Store, name string) models.User {
	t.Helper()
	var u models.User
	if err := s.Update(context.Background(), "insert_user", func(tx *Tx) error {
		u = tx.Users().Insert(func(id string) models.User {
			return models.User{ID: id, Username: name, Status: models.UserActive}
		})
		return nil
	}); err != nil {
		t.Fatalf("insert %s: %v", name, err)
	}
	return u
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := New(Options{})
	ada := insertUser(t, s, "ada")
	version := s.Version()

	boom := errors.New("boom")
	err := s.Update(context.Background(), "failing", func(tx *Tx) error {
		tx.Users().Insert(func(id string) models.User { return models.User{ID: id, Username: "bob"} })
		renamed := ada
		renamed.Username = "ada2"
		tx.Users().Put(ada.ID, renamed)
		tx.NextSequence("issues:1")
		tx.Users().Delete(ada.ID)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if s.Version() != version {
		t.Fatalf("version moved to %d after rollback", s.Version())
	}

	_ = s.View(context.Background(), "check", func(tx *Tx) error {
		if tx.Users().Len() != 1 {
			t.Fatalf("users = %d, want 1", tx.Users().Len())
		}
		got, ok := tx.Users().Get(ada.ID)
		if !ok || got.Username != "ada" {
			t.Fatalf("ada = %+v, %v", got, ok)
		}
		return nil
	})

	// Sequences rolled back too: the next value is still 1.
	var n int64
	_ = s.Update(context.Background(), "seq", func(tx *Tx) error {
		n = tx.NextSequence("issues:1")
		return nil
	})
	if n != 1 {
		t.Fatalf("sequence = %d, want 1", n)
	}
}

func TestUpdateRollsBackOnPanic(t *testing.T) {
	s := New(Options{})
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = s.Update(context.Background(), "panicking", func(tx *Tx) error {
			tx.Users().Insert(func(id string) models.User { return models.User{ID: id} })
			panic("kaboom")
		})
	}()
	if n := s.Counts()["users"]; n != 0 {
		t.Fatalf("users = %d after panic", n)
	}
	// The lock was released.
	insertUser(t, s, "ada")
}

func TestViewRejectsWrites(t *testing.T) {
	s := New(Options{})
	defer func() {
		if r := recover(); r != ErrReadOnly {
			t.Fatalf("recover = %v, want ErrReadOnly", r)
		}
	}()
	_ = s.View(context.Background(), "bad", func(tx *Tx) error {
		tx.Users().Insert(func(id string) models.User { return models.User{ID: id} })
		return nil
	})
}

func TestIDsAreNeverReused(t *testing.T) {
	s := New(Options{})
	a := insertUser(t, s, "a")
	_ = s.Update(context.Background(), "delete", func(tx *Tx) error {
		tx.Users().Delete(a.ID)
		return nil
	})
	_ = s.Update(context.Background(), "rolled_back", func(tx *Tx) error {
		tx.Users().Insert(func(id string) models.User { return models.User{ID: id} })
		return errors.New("abort")
	})
	b := insertUser(t, s, "b")
	if b.ID != "3" {
		t.Fatalf("id = %s, want 3", b.ID)
	}
}

func TestRaiseSequence(t *testing.T) {
	s := New(Options{})
	var got []int64
	_ = s.Update(context.Background(), "seq", func(tx *Tx) error {
		tx.RaiseSequence("k", 5)
		got = append(got, tx.NextSequence("k"))
		tx.RaiseSequence("k", 2)
		got = append(got, tx.NextSequence("k"))
		return nil
	})
	if got[0] != 6 || got[1] != 7 {
		t.Fatalf("sequence = %v, want [6 7]", got)
	}
}

func TestFilterOrdersIDsNumerically(t *testing.T) {
	s := New(Options{})
	for i := 0; i < 12; i++ {
		insertUser(t, s, "u")
	}
	_ = s.View(context.Background(), "order", func(tx *Tx) error {
		rows := tx.Users().Filter(nil)
		if rows[1].ID != "2" || rows[10].ID != "11" {
			t.Fatalf("ids out of order: %s, %s", rows[1].ID, rows[10].ID)
		}
		return nil
	})
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := New(Options{})
	insertUser(t, s, "ada")
	bob := insertUser(t, s, "bob")
	_ = s.Update(context.Background(), "seq", func(tx *Tx) error {
		tx.NextSequence("issues:1")
		tx.Users().Delete(bob.ID)
		return nil
	})
	snap := s.Snapshot()

	restored := New(Options{})
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Counts()["users"] != 1 {
		t.Fatalf("users = %d", restored.Counts()["users"])
	}
	// The counter survives so the deleted id is not handed out again.
	carol := insertUser(t, restored, "carol")
	if carol.ID != "3" {
		t.Fatalf("carol id = %s, want 3", carol.ID)
	}
	var n int64
	_ = restored.Update(context.Background(), "seq", func(tx *Tx) error {
		n = tx.NextSequence("issues:1")
		return nil
	})
	if n != 2 {
		t.Fatalf("sequence after restore = %d, want 2", n)
	}

	if err := restored.Restore(&Snapshot{Version: snapshotVersion + 1}); err == nil {
		t.Fatal("expected newer snapshot version to be rejected")
	}
}

func TestStoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(Options{Registerer: reg})
	insertUser(t, s, "ada")
	_ = s.Update(context.Background(), "insert_user", func(tx *Tx) error { return errors.New("nope") })

	if got := testutil.ToFloat64(s.metrics.transactions.WithLabelValues("insert_user", "update", "ok")); got != 1 {
		t.Fatalf("ok transactions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.metrics.transactions.WithLabelValues("insert_user", "update", "error")); got != 1 {
		t.Fatalf("error transactions = %v, want 1", got)
	}
}
