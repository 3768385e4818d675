package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "profiles.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustAdd(t *testing.T, s *Store, item Item) Item {
	t.Helper()
	added, err := s.AddItem(context.Background(), item)
	if err != nil {
		t.Fatalf("add item %+v: %v", item, err)
	}
	return added
}

func TestAddItemAssignsUID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	item := mustAdd(t, s, Item{
		Type:    ItemRemote,
		Name:    "subscription",
		File:    "sub.yaml",
		URL:     "https://example.com/sub",
		Options: map[string]string{"user-agent": "corevisor"},
	})
	if !strings.HasPrefix(item.UID, "r") || len(item.UID) != 13 {
		t.Fatalf("unexpected uid %q", item.UID)
	}
	if item.Options["user-agent"] != "corevisor" {
		t.Fatalf("options not persisted: %v", item.Options)
	}
	if item.CreatedAt == "" {
		t.Fatal("created_at not populated")
	}
}

func TestAddItemValidates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.AddItem(ctx, Item{Type: "yaml", File: "a.yaml"}); err == nil {
		t.Fatal("expected error for invalid type")
	}
	if _, err := s.AddItem(ctx, Item{Type: ItemMerge}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestItemNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.Item(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if _, err := s.Current(context.Background()); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError for current, got %v", err)
	}
}

func TestUpdateItem(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	item := mustAdd(t, s, Item{Type: ItemLocal, Name: "old", File: "a.yaml"})
	item.Name = "new"
	if err := s.UpdateItem(ctx, item); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.Item(ctx, item.UID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "new" {
		t.Fatalf("name = %q, want new", got.Name)
	}

	if err := s.UpdateItem(ctx, Item{UID: "nope"}); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestCurrentProfile(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	local := mustAdd(t, s, Item{Type: ItemLocal, File: "a.yaml"})
	merge := mustAdd(t, s, Item{Type: ItemMerge, File: "m.yaml"})

	if err := s.SetCurrent(ctx, merge.UID); err == nil {
		t.Fatal("expected merge item to be rejected as current")
	}
	if err := s.SetCurrent(ctx, local.UID); err != nil {
		t.Fatalf("set current: %v", err)
	}
	current, err := s.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.UID != local.UID {
		t.Fatalf("current = %s, want %s", current.UID, local.UID)
	}

	if err := s.DeleteItem(ctx, local.UID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Current(ctx); !IsNotFound(err) {
		t.Fatalf("expected current cleared after delete, got %v", err)
	}
}

func TestChainOrderAndCascade(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	profile := mustAdd(t, s, Item{Type: ItemLocal, File: "p.yaml"})
	m1 := mustAdd(t, s, Item{Type: ItemMerge, File: "m1.yaml"})
	s1 := mustAdd(t, s, Item{Type: ItemScript, File: "s1.js"})
	m2 := mustAdd(t, s, Item{Type: ItemMerge, File: "m2.yaml"})

	if err := s.SetChain(ctx, profile.UID, []string{s1.UID, m2.UID, m1.UID}); err != nil {
		t.Fatalf("set chain: %v", err)
	}
	chain, err := s.Chain(ctx, profile.UID)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	want := []string{s1.UID, m2.UID, m1.UID}
	if len(chain) != len(want) {
		t.Fatalf("chain length = %d, want %d", len(chain), len(want))
	}
	for i, item := range chain {
		if item.UID != want[i] {
			t.Fatalf("chain[%d] = %s, want %s", i, item.UID, want[i])
		}
	}

	if err := s.DeleteItem(ctx, m2.UID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	chain, err = s.Chain(ctx, profile.UID)
	if err != nil {
		t.Fatalf("chain after delete: %v", err)
	}
	if len(chain) != 2 || chain[0].UID != s1.UID || chain[1].UID != m1.UID {
		t.Fatalf("unexpected chain after delete: %+v", chain)
	}
}

func TestSetChainRejectsWrongTypes(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	profile := mustAdd(t, s, Item{Type: ItemLocal, File: "p.yaml"})
	other := mustAdd(t, s, Item{Type: ItemRemote, File: "r.yaml"})

	if err := s.SetChain(ctx, profile.UID, []string{other.UID}); err == nil {
		t.Fatal("expected profile item to be rejected as chain entry")
	}
	if err := s.SetChain(ctx, profile.UID, []string{"missing"}); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "profiles.db")
	rw, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rw.Close()

	ro, err := Open(Options{Path: path, ReadOnly: true})
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	t.Cleanup(func() { ro.Close() })

	if _, err := ro.AddItem(context.Background(), Item{Type: ItemLocal, File: "a.yaml"}); err == nil {
		t.Fatal("expected write to fail on read-only store")
	}
}

func TestWatchReportsChanges(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.Watch(ctx, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	item := mustAdd(t, s, Item{Type: ItemLocal, File: "a.yaml"})
	if err := s.SetCurrent(ctx, item.UID); err != nil {
		t.Fatalf("set current: %v", err)
	}

	select {
	case ev := <-events:
		if !ev.ItemsChanged {
			t.Fatalf("expected items change, got %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}
