package memory

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSetGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, found, err := s.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("Get missing = found %v, err %v; want not found, nil", found, err)
	}

	if err := s.Set(ctx, "user.name", "Ada"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, found, err := s.Get(ctx, "user.name")
	if err != nil || !found || v != "Ada" {
		t.Fatalf("Get = %q, %v, %v; want Ada, true, nil", v, found, err)
	}

	// Overwrite replaces the value.
	if err := s.Set(ctx, "user.name", "Grace"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	v, _, _ = s.Get(ctx, "user.name")
	if v != "Grace" {
		t.Fatalf("Get after overwrite = %q, want Grace", v)
	}
}

func TestStoreDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := s.Get(ctx, "k"); found {
		t.Fatal("key still present after Delete")
	}
	// Deleting again is a no-op, not an error.
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete absent key: %v", err)
	}
}

func TestStoreListPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for k, v := range map[string]string{
		"user.name":  "Ada",
		"user.email": "ada@example.com",
		"proj.lang":  "go",
	} {
		if err := s.Set(ctx, k, v); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List all returned %d entries, want 3", len(all))
	}
	if all[0].Key != "proj.lang" {
		t.Fatalf("List not ordered by key: first = %s", all[0].Key)
	}

	users, err := s.List(ctx, "user.")
	if err != nil {
		t.Fatalf("List prefix: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("List user. returned %d entries, want 2", len(users))
	}
	for _, e := range users {
		if e.UpdatedAt.IsZero() {
			t.Fatalf("entry %s has zero UpdatedAt", e.Key)
		}
	}
}

func TestStoreSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "prefs.editor", "Neovim with gopls"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "prefs.shell", "zsh"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Search(ctx, "NEOVIM")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Key != "prefs.editor" {
		t.Fatalf("Search neovim = %+v, want the editor entry", got)
	}

	// Keyword matches keys as well as values.
	got, err = s.Search(ctx, "shell")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Key != "prefs.shell" {
		t.Fatalf("Search shell = %+v, want the shell entry", got)
	}
}

func TestStoreReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	v, found, err := s2.Get(ctx, "k")
	if err != nil || !found || v != "v" {
		t.Fatalf("Get after reopen = %q, %v, %v; want v, true, nil", v, found, err)
	}
}
