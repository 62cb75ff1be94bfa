package bolt

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestRepo(t *testing.T) (*PreferencesRepository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "prefs.db")
	repo, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return repo, path
}

func TestPreferencesRepositoryLifecycle(t *testing.T) {
	repo, _ := openTestRepo(t)
	defer repo.Close()
	ctx := context.Background()

	if _, ok, err := repo.Load(ctx); ok || err != nil {
		t.Fatalf("empty Load = ok:%v err:%v", ok, err)
	}
	if err := repo.Save(ctx, []byte(`{"version":2}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	payload, ok, err := repo.Load(ctx)
	if err != nil || !ok || string(payload) != `{"version":2}` {
		t.Fatalf("Load = %q ok:%v err:%v", payload, ok, err)
	}
	if err := repo.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := repo.Load(ctx); ok {
		t.Fatalf("Load after Clear should be absent")
	}
	if err := repo.Clear(ctx); err != nil {
		t.Fatalf("Clear on empty store: %v", err)
	}
}

func TestPreferencesRepositoryPersistsAcrossReopen(t *testing.T) {
	repo, path := openTestRepo(t)
	if err := repo.Save(context.Background(), []byte("payload")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	payload, ok, err := reopened.Load(context.Background())
	if err != nil || !ok || string(payload) != "payload" {
		t.Fatalf("Load = %q ok:%v err:%v", payload, ok, err)
	}
}

func TestPreferencesRepositoryHonoursCancelledContext(t *testing.T) {
	repo, _ := openTestRepo(t)
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := repo.Save(ctx, []byte("x")); err == nil {
		t.Fatalf("Save with cancelled context should fail")
	}
}
