package memory

import (
	"context"
	"testing"
)

func TestPreferencesRepository(t *testing.T) {
	repo := NewPreferencesRepository()
	ctx := context.Background()

	if _, ok, _ := repo.Load(ctx); ok {
		t.Fatalf("new repository should be empty")
	}

	payload := []byte("abc")
	if err := repo.Save(ctx, payload); err != nil {
		t.Fatalf("Save: %v", err)
	}
	payload[0] = 'x'

	got, ok, err := repo.Load(ctx)
	if err != nil || !ok || string(got) != "abc" {
		t.Fatalf("Load = %q ok:%v err:%v", got, ok, err)
	}
	got[0] = 'y'
	if again, _, _ := repo.Load(ctx); string(again) != "abc" {
		t.Fatalf("stored payload must not alias caller slices")
	}

	if err := repo.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := repo.Load(ctx); ok {
		t.Fatalf("Load after Clear should be absent")
	}
}
