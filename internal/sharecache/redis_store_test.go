package sharecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSaveAndLookup(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	err := store.Save(ctx, "tok-abc", Entry{ProposalID: "prop-1", ShareID: "shr-1"}, nil)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entry, err := store.Lookup(ctx, "tok-abc")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if entry.ProposalID != "prop-1" {
		t.Errorf("expected proposal prop-1, got %s", entry.ProposalID)
	}
	if entry.ShareID != "shr-1" {
		t.Errorf("expected share shr-1, got %s", entry.ShareID)
	}
}

func TestLookupMissingToken(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	_, err := store.Lookup(context.Background(), "never-saved")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTTLClampedToShareExpiry(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	expiresAt := time.Now().Add(time.Minute)

	err := store.Save(ctx, "tok-short", Entry{ProposalID: "prop-2"}, &expiresAt)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Cache entry must not outlive the share expiry.
	s.FastForward(2 * time.Minute)

	_, err = store.Lookup(ctx, "tok-short")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestSaveExpiredShareIsNoop(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	expired := time.Now().Add(-time.Minute)

	if err := store.Save(ctx, "tok-expired", Entry{ProposalID: "prop-3"}, &expired); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	_, err := store.Lookup(ctx, "tok-expired")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired share, got %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	if err := store.Save(ctx, "tok-revoke", Entry{ProposalID: "prop-4"}, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "tok-revoke"); err != nil {
		t.Fatalf("Lookup before invalidate failed: %v", err)
	}

	if err := store.Invalidate(ctx, "tok-revoke"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	_, err := store.Lookup(ctx, "tok-revoke")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after invalidate, got %v", err)
	}

	// Invalidating a missing token should not error.
	if err := store.Invalidate(ctx, "tok-missing"); err != nil {
		t.Errorf("Invalidate for missing token failed: %v", err)
	}
}
