package db

import (
	"context"
	"errors"
	"testing"

	"github.com/vdavid/marketdesk/internal/testutil"
)

func TestGetOrCreateUser(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()

	t.Run("creates new user", func(t *testing.T) {
		userID, err := GetOrCreateUser(ctx, pool, "test@example.com")
		if err != nil {
			t.Fatalf("GetOrCreateUser failed: %v", err)
		}
		if userID == "" {
			t.Fatal("Expected non-empty user ID")
		}

		user, err := GetUser(ctx, pool, userID)
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if user.Email != "test@example.com" {
			t.Errorf("Expected stored email test@example.com, got %s", user.Email)
		}
	})

	t.Run("returns existing user regardless of case", func(t *testing.T) {
		userID1, err := GetOrCreateUser(ctx, pool, "existing@example.com")
		if err != nil {
			t.Fatalf("First GetOrCreateUser failed: %v", err)
		}

		userID2, err := GetOrCreateUser(ctx, pool, "  Existing@Example.COM ")
		if err != nil {
			t.Fatalf("Second GetOrCreateUser failed: %v", err)
		}

		if userID1 != userID2 {
			t.Errorf("Expected same user ID, got %s and %s", userID1, userID2)
		}
	})

	t.Run("rejects an empty email", func(t *testing.T) {
		if _, err := GetOrCreateUser(ctx, pool, "  "); err == nil {
			t.Fatal("Expected an error for an empty email")
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := GetUser(ctx, pool, "00000000-0000-0000-0000-000000000000")
		if !errors.Is(err, ErrUserNotFound) {
			t.Errorf("Expected ErrUserNotFound, got %v", err)
		}
	})
}
