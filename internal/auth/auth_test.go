package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestParseBearer(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer pk-abc123", "pk-abc123"},
		{"lowercase scheme", "bearer pk-abc123", "pk-abc123"},
		{"empty", "", ""},
		{"no scheme", "pk-abc123", ""},
		{"wrong scheme", "Basic dXNlcg==", ""},
		{"scheme only", "Bearer", ""},
		{"trailing space", "Bearer pk-abc ", "pk-abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseBearer(tt.header); got != tt.want {
				t.Errorf("ParseBearer(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestHashKey_Deterministic(t *testing.T) {
	a := HashKey("pk-secret")
	b := HashKey("pk-secret")
	if a != b {
		t.Error("hash must be deterministic")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if a == HashKey("pk-other") {
		t.Error("different keys must hash differently")
	}
}

// eachKeyStore runs fn against both KeyStore implementations.
func eachKeyStore(t *testing.T, fn func(t *testing.T, s KeyStore)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryKeyStore())
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		fn(t, NewRedisKeyStore(rdb))
	})
}

func TestKeyStore_Authenticate(t *testing.T) {
	eachKeyStore(t, func(t *testing.T, s KeyStore) {
		ctx := context.Background()

		if err := s.Register(ctx, "pk-valid", "acct-1"); err != nil {
			t.Fatal(err)
		}

		account, err := s.Authenticate(ctx, "pk-valid")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if account.ID != "acct-1" {
			t.Errorf("expected acct-1, got %s", account.ID)
		}
	})
}

func TestKeyStore_UnknownKey(t *testing.T) {
	eachKeyStore(t, func(t *testing.T, s KeyStore) {
		_, err := s.Authenticate(context.Background(), "pk-nope")
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})
}

func TestKeyStore_EmptyToken(t *testing.T) {
	eachKeyStore(t, func(t *testing.T, s KeyStore) {
		_, err := s.Authenticate(context.Background(), "")
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})
}

func TestKeyStore_RevocationIsImmediate(t *testing.T) {
	eachKeyStore(t, func(t *testing.T, s KeyStore) {
		ctx := context.Background()

		if err := s.Register(ctx, "pk-gone", "acct-1"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Authenticate(ctx, "pk-gone"); err != nil {
			t.Fatal(err)
		}

		if err := s.Revoke(ctx, "pk-gone"); err != nil {
			t.Fatal(err)
		}

		_, err := s.Authenticate(ctx, "pk-gone")
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("revoked key must fail with ErrUnauthorized, got %v", err)
		}
	})
}

func TestKeyStore_RevokedKeyCannotBeReRegistered(t *testing.T) {
	eachKeyStore(t, func(t *testing.T, s KeyStore) {
		ctx := context.Background()

		if err := s.Register(ctx, "pk-dead", "acct-1"); err != nil {
			t.Fatal(err)
		}
		if err := s.Revoke(ctx, "pk-dead"); err != nil {
			t.Fatal(err)
		}

		if err := s.Register(ctx, "pk-dead", "acct-2"); err == nil {
			t.Error("re-registering a revoked key must fail")
		}
		if _, err := s.Authenticate(ctx, "pk-dead"); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("revoked key must stay unauthorized, got %v", err)
		}
	})
}

func TestKeyStore_MultipleKeysOneAccount(t *testing.T) {
	eachKeyStore(t, func(t *testing.T, s KeyStore) {
		ctx := context.Background()

		if err := s.Register(ctx, "pk-a", "acct-1"); err != nil {
			t.Fatal(err)
		}
		if err := s.Register(ctx, "pk-b", "acct-1"); err != nil {
			t.Fatal(err)
		}

		// Revoking one key must not affect the other.
		if err := s.Revoke(ctx, "pk-a"); err != nil {
			t.Fatal(err)
		}
		account, err := s.Authenticate(ctx, "pk-b")
		if err != nil {
			t.Fatalf("sibling key should still authenticate: %v", err)
		}
		if account.ID != "acct-1" {
			t.Errorf("expected acct-1, got %s", account.ID)
		}
	})
}
