// objectstore_test.go — Both blob backends: round trips, not-found, key safety.
package store

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStoreRoundTrip(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "oemwatch")
	ctx := context.Background()

	if _, err := s.Get(ctx, "discoveries/toyota-au.json"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("missing key err = %v", err)
	}

	blob := []byte(`{"tenantSlug":"toyota-au"}`)
	if err := s.Put(ctx, "discoveries/toyota-au.json", blob); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "discoveries/toyota-au.json")
	if err != nil || !bytes.Equal(got, blob) {
		t.Fatalf("got %q, err %v", got, err)
	}

	// The prefix keeps tenants of one deployment apart.
	if !mr.Exists("oemwatch:discoveries/toyota-au.json") {
		t.Error("key written without prefix")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewFileStore(t.TempDir())
	ctx := context.Background()
	key := "oem/toyota-au/design_captures/homepage/2026-08-25T09:00:00Z/screenshot_desktop.png"

	if _, err := s.Get(ctx, key); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("missing key err = %v", err)
	}
	blob := []byte{0x89, 'P', 'N', 'G'}
	if err := s.Put(ctx, key, blob); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, key)
	if err != nil || !bytes.Equal(got, blob) {
		t.Fatalf("got %v, err %v", got, err)
	}

	// Overwrite replaces atomically.
	if err := s.Put(ctx, key, []byte("v2")); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, key)
	if string(got) != "v2" {
		t.Errorf("after overwrite: %q", got)
	}
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	s := NewFileStore(t.TempDir())
	ctx := context.Background()
	for _, key := range []string{"../outside", "/etc/passwd", "a/../../b"} {
		if err := s.Put(ctx, key, []byte("x")); err == nil {
			t.Errorf("Put(%q) accepted an escaping key", key)
		}
	}
}
