package latentcache

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/config"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

func testEntry(seed float32) Entry {
	lat := tensor.MustNew([]int{4, 2, 1, 1}, nil)
	for i := range lat.Data {
		lat.Data[i] = seed + float32(i)
	}
	return Entry{
		Latents:     lat,
		Signal:      tensor.MustNew([]int{4, 2}, []float32{1, 2, 3, 4, 5, 6, 7, 8}),
		Prompt:      "a person walking",
		PromptIDs:   []int{49406, 320, 49407},
		MotionScore: 63.5,
		Source:      "video_blip",
	}
}

func sameEntry(t *testing.T, got, want Entry) {
	t.Helper()
	if !tensor.Equal(got.Latents, want.Latents) || !tensor.Equal(got.Signal, want.Signal) {
		t.Error("tensors differ after the round trip")
	}
	if got.Prompt != want.Prompt || got.Source != want.Source || got.MotionScore != want.MotionScore {
		t.Errorf("fields differ: %+v vs %+v", got, want)
	}
	if !reflect.DeepEqual(got.PromptIDs, want.PromptIDs) {
		t.Errorf("prompt ids %v, want %v", got.PromptIDs, want.PromptIDs)
	}
}

func TestEncodeDecode(t *testing.T) {
	want := testEntry(1)
	b, err := Encode(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	sameEntry(t, got, want)

	if _, err := Encode(Entry{Latents: want.Latents}); err == nil {
		t.Error("Expected error for an entry without signal")
	}
	if _, err := Decode([]byte{1, 2}); err == nil {
		t.Error("Expected error for a truncated blob")
	}
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.Get(ctx, Key(0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	for i := 2; i >= 0; i-- {
		if err := s.Put(ctx, Key(i), testEntry(float32(i))); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(keys, []string{"00000000", "00000001", "00000002"}) {
		t.Errorf("keys = %v", keys)
	}
	got, err := s.Get(ctx, Key(1))
	if err != nil {
		t.Fatal(err)
	}
	sameEntry(t, got, testEntry(1))
}

func TestDirStore(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exerciseStore(t, s)

	if _, err := NewDirStore(""); err == nil {
		t.Error("Expected error for an empty directory")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(0))

	t.Run("Eviction", func(t *testing.T) {
		ctx := context.Background()
		s := NewMemoryStore(2)
		s.Put(ctx, "a", testEntry(0))
		s.Put(ctx, "b", testEntry(1))
		if _, err := s.Get(ctx, "a"); err != nil {
			t.Fatal(err)
		}
		s.Put(ctx, "c", testEntry(2))

		if _, err := s.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
			t.Error("least recently used entry should be evicted")
		}
		keys, _ := s.Keys(ctx)
		if !reflect.DeepEqual(keys, []string{"a", "c"}) {
			t.Errorf("keys = %v", keys)
		}
		st := s.Stats()
		if st.Size != 2 || st.Hits != 1 || st.Misses != 1 || st.HitRate != 50 {
			t.Errorf("stats = %s", st)
		}
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.CachedLatentDir = t.TempDir()

	s, err := Open(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*DirStore); !ok {
		t.Errorf("default store is %T", s)
	}

	cfg.LatentCache.Kind = "memory"
	if s, _ = Open(ctx, cfg, zerolog.Nop()); s == nil {
		t.Fatal("nil memory store")
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("memory store is %T", s)
	}

	cfg.LatentCache.Kind = "s3"
	if _, err := Open(ctx, cfg, zerolog.Nop()); !errors.Is(err, config.ErrConfig) {
		t.Errorf("Expected ErrConfig, got %v", err)
	}
}

// TestRedisStore runs against the server in SIGDIFF_TEST_REDIS.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("SIGDIFF_TEST_REDIS")
	if addr == "" {
		t.Skip("SIGDIFF_TEST_REDIS not set")
	}
	ctx := context.Background()
	prefix := "sigdiff:test:" + time.Now().Format("150405.000000") + ":"
	s, err := NewRedisStore(ctx, RedisOptions{Addr: addr, Prefix: prefix, TTL: time.Minute}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		s.client.Del(ctx, s.indexKey(), prefix+Key(0), prefix+Key(1), prefix+Key(2))
		s.Close()
	}()
	exerciseStore(t, s)
}
