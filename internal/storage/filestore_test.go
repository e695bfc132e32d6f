package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"warden/internal/penalty"
)

func TestFileStoreFirstRun(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "violations.json"))
	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if len(state) != 0 {
		t.Fatalf("expected empty state on first run")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "violations.json")
	store := NewFileStore(path)
	ctx := context.Background()

	expiry := time.UnixMilli(1736000000000)
	state := make(penalty.State)
	state.Put("42", penalty.KindStandard, penalty.Record{Count: 2, ExpiresAt: &expiry})
	state.Put("42", penalty.KindSpecial, penalty.Record{Count: 4})

	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rec := got.Get("42", penalty.KindStandard)
	if rec.Count != 2 || rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(expiry) {
		t.Fatalf("record did not round-trip: %+v", rec)
	}
	if rec := got.Get("42", penalty.KindSpecial); rec.Count != 4 || rec.ExpiresAt != nil {
		t.Fatalf("permanent record did not round-trip: %+v", rec)
	}

	// Wire layout: one JSON object keyed by member id, kinds inside,
	// expiries as epoch millis.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var raw map[string]map[string]struct {
		Count     int    `json:"count"`
		ExpiresAt *int64 `json:"expiresAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["42"]["standard"].ExpiresAt == nil || *raw["42"]["standard"].ExpiresAt != 1736000000000 {
		t.Fatalf("expiry not stored as epoch millis: %+v", raw)
	}
	if raw["42"]["special"].ExpiresAt != nil {
		t.Fatalf("permanent record must omit expiresAt")
	}
}

func TestFileStoreConcurrentSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "violations.json")
	store := NewFileStore(path)
	ctx := context.Background()

	// Each goroutine saves a complete snapshot holding exactly one member.
	// Whatever interleaving happens, the published file must always be one
	// whole snapshot, never a blend or a torn write.
	const writers = 16
	const rounds = 25

	done := make(chan struct{})
	readErr := make(chan error, 1)
	go func() {
		defer close(readErr)
		for {
			select {
			case <-done:
				return
			default:
			}
			state, err := store.Load(ctx)
			if err != nil {
				readErr <- err
				return
			}
			if len(state) > 1 {
				readErr <- errors.New("blended snapshot observed")
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			memberID := strconv.Itoa(id)
			for round := 0; round < rounds; round++ {
				state := make(penalty.State)
				state.Put(memberID, penalty.KindStandard, penalty.Record{Count: round + 1})
				if err := store.Save(ctx, state); err != nil {
					t.Errorf("save: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(done)
	if err := <-readErr; err != nil {
		t.Fatalf("reader: %v", err)
	}

	state, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("final load: %v", err)
	}
	if len(state) != 1 {
		t.Fatalf("expected one complete snapshot, got %d members", len(state))
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind after concurrent saves")
	}
}

func TestFileStoreNoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "violations.json")
	store := NewFileStore(path)

	state := make(penalty.State)
	state.Put("1", penalty.KindStandard, penalty.Record{Count: 1})
	if err := store.Save(context.Background(), state); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind after rename")
	}
}
