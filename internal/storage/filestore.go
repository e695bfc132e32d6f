package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"warden/internal/penalty"
)

// FileStore persists the violation snapshot as a single JSON object keyed by
// member id, each value a kind -> {count, expiresAt} mapping with epoch
// millisecond expiries. Saves share one temp path, so the write-rename
// sequence is serialized under a mutex; without it two concurrent saves
// could truncate each other's temp file or publish out of order.
type FileStore struct {
	mu   sync.Mutex
	path string
}

type fileRecord struct {
	Count     int    `json:"count"`
	ExpiresAt *int64 `json:"expiresAt,omitempty"`
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns an empty state when the file does not exist yet.
func (s *FileStore) Load(ctx context.Context) (penalty.State, error) {
	_ = ctx
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(penalty.State), nil
		}
		return nil, fmt.Errorf("%w: %v", penalty.ErrStoreUnavailable, err)
	}

	var raw map[string]map[string]fileRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", penalty.ErrStoreUnavailable, err)
	}

	state := make(penalty.State, len(raw))
	for memberID, kinds := range raw {
		for kind, rec := range kinds {
			out := penalty.Record{Count: rec.Count}
			if rec.ExpiresAt != nil {
				expiry := time.UnixMilli(*rec.ExpiresAt)
				out.ExpiresAt = &expiry
			}
			state.Put(memberID, penalty.Kind(kind), out)
		}
	}
	return state, nil
}

// Save writes the full snapshot to a temp file and renames it into place,
// so a crash mid-write cannot corrupt the store.
func (s *FileStore) Save(ctx context.Context, state penalty.State) error {
	_ = ctx
	raw := make(map[string]map[string]fileRecord, len(state))
	for memberID, kinds := range state {
		out := make(map[string]fileRecord, len(kinds))
		for kind, rec := range kinds {
			entry := fileRecord{Count: rec.Count}
			if rec.ExpiresAt != nil {
				millis := rec.ExpiresAt.UnixMilli()
				entry.ExpiresAt = &millis
			}
			out[string(kind)] = entry
		}
		raw[memberID] = out
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", penalty.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", penalty.ErrStoreUnavailable, err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", penalty.ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: %v", penalty.ErrStoreUnavailable, err)
	}
	return nil
}
