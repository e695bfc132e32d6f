package bot

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// renameQueue debounces channel renames so bursts of count changes collapse
// into one API call per channel. The newest name always wins.
type renameQueue struct {
	mu      sync.Mutex
	delay   time.Duration
	rename  func(channelID, name string) error
	logger  *zap.Logger
	pending map[string]*pendingRename
}

type pendingRename struct {
	name  string
	timer *time.Timer
}

func newRenameQueue(delay time.Duration, rename func(channelID, name string) error, logger *zap.Logger) *renameQueue {
	return &renameQueue{
		delay:   delay,
		rename:  rename,
		logger:  logger,
		pending: make(map[string]*pendingRename),
	}
}

func (q *renameQueue) Schedule(channelID, name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry := q.pending[channelID]; entry != nil {
		entry.name = name
		return
	}
	entry := &pendingRename{name: name}
	entry.timer = time.AfterFunc(q.delay, func() { q.flush(channelID) })
	q.pending[channelID] = entry
}

func (q *renameQueue) flush(channelID string) {
	q.mu.Lock()
	entry := q.pending[channelID]
	delete(q.pending, channelID)
	q.mu.Unlock()
	if entry == nil {
		return
	}
	if err := q.rename(channelID, entry.name); err != nil {
		q.logger.Warn("channel rename failed", zap.String("channel_id", channelID), zap.Error(err))
	}
}
