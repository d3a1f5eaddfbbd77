package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const syncQueueKey = "sync_queue"

const defaultQueueMaxRetries = 5

// QueueItem is one pending upload waiting for the dashboard to become
// reachable again.
type QueueItem struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Retries   int             `json:"retries"`
}

// SyncQueue is a durable FIFO of failed uploads persisted in the store
// under a single key. All mutation goes through the queue's own lock;
// nothing else writes the key.
type SyncQueue struct {
	store      Store
	logger     *slog.Logger
	maxRetries int

	mu sync.Mutex
}

type SyncQueueOptions struct {
	MaxRetries int
}

func NewSyncQueue(store Store, logger *slog.Logger, opts SyncQueueOptions) *SyncQueue {
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultQueueMaxRetries
	}
	return &SyncQueue{store: store, logger: logger, maxRetries: maxRetries}
}

func (q *SyncQueue) Add(ctx context.Context, itemType string, data json.RawMessage) (QueueItem, error) {
	if strings.TrimSpace(itemType) == "" || len(data) == 0 {
		return QueueItem{}, ErrInvalidInput
	}
	item := QueueItem{
		ID:        uuid.NewString(),
		Type:      itemType,
		Data:      data,
		Timestamp: nowMillis(),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.loadLocked(ctx)
	if err != nil {
		return QueueItem{}, err
	}
	items = append(items, item)
	if err := q.saveLocked(ctx, items); err != nil {
		return QueueItem{}, err
	}
	q.logger.Info("queued for later sync", "id", item.ID, "type", item.Type, "depth", len(items))
	return item, nil
}

func (q *SyncQueue) Items(ctx context.Context) ([]QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx)
}

func (q *SyncQueue) Len(ctx context.Context) int {
	items, err := q.Items(ctx)
	if err != nil {
		return 0
	}
	return len(items)
}

type queueDecision int

const (
	queueKeep queueDecision = iota
	queueRemove
	queueRetry
)

// Process walks the queue in order. fn returning true removes the
// item; false counts a retry and drops the item once it exceeds the
// retry ceiling; an error leaves the item untouched and moves on.
// fn runs without the queue lock so Add stays responsive during a
// drain; items added while fn runs wait for the next cycle.
func (q *SyncQueue) Process(ctx context.Context, fn func(context.Context, QueueItem) (bool, error)) error {
	if fn == nil {
		return ErrInvalidInput
	}
	q.mu.Lock()
	snapshot, err := q.loadLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	if len(snapshot) == 0 {
		return nil
	}

	decisions := make(map[string]queueDecision, len(snapshot))
	for _, item := range snapshot {
		if ctx.Err() != nil {
			break
		}
		ok, fnErr := fn(ctx, item)
		if fnErr != nil {
			q.logger.Warn("sync attempt failed", "id", item.ID, "type", item.Type, "error", fnErr)
			continue
		}
		if ok {
			decisions[item.ID] = queueRemove
			continue
		}
		decisions[item.ID] = queueRetry
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.loadLocked(ctx)
	if err != nil {
		return err
	}
	remaining := make([]QueueItem, 0, len(items))
	for _, item := range items {
		switch decisions[item.ID] {
		case queueRemove:
			continue
		case queueRetry:
			item.Retries++
			if item.Retries > q.maxRetries {
				q.logger.Warn("dropping queue item after retry ceiling", "id", item.ID, "retries", item.Retries)
				continue
			}
		}
		remaining = append(remaining, item)
	}
	return q.saveLocked(ctx, remaining)
}

func (q *SyncQueue) loadLocked(ctx context.Context) ([]QueueItem, error) {
	var items []QueueItem
	ok, err := GetJSON(ctx, q.store, syncQueueKey, &items)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return items, nil
}

func (q *SyncQueue) saveLocked(ctx context.Context, items []QueueItem) error {
	if items == nil {
		items = []QueueItem{}
	}
	return PutJSON(ctx, q.store, syncQueueKey, items)
}
