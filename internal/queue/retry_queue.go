package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RetryEntry is one failed execution waiting to be re-attempted.
type RetryEntry struct {
	ID            string    `json:"id"`
	AutomationID  string    `json:"automation_id"`
	Attempt       int       `json:"attempt"`
	LastErrorCode string    `json:"last_error_code"`
	LastError     string    `json:"last_error"`
	DueAt         time.Time `json:"due_at"`
}

// RetryQueue holds failed executions in a Redis sorted set scored by due time,
// with entry details in per-entry hashes and exhausted entries in a dead-letter list.
type RetryQueue struct {
	client       *redis.Client
	scheduledKey string
	entryPrefix  string
	dlqKey       string
}

// NewRetryQueue builds a retry queue on an existing client.
func NewRetryQueue(client *redis.Client) *RetryQueue {
	return &RetryQueue{
		client:       client,
		scheduledKey: "queue:retry:scheduled",
		entryPrefix:  "queue:retry:entry:",
		dlqKey:       "queue:retry:dlq",
	}
}

func (q *RetryQueue) entryKey(id string) string {
	return q.entryPrefix + id
}

// Schedule stores the entry and makes it claimable at e.DueAt.
func (q *RetryQueue) Schedule(ctx context.Context, e RetryEntry) (RetryEntry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.entryKey(e.ID),
		"automation_id", e.AutomationID,
		"attempt", e.Attempt,
		"last_error_code", e.LastErrorCode,
		"last_error", e.LastError,
		"due_at", e.DueAt.UnixMilli(),
	)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(e.DueAt.UnixMilli()), Member: e.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return RetryEntry{}, fmt.Errorf("schedule retry: %w", err)
	}
	return e, nil
}

// ClaimDue atomically removes up to limit entries due at or before now and returns them.
// Two schedulers calling ClaimDue concurrently never receive the same entry.
// On a partial failure the loaded entries are returned along with the error.
func (q *RetryQueue) ClaimDue(ctx context.Context, now time.Time, limit int64) ([]RetryEntry, error) {
	res, err := claimScript.Run(ctx, q.client, []string{q.scheduledKey}, now.UnixMilli(), limit).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim retries: %w", err)
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	out := make([]RetryEntry, 0, len(raw))
	var errs []error
	for _, r := range raw {
		id, ok := r.(string)
		if !ok {
			continue
		}
		fields, err := q.client.HGetAll(ctx, q.entryKey(id)).Result()
		if err != nil {
			// Put the id back so the entry is claimed again on a later pass.
			if zerr := q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(now.UnixMilli()), Member: id}).Err(); zerr != nil {
				err = errors.Join(err, zerr)
			}
			errs = append(errs, fmt.Errorf("load retry entry %s: %w", id, err))
			continue
		}
		_ = q.client.Del(ctx, q.entryKey(id)).Err()
		if len(fields) == 0 {
			continue
		}
		out = append(out, entryFromHash(id, fields))
	}
	return out, errors.Join(errs...)
}

func entryFromHash(id string, f map[string]string) RetryEntry {
	attempt, _ := strconv.Atoi(f["attempt"])
	dueMs, _ := strconv.ParseInt(f["due_at"], 10, 64)
	return RetryEntry{
		ID:            id,
		AutomationID:  f["automation_id"],
		Attempt:       attempt,
		LastErrorCode: f["last_error_code"],
		LastError:     f["last_error"],
		DueAt:         time.UnixMilli(dueMs).UTC(),
	}
}

// DeadLetter appends an exhausted entry to the dead-letter list for operational inspection.
func (q *RetryQueue) DeadLetter(ctx context.Context, e RetryEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return q.client.RPush(ctx, q.dlqKey, b).Err()
}

// DLQPeek reads the oldest dead-lettered entries.
func (q *RetryQueue) DLQPeek(ctx context.Context, count int64) ([]RetryEntry, error) {
	items, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]RetryEntry, 0, len(items))
	for _, it := range items {
		var e RetryEntry
		if err := json.Unmarshal([]byte(it), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Depth returns how many retries are waiting, due or not.
func (q *RetryQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey).Result()
}

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for i=1,#ids do
  redis.call('ZREM', KEYS[1], ids[i])
end
return ids
`)
