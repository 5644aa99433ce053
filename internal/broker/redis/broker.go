// Package redis implements interfaces.Broker against Redis, the durable
// external queue that sits downstream of the relational Store (SPEC_FULL.md
// §4.5). The main/processing/dead-letter queues are Redis lists, mirroring
// supervisor.py's queue_task_to_redis/reconcile_db_redis reliable-queue pattern:
// Dequeue moves an envelope from main to processing atomically (BLMOVE),
// and Ack removes it from processing once a worker has picked it up for good.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/common"
	"github.com/ternarybob/optorch/internal/models"
)

// Broker is the Redis-backed interfaces.Broker implementation.
type Broker struct {
	client             *goredis.Client
	logger             arbor.ILogger
	mainQueueKey       string
	processingQueueKey string
	deadLetterQueueKey string
	blobKeyPrefix      string
	leaderKey          string
}

// New dials Redis and verifies connectivity with a PING.
func New(cfg *common.RedisConfig, logger arbor.ILogger) (*Broker, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr()).Msg("Redis broker connected")
	return &Broker{
		client:             client,
		logger:             logger,
		mainQueueKey:       cfg.MainQueueKey,
		processingQueueKey: cfg.ProcessingQueueKey,
		deadLetterQueueKey: cfg.DeadLetterQueueKey,
		blobKeyPrefix:      cfg.BlobKeyPrefix,
		leaderKey:          cfg.LeaderKey,
	}, nil
}

// newWithClient wraps an already-configured client (typically a miniredis-backed
// test client) as a Broker, bypassing New's dialing. Used by this package's
// _test.go files.
func newWithClient(client *goredis.Client, logger arbor.ILogger, cfg *common.RedisConfig) *Broker {
	return &Broker{
		client:             client,
		logger:             logger,
		mainQueueKey:       cfg.MainQueueKey,
		processingQueueKey: cfg.ProcessingQueueKey,
		deadLetterQueueKey: cfg.DeadLetterQueueKey,
		blobKeyPrefix:      cfg.BlobKeyPrefix,
		leaderKey:          cfg.LeaderKey,
	}
}

// Enqueue pushes an envelope onto the tail of the main queue.
func (b *Broker) Enqueue(ctx context.Context, envelope models.Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("redis: marshal envelope: %w", err)
	}
	if err := b.client.RPush(ctx, b.mainQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("redis: enqueue: %w", err)
	}
	return nil
}

// QueueDepth reports the number of envelopes waiting on the main queue, the
// idle signal the Auto-Reoptimizer gates on (SPEC_FULL.md §4.8).
func (b *Broker) QueueDepth(ctx context.Context) (int64, error) {
	depth, err := b.client.LLen(ctx, b.mainQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: queue depth: %w", err)
	}
	return depth, nil
}

// Dequeue blocks up to timeout for an envelope, atomically moving it from the
// main queue to the processing queue (the in-flight set the Watchdog
// reconciles against on restart).
func (b *Broker) Dequeue(ctx context.Context, timeout time.Duration) (*models.Envelope, error) {
	raw, err := b.client.BLMove(ctx, b.mainQueueKey, b.processingQueueKey, "LEFT", "RIGHT", timeout).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: dequeue: %w", err)
	}

	var envelope models.Envelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("redis: unmarshal envelope: %w", err)
	}
	return &envelope, nil
}

// Ack removes an envelope from the processing queue once its Task has been
// durably recorded as dispatched/completed in the Store.
func (b *Broker) Ack(ctx context.Context, envelope models.Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("redis: marshal envelope: %w", err)
	}
	if err := b.client.LRem(ctx, b.processingQueueKey, 1, payload).Err(); err != nil {
		return fmt.Errorf("redis: ack: %w", err)
	}
	return nil
}

// DeadLetter moves an envelope out of the processing queue and onto the
// dead-letter queue, tagged with reason, for an operator to inspect.
func (b *Broker) DeadLetter(ctx context.Context, envelope models.Envelope, reason string) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("redis: marshal envelope: %w", err)
	}

	entry := deadLetterEntry{Envelope: envelope, Reason: reason, DeadLetteredAt: time.Now().UTC()}
	entryPayload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: marshal dead letter entry: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, b.processingQueueKey, 1, payload)
	pipe.RPush(ctx, b.deadLetterQueueKey, entryPayload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: dead letter: %w", err)
	}
	return nil
}

type deadLetterEntry struct {
	Envelope       models.Envelope `json:"envelope"`
	Reason         string          `json:"reason"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
}

// ReconcileProcessing returns every envelope currently sitting in the
// processing queue, the boot-time orphan sweep the Watchdog runs to recover
// envelopes a previous controller process died holding (SPEC_FULL.md §4.7,
// grounded on supervisor.py's reconcile_db_redis).
func (b *Broker) ReconcileProcessing(ctx context.Context) ([]models.Envelope, error) {
	raws, err := b.client.LRange(ctx, b.processingQueueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: reconcile processing: %w", err)
	}

	envelopes := make([]models.Envelope, 0, len(raws))
	for _, raw := range raws {
		var envelope models.Envelope
		if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
			b.logger.Warn().Err(err).Msg("skipping malformed processing-queue entry")
			continue
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes, nil
}

func (b *Broker) blobKey(key string) string {
	return b.blobKeyPrefix + key
}

// PutBlob stores a Task's input parameter-file bytes under a transient key
// (spec.md §6.2's "task:<id>:input_blob" entries), read once by the worker and
// then deleted.
func (b *Broker) PutBlob(ctx context.Context, key string, data []byte) error {
	if err := b.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis: put blob: %w", err)
	}
	return nil
}

// GetBlob reads a previously stored blob.
func (b *Broker) GetBlob(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis: blob %s: %w", key, ErrBlobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get blob: %w", err)
	}
	return data, nil
}

// DeleteBlob removes a blob entry once its Task has consumed it.
func (b *Broker) DeleteBlob(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: delete blob: %w", err)
	}
	return nil
}

// ErrBlobNotFound is returned by GetBlob when the key has expired or was never
// written.
var ErrBlobNotFound = errors.New("redis: blob not found")

// AcquireLeaderLease attempts to claim the single-active-controller lease via
// SETNX + TTL, the Leader election primitive spec.md §9 calls for when more than
// one controller process runs against the same Store/Broker pair.
func (b *Broker) AcquireLeaderLease(ctx context.Context, controllerID string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, b.leaderKey, controllerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: acquire leader lease: %w", err)
	}
	return ok, nil
}

// renewScript extends the lease only if this controller still holds it, so a
// controller that lost the lease (TTL expired, another process claimed it)
// cannot stomp on the new holder.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`

// RenewLeaderLease extends the current holder's TTL, failing closed (false, no
// error) if the lease has already passed to a different controller.
func (b *Broker) RenewLeaderLease(ctx context.Context, controllerID string, ttl time.Duration) (bool, error) {
	result, err := b.client.Eval(ctx, renewScript, []string{b.leaderKey}, controllerID, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("redis: renew leader lease: %w", err)
	}
	renewed, _ := result.(int64)
	return renewed == 1, nil
}

// releaseScript deletes the key only if this controller still holds it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// ReleaseLeaderLease gives up the lease on graceful shutdown, so a new
// controller doesn't have to wait out the full TTL.
func (b *Broker) ReleaseLeaderLease(ctx context.Context, controllerID string) error {
	if err := b.client.Eval(ctx, releaseScript, []string{b.leaderKey}, controllerID).Err(); err != nil {
		return fmt.Errorf("redis: release leader lease: %w", err)
	}
	return nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}
