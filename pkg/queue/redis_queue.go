// Package queue carries bonus delivery jobs over Redis Streams.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"charterbook/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

const (
	DefaultStream = "charterbook:delivery"
	DefaultGroup  = "delivery-workers"
)

// DeliveryJob tracks one attempt sequence to deliver a bonus claim.
type DeliveryJob struct {
	ID           string    `json:"id"`
	ClaimID      string    `json:"claimId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes one job. A nil error acknowledges it.
type Handler func(ctx context.Context, job DeliveryJob) error

// Enqueuer is the producer side used by the API.
type Enqueuer interface {
	Enqueue(ctx context.Context, claimID string) (DeliveryJob, error)
}

type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	now          func() time.Time
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Client     *redis.Client
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

// NewRedisJobQueue opens a queue. Client, when set, is reused instead of Addr.
func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	client := cfg.Client
	if client == nil {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			return nil, errors.New("redis addr required")
		}
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password})
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = DefaultStream
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = DefaultGroup
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	q := &RedisJobQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       durationOr(cfg.JobTTL, 72*time.Hour),
		maxRetries:   intOr(cfg.MaxRetries, 5),
		block:        durationOr(cfg.Block, 5*time.Second),
		claimIdle:    durationOr(cfg.ClaimIdle, time.Minute),
		retryDelay:   durationOr(cfg.RetryDelay, 2*time.Second),
		maxLen:       int64Or(cfg.MaxLen, 10000),
		readCount:    int64Or(cfg.ReadCount, 10),
		claimCount:   int64Or(cfg.ClaimCount, 10),
		now:          time.Now,
	}
	return q, nil
}

func (q *RedisJobQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// Enqueue records a queued job for claimID and appends it to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, claimID string) (DeliveryJob, error) {
	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return DeliveryJob{}, errors.New("claim id required")
	}
	now := q.now().UTC()
	job := DeliveryJob{
		ID:        util.NewID(),
		ClaimID:   claimID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return DeliveryJob{}, err
	}
	if err := q.client.XAdd(ctx, q.addArgs(job.ID, job.ClaimID)).Err(); err != nil {
		return DeliveryJob{}, fmt.Errorf("enqueue delivery %s: %w", claimID, err)
	}
	return job, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (DeliveryJob, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return DeliveryJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return DeliveryJob{}, false, err
	}
	if len(data) == 0 {
		return DeliveryJob{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is canceled. The
// returned WaitGroup completes once every consumer loop has exited.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) *sync.WaitGroup {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		slog.Warn("delivery queue group setup failed", "stream", q.stream, "group", q.group, "err", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consumeLoop(ctx, consumer, handler)
		}()
	}
	return &wg
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) (err error) {
	q.once.Do(func() {
		err = q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
			err = nil
		}
	})
	return err
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			slog.Warn("delivery queue read failed", "consumer", consumer, "err", err)
			sleepCtx(ctx, q.retryDelay)
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	claimID, _ := msg.Values["claim_id"].(string)
	if jobID == "" || claimID == "" {
		slog.Warn("dropping malformed delivery message", "msg_id", msg.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID, claimID)
	if err != nil {
		// Leave the message pending; XAUTOCLAIM retries it after claimIdle.
		slog.Warn("delivery job status update failed", "job_id", jobID, "err", err)
		return
	}
	herr := handler(ctx, job)
	if herr == nil {
		_ = q.setStatus(ctx, jobID, StatusDone, "")
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if job.Attempts >= q.maxRetries {
		slog.Error("delivery job failed permanently", "job_id", jobID, "claim_id", claimID, "attempts", job.Attempts, "err", herr)
		_ = q.setStatus(ctx, jobID, StatusFailed, herr.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	slog.Warn("delivery job failed, retrying", "job_id", jobID, "claim_id", claimID, "attempts", job.Attempts, "err", herr)
	_ = q.setStatus(ctx, jobID, StatusQueued, herr.Error())
	// Linear backoff by attempt number.
	if !sleepCtx(ctx, time.Duration(job.Attempts)*q.retryDelay) {
		return
	}
	if err := q.requeueAndAck(ctx, msg.ID, jobID, claimID); err != nil {
		slog.Warn("delivery job requeue failed", "job_id", jobID, "err", err)
	}
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_ = q.client.XAck(ctx, q.stream, q.group, msgID).Err()
	_ = q.client.XDel(ctx, q.stream, msgID).Err()
}

// requeueAndAck appends a fresh message and retires the old one atomically,
// so a failure leaves the original pending.
func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID, claimID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(jobID, claimID))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) addArgs(jobID, claimID string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":   jobID,
			"claim_id": claimID,
		},
	}
}

func (q *RedisJobQueue) markProcessing(ctx context.Context, jobID, claimID string) (DeliveryJob, error) {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return DeliveryJob{}, err
	}
	now := q.now().UTC()
	if !found {
		job = DeliveryJob{ID: jobID, CreatedAt: now}
	}
	job.ClaimID = claimID
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = now
	if err := q.writeStatus(ctx, job); err != nil {
		return DeliveryJob{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) setStatus(ctx context.Context, jobID, status, errMsg string) error {
	key := q.jobKey(jobID)
	if err := q.client.HSet(ctx, key,
		"status", status,
		"error", errMsg,
		"updatedAt", q.now().UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return err
	}
	return q.client.Expire(ctx, key, q.jobTTL).Err()
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job DeliveryJob) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"claimId":   job.ClaimID,
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("write job %s: %w", job.ID, err)
	}
	return q.client.Expire(ctx, key, q.jobTTL).Err()
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func decodeJob(jobID string, data map[string]string) DeliveryJob {
	job := DeliveryJob{
		ID:           jobID,
		ClaimID:      data["claimId"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func durationOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func int64Or(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}
