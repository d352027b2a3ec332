package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"receiptwise/internal/util"
)

const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusStalled   = "stalled"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Payload carries the extraction work for one receipt. It is the only
// thing that crosses the queue: consumers re-read everything else from
// the store so redelivery stays safe.
type Payload struct {
	ReceiptID        string `json:"receiptId"`
	OwnerID          string `json:"ownerId"`
	PresignedURL     string `json:"presignedUrl"`
	StorageKey       string `json:"storageKey"`
	CategoryOverride string `json:"categoryOverride,omitempty"`
	FileName         string `json:"fileName"`
	FileType         string `json:"fileType"`
}

// Job is the observable state of one queued extraction, readable by id
// for presentation-layer polling.
type Job struct {
	ID           string    `json:"id"`
	Payload      Payload   `json:"payload"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	Reclaims     int       `json:"reclaims"`
	Progress     int       `json:"progress"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes one delivery of a job. Returning nil completes the
// job; a plain error triggers redelivery until attempts are exhausted;
// an error wrapped with Permanent fails the job immediately.
type Handler func(ctx context.Context, job Job) error

// PermanentError marks a failure that redelivery cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Limiter throttles job handling, typically to respect the extraction
// service's rate limits.
type Limiter interface {
	Allow(key string) bool
}

// RedisJobQueue is a durable at-least-once work queue on Redis
// streams. Crashed or stalled consumers are recovered via XAutoClaim;
// job status and progress live in a hash with a TTL.
type RedisJobQueue struct {
	client        *redis.Client
	stream        string
	group         string
	consumerBase  string
	jobTTL        time.Duration
	maxRetries    int
	block         time.Duration
	claimIdle     time.Duration
	retryDelay    time.Duration
	throttleDelay time.Duration
	maxLen        int64
	readCount     int64
	claimCount    int64
	limiter       Limiter
	rateKey       string
	once          sync.Once
}

type RedisQueueConfig struct {
	Addr          string
	Password      string
	Stream        string
	Group         string
	Consumer      string
	JobTTL        time.Duration
	MaxRetries    int
	Block         time.Duration
	ClaimIdle     time.Duration
	RetryDelay    time.Duration
	ThrottleDelay time.Duration
	MaxLen        int64
	ReadCount     int64
	ClaimCount    int64
	Limiter       Limiter
	RateKey       string
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 60 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	throttleDelay := cfg.ThrottleDelay
	if throttleDelay <= 0 {
		throttleDelay = 200 * time.Millisecond
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}
	rateKey := strings.TrimSpace(cfg.RateKey)
	if rateKey == "" {
		rateKey = stream
	}

	return &RedisJobQueue{
		client:        redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:        stream,
		group:         group,
		consumerBase:  consumer,
		jobTTL:        jobTTL,
		maxRetries:    maxRetries,
		block:         block,
		claimIdle:     claimIdle,
		retryDelay:    retryDelay,
		throttleDelay: throttleDelay,
		maxLen:        maxLen,
		readCount:     readCount,
		claimCount:    claimCount,
		limiter:       cfg.Limiter,
		rateKey:       rateKey,
	}, nil
}

// Enqueue registers the job and appends it to the stream. It returns
// as soon as Redis acknowledges the append; processing happens on the
// consumer side.
func (q *RedisJobQueue) Enqueue(ctx context.Context, payload Payload) (Job, error) {
	if strings.TrimSpace(payload.ReceiptID) == "" {
		return Job{}, errors.New("receiptId required")
	}
	if strings.TrimSpace(payload.OwnerID) == "" {
		return Job{}, errors.New("ownerId required")
	}
	// The group must exist before the append, otherwise a job enqueued
	// before the first consumer loop starts is never delivered.
	q.ensureGroup(ctx)
	job := Job{
		ID:        util.NewID(),
		Payload:   payload,
		Status:    StatusWaiting,
		Attempts:  0,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: streamValues(job.ID, payload),
	}).Err(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob returns the observable state for a job id.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// SetProgress records handler progress (0-100) for pollers.
func (q *RedisJobQueue) SetProgress(ctx context.Context, jobID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	key := q.jobKey(jobID)
	if err := q.client.HSet(ctx, key, map[string]any{
		"progress":  strconv.Itoa(progress),
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

// Run starts capped consumer loops and blocks until ctx is canceled.
func (q *RedisJobQueue) Run(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		g.Go(func() error {
			q.consumeLoop(gctx, consumer, handler)
			return nil
		})
	}
	return g.Wait()
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			// best-effort; errors will surface on consume
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimStalled(ctx, consumer); err == nil {
			q.handleClaimed(ctx, msgs, handler)
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

// claimStalled takes over deliveries whose consumer went quiet,
// preserving at-least-once delivery across crashes.
func (q *RedisJobQueue) claimStalled(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// handleClaimed processes deliveries taken over from a quiet consumer.
// Each is surfaced as stalled (with a persistent reclaim count) before
// normal handling resumes.
func (q *RedisJobQueue) handleClaimed(ctx context.Context, msgs []redis.XMessage, handler Handler) {
	for _, msg := range msgs {
		if jobID, _, ok := payloadFromValues(msg.Values); ok {
			_ = q.markStalled(ctx, jobID)
		}
		q.handleMessage(ctx, msg, handler)
	}
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, payload, ok := payloadFromValues(msg.Values)
	if !ok {
		q.ackAndDel(ctx, msg.ID)
		return
	}

	// Over quota: push the delivery back without burning an attempt.
	if q.limiter != nil && !q.limiter.Allow(q.rateKey) {
		_ = q.requeueAndAck(ctx, msg.ID, jobID, payload)
		select {
		case <-ctx.Done():
		case <-time.After(q.throttleDelay):
		}
		return
	}

	job, err := q.markActive(ctx, jobID, payload)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	err = handler(ctx, job)
	if err == nil {
		_ = q.markCompleted(ctx, jobID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if IsPermanent(err) || job.Attempts >= q.maxRetries {
		_ = q.markFailed(ctx, jobID, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_ = q.markWaiting(ctx, jobID, err.Error())
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, jobID, payload)
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID string, payload Payload) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: streamValues(jobID, payload),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) markActive(ctx context.Context, jobID string, payload Payload) (Job, error) {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		job = Job{ID: jobID}
	}
	job.Payload = payload
	job.Attempts++
	job.Status = StatusActive
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) markStalled(ctx context.Context, jobID string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.ID == "" {
		job = Job{ID: jobID}
	}
	job.Status = StatusStalled
	job.Reclaims++
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) markWaiting(ctx context.Context, jobID, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusWaiting
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) markCompleted(ctx context.Context, jobID string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusCompleted
	job.ErrorMessage = ""
	job.Progress = 100
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = StatusFailed
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job Job) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":               job.ID,
		"receiptId":        job.Payload.ReceiptID,
		"ownerId":          job.Payload.OwnerID,
		"presignedUrl":     job.Payload.PresignedURL,
		"storageKey":       job.Payload.StorageKey,
		"categoryOverride": job.Payload.CategoryOverride,
		"fileName":         job.Payload.FileName,
		"fileType":         job.Payload.FileType,
		"status":           job.Status,
		"error":            job.ErrorMessage,
		"attempts":         strconv.Itoa(job.Attempts),
		"reclaims":         strconv.Itoa(job.Reclaims),
		"progress":         strconv.Itoa(job.Progress),
		"createdAt":        job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":        job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func streamValues(jobID string, p Payload) map[string]any {
	return map[string]any{
		"job_id":            jobID,
		"receipt_id":        p.ReceiptID,
		"owner_id":          p.OwnerID,
		"presigned_url":     p.PresignedURL,
		"storage_key":       p.StorageKey,
		"category_override": p.CategoryOverride,
		"file_name":         p.FileName,
		"file_type":         p.FileType,
	}
}

func payloadFromValues(values map[string]any) (string, Payload, bool) {
	jobID, _ := values["job_id"].(string)
	p := Payload{}
	p.ReceiptID, _ = values["receipt_id"].(string)
	p.OwnerID, _ = values["owner_id"].(string)
	p.PresignedURL, _ = values["presigned_url"].(string)
	p.StorageKey, _ = values["storage_key"].(string)
	p.CategoryOverride, _ = values["category_override"].(string)
	p.FileName, _ = values["file_name"].(string)
	p.FileType, _ = values["file_type"].(string)
	if jobID == "" || p.ReceiptID == "" || p.OwnerID == "" {
		return "", Payload{}, false
	}
	return jobID, p, true
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{ID: jobID}
	job.Payload.ReceiptID = data["receiptId"]
	job.Payload.OwnerID = data["ownerId"]
	job.Payload.PresignedURL = data["presignedUrl"]
	job.Payload.StorageKey = data["storageKey"]
	job.Payload.CategoryOverride = data["categoryOverride"]
	job.Payload.FileName = data["fileName"]
	job.Payload.FileType = data["fileType"]
	if v := data["status"]; v != "" {
		job.Status = v
	}
	job.ErrorMessage = data["error"]
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["reclaims"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Reclaims = n
		}
	}
	if v := data["progress"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Progress = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}
