package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// TrainingJob describes one asynchronous training request and its progress.
type TrainingJob struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	AvatarID     string         `json:"avatarId"`
	Params       map[string]any `json:"params,omitempty"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Attempts     int            `json:"attempts"`
	RunID        string         `json:"runId,omitempty"`
	Success      bool           `json:"success"`
	Message      string         `json:"message,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// JobRequest is what callers enqueue.
type JobRequest struct {
	UserID   string
	AvatarID string
	Params   map[string]any
}

// JobResult is reported by a handler once a job has run to completion.
// A training attempt that failed is still a completed job; only a returned error is retried.
type JobResult struct {
	RunID   string
	Success bool
	Message string
}

type Handler func(context.Context, TrainingJob) (JobResult, error)

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
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
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
		consumer = uuid.NewString()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 72 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	// training runs are long; only claim messages that have been idle well past a run
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 2 * time.Hour
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 10 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 1
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 1
	}

	return &RedisJobQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Client exposes the underlying connection so other Redis users can share the pool.
func (q *RedisJobQueue) Client() *redis.Client {
	return q.client
}

// Close releases the redis connection pool.
func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// Enqueue records a queued job and appends it to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, req JobRequest) (TrainingJob, error) {
	userID := strings.TrimSpace(req.UserID)
	avatarID := strings.TrimSpace(req.AvatarID)
	if userID == "" || avatarID == "" {
		return TrainingJob{}, errors.New("userId and avatarId required")
	}
	now := time.Now().UTC()
	job := TrainingJob{
		ID:        uuid.NewString(),
		UserID:    userID,
		AvatarID:  avatarID,
		Params:    req.Params,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return TrainingJob{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: messageValues(job.ID, job.UserID, job.AvatarID),
	}).Err(); err != nil {
		return TrainingJob{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (TrainingJob, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return TrainingJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return TrainingJob{}, false, err
	}
	if len(data) == 0 {
		return TrainingJob{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is cancelled.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		// BUSYGROUP means it already exists; other errors surface on consume
		_ = q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

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
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				time.Sleep(time.Second)
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
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	userID, _ := msg.Values["user_id"].(string)
	avatarID, _ := msg.Values["avatar_id"].(string)
	if jobID == "" || userID == "" || avatarID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID, userID, avatarID)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	result, err := handler(ctx, job)
	if err == nil {
		_ = q.markDone(ctx, jobID, result)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if job.Attempts >= q.maxRetries {
		_ = q.markFailed(ctx, jobID, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_ = q.markQueued(ctx, jobID, err.Error())
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, job)
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID string, job TrainingJob) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: messageValues(job.ID, job.UserID, job.AvatarID),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) markProcessing(ctx context.Context, jobID, userID, avatarID string) (TrainingJob, error) {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return TrainingJob{}, err
	}
	if job.ID == "" {
		job = TrainingJob{ID: jobID}
	}
	job.UserID = userID
	job.AvatarID = avatarID
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return TrainingJob{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) markQueued(ctx context.Context, jobID, errMsg string) error {
	return q.updateJob(ctx, jobID, func(job *TrainingJob) {
		job.Status = StatusQueued
		job.ErrorMessage = errMsg
	})
}

func (q *RedisJobQueue) markDone(ctx context.Context, jobID string, result JobResult) error {
	return q.updateJob(ctx, jobID, func(job *TrainingJob) {
		job.Status = StatusDone
		job.ErrorMessage = ""
		job.RunID = result.RunID
		job.Success = result.Success
		job.Message = result.Message
	})
}

func (q *RedisJobQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	return q.updateJob(ctx, jobID, func(job *TrainingJob) {
		job.Status = StatusFailed
		job.ErrorMessage = errMsg
	})
}

func (q *RedisJobQueue) updateJob(ctx context.Context, jobID string, mutate func(*TrainingJob)) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = jobID
	}
	mutate(&job)
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job TrainingJob) error {
	params := ""
	if len(job.Params) > 0 {
		data, err := json.Marshal(job.Params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		params = string(data)
	}
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":        job.ID,
		"userId":    job.UserID,
		"avatarId":  job.AvatarID,
		"params":    params,
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"runId":     job.RunID,
		"success":   strconv.FormatBool(job.Success),
		"message":   job.Message,
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
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

func messageValues(jobID, userID, avatarID string) map[string]any {
	return map[string]any{
		"job_id":    jobID,
		"user_id":   userID,
		"avatar_id": avatarID,
	}
}

func decodeJob(jobID string, data map[string]string) TrainingJob {
	job := TrainingJob{
		ID:           jobID,
		UserID:       data["userId"],
		AvatarID:     data["avatarId"],
		Status:       data["status"],
		ErrorMessage: data["error"],
		RunID:        data["runId"],
		Message:      data["message"],
	}
	if v := data["params"]; v != "" {
		var params map[string]any
		if err := json.Unmarshal([]byte(v), &params); err == nil {
			job.Params = params
		}
	}
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["success"]; v != "" {
		job.Success, _ = strconv.ParseBool(v)
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
