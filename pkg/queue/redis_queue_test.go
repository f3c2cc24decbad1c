package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *RedisJobQueue {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:training",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
		Block:      50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueStoresJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, JobRequest{UserID: "u1"}); err == nil {
		t.Fatalf("expected error without avatar id")
	}
	job, err := q.Enqueue(ctx, JobRequest{UserID: "u1", AvatarID: "a1", Params: map[string]any{"num_train_epochs": 2}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: %v %v", ok, err)
	}
	if got.Status != StatusQueued || got.UserID != "u1" || got.AvatarID != "a1" {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.Params["num_train_epochs"] != float64(2) {
		t.Fatalf("params not stored: %+v", got.Params)
	}
	if _, ok, _ := q.GetJob(ctx, "missing"); ok {
		t.Fatalf("unknown job must not be found")
	}
}

func TestHandleMessageMarksDone(t *testing.T) {
	q, ctx, msg, jobID := newPendingQueueMessage(t)

	var seen TrainingJob
	q.handleMessage(ctx, msg, func(_ context.Context, job TrainingJob) (JobResult, error) {
		seen = job
		return JobResult{RunID: "run-1", Success: false, Message: "no training data"}, nil
	})
	if seen.UserID != "u1" || seen.Attempts != 1 {
		t.Fatalf("unexpected job passed to handler: %+v", seen)
	}
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != StatusDone || job.RunID != "run-1" || job.Success || job.Message != "no training data" {
		t.Fatalf("unexpected finished job: %+v", job)
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected message to be acked, got %d pending", pending.Count)
	}
}

func TestHandleMessageGivesUpAfterMaxRetries(t *testing.T) {
	q, ctx, msg, jobID := newPendingQueueMessage(t)
	q.maxRetries = 1

	q.handleMessage(ctx, msg, func(context.Context, TrainingJob) (JobResult, error) {
		return JobResult{}, errors.New("object store unreachable")
	})
	job, _, _ := q.GetJob(ctx, jobID)
	if job.Status != StatusFailed || job.ErrorMessage != "object store unreachable" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msg, jobID := newPendingQueueMessage(t)
	job, _, _ := q.GetJob(ctx, jobID)

	if err := q.requeueAndAck(ctx, msg.ID, job); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != jobID || got.Values["user_id"] != "u1" || got.Values["avatar_id"] != "a1" {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msg, jobID := newPendingQueueMessage(t)
	job, _, _ := q.GetJob(ctx, jobID)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msg.ID, job); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, redis.XMessage, string) {
	t.Helper()
	q := newTestQueue(t)

	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, JobRequest{UserID: "u1", AvatarID: "a1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return q, ctx, streams[0].Messages[0], job.ID
}
