// Package queue carries agent room jobs from the webhook receiver to agent
// workers over a Redis stream consumer group.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mirage/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// ErrDuplicate is returned by Enqueue when the room already has a live job.
var ErrDuplicate = errors.New("room already has an agent job")

// RoomJob asks an agent worker to join a LiveKit room.
type RoomJob struct {
	Room                string `json:"room"`
	RoomMetadata        string `json:"room_metadata,omitempty"`
	ParticipantIdentity string `json:"participant_identity,omitempty"`
	ParticipantMetadata string `json:"participant_metadata,omitempty"`
}

// JobStatus is the tracked state of one queued RoomJob.
type JobStatus struct {
	ID           string    `json:"id"`
	Job          RoomJob   `json:"job"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Handler processes one job. A non-nil error requeues it until MaxRetries.
type Handler func(context.Context, JobStatus) error

// RedisQueueConfig configures a RedisJobQueue. Zero values take defaults.
type RedisQueueConfig struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	Consumer string
	// StatusTTL bounds how long job status and room claims live.
	StatusTTL  time.Duration
	MaxRetries int
	Block      time.Duration
	// ClaimIdle is how long a delivered job may stay unacked before another
	// consumer takes it over.
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
}

// RedisJobQueue is a Redis stream with one claim key per room, so a room
// never has two agents queued at once.
type RedisJobQueue struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	statusTTL  time.Duration
	maxRetries int
	block      time.Duration
	claimIdle  time.Duration
	retryDelay time.Duration
	maxLen     int64

	groupOnce sync.Once
	groupErr  error
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// NewRedisJobQueue validates cfg and connects lazily.
func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	q := &RedisJobQueue{
		client:     redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:     stream,
		group:      orDefault(strings.TrimSpace(cfg.Group), "agents"),
		consumer:   orDefault(strings.TrimSpace(cfg.Consumer), util.NewID()),
		statusTTL:  orDefault(cfg.StatusTTL, 24*time.Hour),
		maxRetries: orDefault(cfg.MaxRetries, 3),
		block:      orDefault(cfg.Block, 5*time.Second),
		claimIdle:  orDefault(cfg.ClaimIdle, 30*time.Second),
		retryDelay: orDefault(cfg.RetryDelay, 2*time.Second),
		maxLen:     orDefault(cfg.MaxLen, int64(10000)),
	}
	if q.maxRetries < 0 {
		q.maxRetries = 1
	}
	return q, nil
}

// Ping checks the Redis connection.
func (q *RedisJobQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// Enqueue adds a room job. A second enqueue for the same room returns
// ErrDuplicate until the first job is done or failed.
func (q *RedisJobQueue) Enqueue(ctx context.Context, job RoomJob) (JobStatus, error) {
	job.Room = strings.TrimSpace(job.Room)
	if job.Room == "" {
		return JobStatus{}, errors.New("room required")
	}
	now := time.Now().UTC()
	status := JobStatus{ID: util.NewID(), Job: job, Status: StatusQueued, CreatedAt: now, UpdatedAt: now}

	claimed, err := q.client.SetNX(ctx, q.roomKey(job.Room), status.ID, q.statusTTL).Result()
	if err != nil {
		return JobStatus{}, err
	}
	if !claimed {
		return JobStatus{}, ErrDuplicate
	}
	if err := q.saveStatus(ctx, status); err != nil {
		q.releaseRoom(ctx, job.Room, status.ID)
		return JobStatus{}, err
	}
	if err := q.add(ctx, q.client, status.ID, job); err != nil {
		q.releaseRoom(ctx, job.Room, status.ID)
		return JobStatus{}, fmt.Errorf("enqueue room job: %w", err)
	}
	return status, nil
}

// GetJob returns the tracked status of jobID.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, false, nil
	}
	raw, err := q.client.Get(ctx, q.statusKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return JobStatus{}, false, nil
	}
	if err != nil {
		return JobStatus{}, false, err
	}
	var status JobStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return JobStatus{}, false, fmt.Errorf("decode job status: %w", err)
	}
	return status, true, nil
}

// Run starts concurrency consumers and blocks until ctx is done.
func (q *RedisJobQueue) Run(ctx context.Context, concurrency int, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	var wg sync.WaitGroup
	for i := range max(concurrency, 1) {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			q.consume(ctx, name, handler)
		}(fmt.Sprintf("%s-%d", q.consumer, i))
	}
	wg.Wait()
	return ctx.Err()
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) error {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			q.groupErr = err
		}
	})
	return q.groupErr
}

func (q *RedisJobQueue) consume(ctx context.Context, consumer string, handler Handler) {
	logger := slog.With("stream", q.stream, "consumer", consumer)
	for ctx.Err() == nil {
		msgs, err := q.next(ctx, consumer)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("queue read failed", "err", err)
				sleepCtx(ctx, q.retryDelay)
			}
			continue
		}
		for _, msg := range msgs {
			q.process(ctx, msg, handler, logger)
		}
	}
}

// next returns abandoned messages first, then blocks for new ones.
func (q *RedisJobQueue) next(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (q *RedisJobQueue) process(ctx context.Context, msg redis.XMessage, handler Handler, logger *slog.Logger) {
	jobID, job, ok := parseStreamValues(msg.Values)
	if !ok {
		logger.Warn("dropping malformed queue message", "msg_id", msg.ID)
		q.ack(ctx, msg.ID)
		return
	}
	status, err := q.begin(ctx, jobID, job)
	if err != nil {
		logger.Warn("job status unavailable; dropping message", "job_id", jobID, "err", err)
		q.ack(ctx, msg.ID)
		return
	}

	herr := handler(ctx, status)
	// Status writes must land even when shutdown cancelled the handler.
	bg := context.WithoutCancel(ctx)
	switch {
	case herr == nil:
		_ = q.finish(bg, jobID, StatusDone, "")
		q.ack(bg, msg.ID)
	case ctx.Err() != nil:
		// Left pending for another consumer to claim.
	case status.Attempts >= q.maxRetries:
		logger.Error("agent job failed", "job_id", jobID, "room", job.Room, "attempts", status.Attempts, "err", herr)
		_ = q.finish(bg, jobID, StatusFailed, herr.Error())
		q.ack(bg, msg.ID)
	default:
		logger.Warn("agent job retrying", "job_id", jobID, "room", job.Room, "attempts", status.Attempts, "err", herr)
		_ = q.update(ctx, jobID, func(s *JobStatus) {
			s.Status = StatusQueued
			s.ErrorMessage = herr.Error()
		})
		if sleepCtx(ctx, q.retryDelay) {
			_ = q.requeueAndAck(ctx, msg.ID, jobID, job)
		}
	}
}

func (q *RedisJobQueue) add(ctx context.Context, c redis.Cmdable, jobID string, job RoomJob) error {
	return c.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: streamValues(jobID, job),
	}).Err()
}

func (q *RedisJobQueue) ack(ctx context.Context, msgID string) {
	pipe := q.client.Pipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, _ = pipe.Exec(ctx)
}

// requeueAndAck re-adds the job and retires msgID atomically, so a failure
// leaves the original message pending.
func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID string, job RoomJob) error {
	tx := q.client.TxPipeline()
	_ = q.add(ctx, tx, jobID, job)
	tx.XAck(ctx, q.stream, q.group, msgID)
	tx.XDel(ctx, q.stream, msgID)
	_, err := tx.Exec(ctx)
	return err
}

func (q *RedisJobQueue) begin(ctx context.Context, jobID string, job RoomJob) (JobStatus, error) {
	var out JobStatus
	err := q.update(ctx, jobID, func(s *JobStatus) {
		s.Job = job
		s.Attempts++
		s.Status = StatusProcessing
		out = *s
	})
	return out, err
}

// finish records a terminal state and frees the room for a new job.
func (q *RedisJobQueue) finish(ctx context.Context, jobID, state, errMsg string) error {
	var room string
	err := q.update(ctx, jobID, func(s *JobStatus) {
		s.Status = state
		s.ErrorMessage = errMsg
		room = s.Job.Room
	})
	q.releaseRoom(ctx, room, jobID)
	return err
}

// update applies fn to the stored status. A missing record, for example
// after its TTL lapsed, starts from an empty one.
func (q *RedisJobQueue) update(ctx context.Context, jobID string, fn func(*JobStatus)) error {
	status, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	status.ID = jobID
	fn(&status)
	status.UpdatedAt = time.Now().UTC()
	if status.CreatedAt.IsZero() {
		status.CreatedAt = status.UpdatedAt
	}
	return q.saveStatus(ctx, status)
}

func (q *RedisJobQueue) saveStatus(ctx context.Context, status JobStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.statusKey(status.ID), raw, q.statusTTL).Err()
}

var releaseRoomScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// releaseRoom drops the room claim only while jobID still owns it.
func (q *RedisJobQueue) releaseRoom(ctx context.Context, room, jobID string) {
	if room == "" {
		return
	}
	_ = releaseRoomScript.Run(ctx, q.client, []string{q.roomKey(room)}, jobID).Err()
}

func (q *RedisJobQueue) statusKey(jobID string) string {
	return q.stream + ":status:" + jobID
}

func (q *RedisJobQueue) roomKey(room string) string {
	return q.stream + ":room:" + room
}

func streamValues(jobID string, job RoomJob) map[string]any {
	raw, _ := json.Marshal(job)
	return map[string]any{"job_id": jobID, "payload": string(raw)}
}

func parseStreamValues(values map[string]any) (string, RoomJob, bool) {
	jobID, _ := values["job_id"].(string)
	raw, _ := values["payload"].(string)
	if jobID == "" || raw == "" {
		return "", RoomJob{}, false
	}
	var job RoomJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil || job.Room == "" {
		return "", RoomJob{}, false
	}
	return jobID, job, true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
