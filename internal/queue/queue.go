// Package queue is a Redis-backed delayed job queue. Jobs are keyed by
// caller-supplied deterministic identifiers, so duplicate scheduling
// attempts collapse into one queued job and cancellation can target a job
// without a lookup table. Delivery is at-least-once: claiming a job moves
// its id to a claimed set instead of deleting it, and a worker that dies
// mid-handler has the job re-delivered once its visibility timeout lapses.
// Handlers must therefore tolerate re-running work whose side effects may
// have partially landed; status of record lives in Postgres, not here.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

func (j Job) Unmarshal(v any) error {
	return json.Unmarshal(j.Payload, v)
}

type Client struct {
	rdb *redis.Client
	now func() time.Time
}

func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb, now: time.Now}
}

func scheduledKey(queue string) string { return "jobs:" + queue + ":scheduled" }
func payloadKey(queue string) string   { return "jobs:" + queue + ":payload" }
func claimedKey(queue string) string   { return "jobs:" + queue + ":claimed" }
func deadKey(queue string) string      { return "jobs:" + queue + ":dead" }

// Enqueue schedules a job to run after delay. Enqueueing an id that is
// already pending is a no-op, so deterministic ids deduplicate naturally.
func (c *Client) Enqueue(ctx context.Context, queue, id, name string, payload any, delay time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	job := Job{ID: id, Name: name, Payload: raw, Attempts: 0, EnqueuedAt: c.now().UTC()}
	return c.put(ctx, queue, job, delay, false)
}

// Cancel removes a pending job if present. Absence is not an error: the job
// may have already run, or never been created. A job that has been claimed
// by a worker is past cancellation and will run to completion.
func (c *Client) Cancel(ctx context.Context, queue, id string) error {
	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, scheduledKey(queue), id)
	pipe.HDel(ctx, payloadKey(queue), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Client) put(ctx context.Context, queue string, job Job, delay time.Duration, overwrite bool) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	due := float64(c.now().Add(delay).UnixMilli())

	if overwrite {
		pipe := c.rdb.TxPipeline()
		pipe.HSet(ctx, payloadKey(queue), job.ID, body)
		pipe.ZAdd(ctx, scheduledKey(queue), redis.Z{Score: due, Member: job.ID})
		_, err = pipe.Exec(ctx)
		return err
	}

	set, err := c.rdb.HSetNX(ctx, payloadKey(queue), job.ID, body).Result()
	if err != nil {
		return err
	}
	if !set {
		// duplicate enqueue under a deterministic id
		return nil
	}
	return c.rdb.ZAdd(ctx, scheduledKey(queue), redis.Z{Score: due, Member: job.ID}).Err()
}

// claimScript atomically moves one due job id from the scheduled set to the
// claimed set, scored by its visibility deadline, so concurrent workers
// never double-claim and a crashed worker's job stays recoverable. The
// payload is read but never deleted here; only ack and bury remove it.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then return false end
local id = due[1]
redis.call('ZREM', KEYS[1], id)
local body = redis.call('HGET', KEYS[2], id)
if not body then return false end
redis.call('ZADD', KEYS[3], ARGV[2], id)
return body
`)

// claim pops the next due job, or returns ok=false when nothing is due. The
// caller must finish with ack, requeue, bury or release before the
// visibility deadline, or reclaim will hand the job to another worker.
func (c *Client) claim(ctx context.Context, queue string, visibility time.Duration) (Job, bool, error) {
	now := c.now()
	res, err := claimScript.Run(ctx, c.rdb,
		[]string{scheduledKey(queue), payloadKey(queue), claimedKey(queue)},
		now.UnixMilli(), now.Add(visibility).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	body, ok := res.(string)
	if !ok || body == "" {
		return Job{}, false, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// ack drops a finished job: claim entry and payload both go away.
func (c *Client) ack(ctx context.Context, queue, id string) error {
	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, claimedKey(queue), id)
	pipe.HDel(ctx, payloadKey(queue), id)
	_, err := pipe.Exec(ctx)
	return err
}

// requeue puts a claimed job back on the schedule with an incremented
// attempt counter.
func (c *Client) requeue(ctx context.Context, queue string, job Job, delay time.Duration) error {
	job.Attempts++
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	due := float64(c.now().Add(delay).UnixMilli())
	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, claimedKey(queue), job.ID)
	pipe.HSet(ctx, payloadKey(queue), job.ID, body)
	pipe.ZAdd(ctx, scheduledKey(queue), redis.Z{Score: due, Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// release returns a claimed job to the schedule untouched, for a worker
// shutting down before the handler ran. Attempts stay as they were.
func (c *Client) release(ctx context.Context, queue, id string) error {
	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, claimedKey(queue), id)
	pipe.ZAdd(ctx, scheduledKey(queue), redis.Z{Score: float64(c.now().UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// bury moves an exhausted job to the dead list for operator inspection.
func (c *Client) bury(ctx context.Context, queue string, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, deadKey(queue), body)
	pipe.ZRem(ctx, claimedKey(queue), job.ID)
	pipe.HDel(ctx, payloadKey(queue), job.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// reclaimScript re-schedules claimed jobs whose visibility deadline passed:
// their worker died or stalled, so the job goes back on the schedule for
// immediate re-delivery.
var reclaimScript = redis.NewScript(`
local lapsed = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(lapsed) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #lapsed
`)

// reclaim sweeps lapsed claims back onto the schedule and reports how many
// it moved.
func (c *Client) reclaim(ctx context.Context, queue string) (int, error) {
	res, err := reclaimScript.Run(ctx, c.rdb,
		[]string{claimedKey(queue), scheduledKey(queue)},
		c.now().UnixMilli(),
	).Int()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return res, nil
}
