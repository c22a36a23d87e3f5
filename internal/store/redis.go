package store

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/crewflow/pkg/schema"
)

// DefaultRedisPrefix namespaces every key the Redis run log writes.
const DefaultRedisPrefix = "crewflow"

// RedisLog is a RunLog on Redis streams: one stream per workflow, a counter
// per workflow for sequences, and a set indexing the workflows for Prune.
// Stream entry ids are assigned by Redis, so Prune trims by append time.
type RedisLog struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLog wraps client. An empty prefix uses DefaultRedisPrefix.
func NewRedisLog(client redis.UniversalClient, prefix string) *RedisLog {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLog{client: client, prefix: prefix}
}

func (l *RedisLog) streamKey(workflowID string) string { return l.prefix + ":events:" + workflowID }
func (l *RedisLog) seqKey(workflowID string) string    { return l.prefix + ":seq:" + workflowID }
func (l *RedisLog) indexKey() string                   { return l.prefix + ":workflows" }

func (l *RedisLog) Append(ctx context.Context, event *schema.Event) error {
	seq, err := l.client.Incr(ctx, l.seqKey(event.WorkflowID)).Result()
	if err != nil {
		return storeError("next sequence", err)
	}
	ts := timeOrNow(event.Timestamp)

	values := map[string]any{
		"seq":      seq,
		"type":     event.Type,
		"agent_id": event.AgentID,
		"payload":  string(event.Payload),
		"ts":       ts.Format(time.RFC3339Nano),
	}
	if event.StepIndex != nil {
		values["step_index"] = *event.StepIndex
	}

	_, err = l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{Stream: l.streamKey(event.WorkflowID), Values: values})
		p.SAdd(ctx, l.indexKey(), event.WorkflowID)
		return nil
	})
	if err != nil {
		return storeError("append", err)
	}

	event.ID = seq
	event.Sequence = seq
	event.Timestamp = ts
	return nil
}

func (l *RedisLog) Events(ctx context.Context, workflowID string, since int64) ([]*schema.Event, error) {
	msgs, err := l.client.XRange(ctx, l.streamKey(workflowID), "-", "+").Result()
	if err != nil {
		return nil, storeError("read events", err)
	}

	var out []*schema.Event
	for _, m := range msgs {
		e, err := decodeMessage(workflowID, m)
		if err != nil {
			return nil, err
		}
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	// INCR and XADD are separate round trips, so concurrent appends can land
	// out of sequence order in the stream.
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Prune trims every indexed stream to entries appended at or after before.
// Workflows left with an empty stream drop out of the index; their sequence
// counters stay.
func (l *RedisLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	ids, err := l.client.SMembers(ctx, l.indexKey()).Result()
	if err != nil {
		return 0, storeError("list workflows", err)
	}

	minID := strconv.FormatInt(before.UnixMilli(), 10)
	var total int64
	for _, wf := range ids {
		n, err := l.client.XTrimMinID(ctx, l.streamKey(wf), minID).Result()
		if err != nil {
			return total, storeError("trim", err)
		}
		total += n

		left, err := l.client.XLen(ctx, l.streamKey(wf)).Result()
		if err != nil {
			return total, storeError("stream length", err)
		}
		if left == 0 {
			if err := l.client.SRem(ctx, l.indexKey(), wf).Err(); err != nil {
				return total, storeError("unindex", err)
			}
		}
	}
	return total, nil
}

// Close closes the client.
func (l *RedisLog) Close() error { return l.client.Close() }

func decodeMessage(workflowID string, m redis.XMessage) (*schema.Event, error) {
	str := func(k string) string {
		v, _ := m.Values[k].(string)
		return v
	}

	seq, err := strconv.ParseInt(str("seq"), 10, 64)
	if err != nil {
		return nil, storeError("decode "+m.ID, err)
	}
	e := &schema.Event{
		ID:         seq,
		WorkflowID: workflowID,
		Type:       str("type"),
		AgentID:    str("agent_id"),
		Sequence:   seq,
	}
	if raw := str("payload"); raw != "" {
		e.Payload = json.RawMessage(raw)
	}
	if raw := str("step_index"); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			return nil, storeError("decode "+m.ID, err)
		}
		e.StepIndex = &idx
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("ts")); err == nil {
		e.Timestamp = ts
	}
	return e, nil
}
