// Package redisstream implements the inter-node transport on a shared
// Redis instance: per-node inbox streams, per-session output streams,
// heartbeat keys with TTL, and per-peer push streams.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// Stream key layout on the shared store.
func InboxKey(computer string) string       { return "inbox/" + computer }
func OutputKey(sessionID string) string     { return "output/" + sessionID }
func HeartbeatKey(computer string) string   { return "heartbeat/" + computer }
func PushKey(computer, topic string) string { return "push/" + computer + "/" + topic }
func ReplyKey(correlationID string) string  { return "reply/" + correlationID }

const (
	// heartbeatTTL is how long a heartbeat key lives without renewal.
	heartbeatTTL = 60 * time.Second

	// dataField holds the JSON-encoded entry inside each stream record.
	dataField = "data"
)

// Client wraps the Redis connection with the operations the protocol
// needs: ordered per-key append, range reads from a position, key TTLs.
type Client struct {
	rdb         *redis.Client
	streamTTL   time.Duration
	inboxMaxLen int64
	logger      *slog.Logger
}

// New connects to the shared stream store.
func New(cfg config.RedisConfig, logger *slog.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{
		rdb:         rdb,
		streamTTL:   cfg.StreamTTL.Duration,
		inboxMaxLen: cfg.InboxMaxLen,
		logger:      logger.With("component", "redisstream"),
	}
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// --- Inbox ---

// AppendCommand enqueues a command envelope on the target node's inbox.
// The inbox is trimmed approximately at the configured cap; that is safe
// because commands are idempotent by correlation ID and still-relevant
// commands are retried by the caller.
func (c *Client) AppendCommand(ctx context.Context, env protocol.CommandEnvelope) error {
	env.Kind = protocol.KindCommand
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: InboxKey(env.Target),
		MaxLen: c.inboxMaxLen,
		Approx: true,
		Values: map[string]any{dataField: string(data)},
	}).Err()
	if err != nil {
		return protocol.NewError(protocol.ErrTransientTransport, "append command: %v", err)
	}
	return nil
}

// ReadCommands blocks up to block for new inbox entries after lastID
// ("0" reads from the beginning, "$" from now). It returns the decoded
// envelopes and the new position.
func (c *Client) ReadCommands(ctx context.Context, computer, lastID string, block time.Duration) ([]protocol.CommandEnvelope, string, error) {
	res, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{InboxKey(computer), lastID},
		Count:   64,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, lastID, nil
	}
	if err != nil {
		return nil, lastID, protocol.NewError(protocol.ErrTransientTransport, "read inbox: %v", err)
	}

	var envs []protocol.CommandEnvelope
	next := lastID
	for _, stream := range res {
		for _, msg := range stream.Messages {
			next = msg.ID
			var env protocol.CommandEnvelope
			if err := decodeEntry(msg, &env); err != nil {
				c.logger.Warn("malformed inbox entry dropped", "id", msg.ID, "error", err)
				continue
			}
			envs = append(envs, env)
		}
	}
	return envs, next, nil
}

// --- Output streams ---

// AppendChunk appends an output chunk to the session's output stream.
// The chunk's sequence doubles as the explicit stream entry ID
// ("<sequence>-0"), so ordering is enforced by the store itself and range
// reads by sequence are exact. Each append refreshes the stream's idle TTL.
func (c *Client) AppendChunk(ctx context.Context, chunk protocol.OutputChunk) error {
	chunk.Kind = protocol.KindOutput
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	key := OutputKey(chunk.SessionID)
	pipe := c.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		ID:     fmt.Sprintf("%d-0", chunk.Sequence),
		Values: map[string]any{dataField: string(data)},
	})
	pipe.Expire(ctx, key, c.streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return protocol.NewError(protocol.ErrTransientTransport, "append chunk: %v", err)
	}
	return nil
}

// ReadChunks returns chunks with sequence >= from, up to count. A resume
// sentinel's next_sequence can be passed straight back in.
func (c *Client) ReadChunks(ctx context.Context, sessionID string, from int64, count int64) ([]protocol.OutputChunk, error) {
	start := strconv.FormatInt(from, 10) + "-0"
	if from <= 0 {
		start = "-"
	}
	msgs, err := c.rdb.XRangeN(ctx, OutputKey(sessionID), start, "+", count).Result()
	if err != nil {
		return nil, protocol.NewError(protocol.ErrTransientTransport, "read chunks: %v", err)
	}
	var chunks []protocol.OutputChunk
	for _, msg := range msgs {
		var chunk protocol.OutputChunk
		if err := decodeEntry(msg, &chunk); err != nil {
			c.logger.Warn("malformed output entry dropped", "id", msg.ID, "error", err)
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// WaitChunks blocks up to block for chunks with sequence >= from. XRead is
// exclusive of its position, so the position is the entry before from.
func (c *Client) WaitChunks(ctx context.Context, sessionID string, from int64, block time.Duration) ([]protocol.OutputChunk, error) {
	after := "0"
	if from > 1 {
		after = fmt.Sprintf("%d-0", from-1)
	}
	res, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{OutputKey(sessionID), after},
		Count:   64,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, protocol.NewError(protocol.ErrTransientTransport, "wait chunks: %v", err)
	}
	var chunks []protocol.OutputChunk
	for _, stream := range res {
		for _, msg := range stream.Messages {
			var chunk protocol.OutputChunk
			if err := decodeEntry(msg, &chunk); err != nil {
				continue
			}
			chunks = append(chunks, chunk)
		}
	}
	return chunks, nil
}

// EarliestSequence returns the oldest retained sequence on a session's
// output stream, or zero when the stream is empty or expired.
func (c *Client) EarliestSequence(ctx context.Context, sessionID string) (int64, error) {
	msgs, err := c.rdb.XRangeN(ctx, OutputKey(sessionID), "-", "+", 1).Result()
	if err != nil {
		return 0, protocol.NewError(protocol.ErrTransientTransport, "earliest: %v", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	return sequenceFromID(msgs[0].ID), nil
}

// LatestSequence returns the newest sequence on a session's output stream,
// or zero when empty.
func (c *Client) LatestSequence(ctx context.Context, sessionID string) (int64, error) {
	msgs, err := c.rdb.XRevRangeN(ctx, OutputKey(sessionID), "+", "-", 1).Result()
	if err != nil {
		return 0, protocol.NewError(protocol.ErrTransientTransport, "latest: %v", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	return sequenceFromID(msgs[0].ID), nil
}

// --- Replies ---

// AppendReply writes a command result to the caller-supplied reply stream.
func (c *Client) AppendReply(ctx context.Context, replyStream string, reply CommandReply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	pipe := c.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: replyStream,
		Values: map[string]any{dataField: string(data)},
	})
	pipe.Expire(ctx, replyStream, c.streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return protocol.NewError(protocol.ErrTransientTransport, "append reply: %v", err)
	}
	return nil
}

// WaitReply blocks until a reply with the given correlation ID arrives on
// the reply stream or the context expires.
func (c *Client) WaitReply(ctx context.Context, replyStream, correlationID string) (*CommandReply, error) {
	lastID := "0"
	for {
		res, err := c.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{replyStream, lastID},
			Count:   16,
			Block:   time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, protocol.NewError(protocol.ErrTransientTransport, "wait reply: %v", err)
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				var reply CommandReply
				if err := decodeEntry(msg, &reply); err != nil {
					continue
				}
				if reply.CorrelationID == correlationID {
					return &reply, nil
				}
			}
		}
	}
}

// --- Heartbeats ---

// SetHeartbeat stores this node's heartbeat under a TTL key.
func (c *Client) SetHeartbeat(ctx context.Context, hb protocol.Heartbeat) error {
	hb.Kind = protocol.KindHeartbeat
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := c.rdb.Set(ctx, HeartbeatKey(hb.Computer), data, heartbeatTTL).Err(); err != nil {
		return protocol.NewError(protocol.ErrTransientTransport, "set heartbeat: %v", err)
	}
	return nil
}

// ListHeartbeats scans all live heartbeat keys and decodes them.
func (c *Client) ListHeartbeats(ctx context.Context) ([]protocol.Heartbeat, error) {
	var beats []protocol.Heartbeat
	iter := c.rdb.Scan(ctx, 0, "heartbeat/*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := c.rdb.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, protocol.NewError(protocol.ErrTransientTransport, "get heartbeat: %v", err)
		}
		var hb protocol.Heartbeat
		if err := json.Unmarshal([]byte(data), &hb); err != nil {
			c.logger.Warn("malformed heartbeat dropped", "key", iter.Val(), "error", err)
			continue
		}
		beats = append(beats, hb)
	}
	if err := iter.Err(); err != nil {
		return nil, protocol.NewError(protocol.ErrTransientTransport, "scan heartbeats: %v", err)
	}
	return beats, nil
}

// --- Push streams ---

// AppendPush forwards a session event to a peer's interest push stream.
func (c *Client) AppendPush(ctx context.Context, computer, topic string, payload []byte) error {
	key := PushKey(computer, topic)
	pipe := c.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: c.inboxMaxLen,
		Approx: true,
		Values: map[string]any{dataField: string(payload)},
	})
	pipe.Expire(ctx, key, c.streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return protocol.NewError(protocol.ErrTransientTransport, "append push: %v", err)
	}
	return nil
}

// ReadPushes blocks up to block for new entries on this node's push stream
// for a topic, returning the raw payloads and the new position.
func (c *Client) ReadPushes(ctx context.Context, computer, topic, lastID string, block time.Duration) ([]json.RawMessage, string, error) {
	res, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{PushKey(computer, topic), lastID},
		Count:   64,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, lastID, nil
	}
	if err != nil {
		return nil, lastID, protocol.NewError(protocol.ErrTransientTransport, "read pushes: %v", err)
	}

	var payloads []json.RawMessage
	next := lastID
	for _, stream := range res {
		for _, msg := range stream.Messages {
			next = msg.ID
			raw, ok := msg.Values[dataField].(string)
			if !ok {
				c.logger.Warn("malformed push entry dropped", "id", msg.ID)
				continue
			}
			payloads = append(payloads, json.RawMessage(raw))
		}
	}
	return payloads, next, nil
}

// CommandReply is the result entry a target node appends to the caller's
// reply stream after executing a command.
type CommandReply struct {
	Kind          string          `json:"kind"` // always "reply"
	CorrelationID string          `json:"correlation_id"`
	OK            bool            `json:"ok"`
	Error         *protocol.Error `json:"error,omitempty"`
	Result        map[string]any  `json:"result,omitempty"`
	TS            int64           `json:"ts"`
	Origin        string          `json:"origin"`
}

func decodeEntry(msg redis.XMessage, v any) error {
	raw, ok := msg.Values[dataField].(string)
	if !ok {
		return fmt.Errorf("entry %s has no %s field", msg.ID, dataField)
	}
	return json.Unmarshal([]byte(raw), v)
}

func sequenceFromID(id string) int64 {
	seqPart, _, _ := strings.Cut(id, "-")
	seq, _ := strconv.ParseInt(seqPart, 10, 64)
	return seq
}
