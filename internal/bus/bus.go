package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/dosing"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/pump"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/queue"
)

const (
	// ChannelStatus carries every connection status as JSON.
	ChannelStatus = "pump:status"
	// KeyStatusLatest holds the most recent status for late readers.
	KeyStatusLatest = "pump:status:latest"

	// StreamIntake carries algorithm recommendations and user commands.
	StreamIntake = "loop_intake"
	// GroupLoop is the consumer group loopd reads with.
	GroupLoop = "loopd"
)

// ErrNoMessage means a bounded read returned without a message.
var ErrNoMessage = errors.New("bus: no message")

// client is the part of *redis.Client the bus uses.
type client interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// ConnectRedis creates a Redis client from a URL.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// #region status-publisher

// StatusPublisher mirrors the connection status stream into Redis.
type StatusPublisher struct {
	rdb client
}

func NewStatusPublisher(rdb client) *StatusPublisher {
	return &StatusPublisher{rdb: rdb}
}

// PublishStatus implements pump.Sink.
func (p *StatusPublisher) PublishStatus(ctx context.Context, s pump.Status) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := p.rdb.Publish(ctx, ChannelStatus, raw).Err(); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	if err := p.rdb.Set(ctx, KeyStatusLatest, raw, 0).Err(); err != nil {
		return fmt.Errorf("store latest status: %w", err)
	}
	return nil
}

// #endregion status-publisher

// #region intake

const (
	TypeRecommendation = "recommendation"
	TypeCommand        = "command"
)

// CommandRequest is a user command pushed from another process.
type CommandRequest struct {
	Kind    queue.Kind    `json:"kind"`
	Payload queue.Payload `json:"payload"`
	Source  string        `json:"source"`
}

// Message is one entry read from the stream. Exactly one of
// Recommendation and Command is set.
type Message struct {
	ID             string
	Recommendation *dosing.Recommendation
	Command        *CommandRequest
}

// Intake reads recommendations and user commands from a Redis stream
// consumer group.
type Intake struct {
	rdb      client
	consumer string
	block    time.Duration
}

// NewIntake reads as consumer. block bounds each read; zero blocks forever.
func NewIntake(rdb client, consumer string, block time.Duration) *Intake {
	return &Intake{rdb: rdb, consumer: consumer, block: block}
}

// EnsureGroup creates the consumer group if it does not exist.
func (in *Intake) EnsureGroup(ctx context.Context) error {
	err := in.rdb.XGroupCreateMkStream(ctx, StreamIntake, GroupLoop, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", GroupLoop, StreamIntake, err)
	}
	return nil
}

// Push adds a recommendation to the stream.
func (in *Intake) Push(ctx context.Context, rec dosing.Recommendation) (string, error) {
	return in.push(ctx, TypeRecommendation, rec)
}

// PushCommand adds a user command to the stream.
func (in *Intake) PushCommand(ctx context.Context, req CommandRequest) (string, error) {
	return in.push(ctx, TypeCommand, req)
}

func (in *Intake) push(ctx context.Context, typ string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", typ, err)
	}
	id, err := in.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamIntake,
		Values: map[string]any{
			"type":    typ,
			"payload": string(raw),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("push %s: %w", typ, err)
	}
	return id, nil
}

// Read returns the next message. It returns ErrNoMessage when the block
// window passes without one. A message that cannot be decoded is returned
// with its ID so the caller can ack it.
func (in *Intake) Read(ctx context.Context) (Message, error) {
	streams, err := in.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupLoop,
		Consumer: in.consumer,
		Streams:  []string{StreamIntake, ">"},
		Count:    1,
		Block:    in.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, ErrNoMessage
	}
	if err != nil {
		return Message{}, fmt.Errorf("read intake: %w", err)
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			return decode(msg)
		}
	}
	return Message{}, ErrNoMessage
}

func decode(msg redis.XMessage) (Message, error) {
	out := Message{ID: msg.ID}
	payload := []byte(getString(msg.Values, "payload"))
	switch typ := getString(msg.Values, "type"); typ {
	case TypeRecommendation:
		var rec dosing.Recommendation
		if err := json.Unmarshal(payload, &rec); err != nil {
			return out, fmt.Errorf("decode recommendation %s: %w", msg.ID, err)
		}
		out.Recommendation = &rec
	case TypeCommand:
		var req CommandRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return out, fmt.Errorf("decode command %s: %w", msg.ID, err)
		}
		if req.Kind == "" {
			return out, fmt.Errorf("command %s has no kind", msg.ID)
		}
		out.Command = &req
	default:
		return out, fmt.Errorf("message %s has unknown type %q", msg.ID, typ)
	}
	return out, nil
}

// Ack marks a message as handled.
func (in *Intake) Ack(ctx context.Context, id string) error {
	if err := in.rdb.XAck(ctx, StreamIntake, GroupLoop, id).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// #endregion intake

func getString(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
