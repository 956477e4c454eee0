package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RelayChannel is the Redis pub/sub channel shared by every API instance.
const RelayChannel = "instaplus:rooms"

// Envelope is a frame travelling between instances.
type Envelope struct {
	InstanceID string `json:"instance_id"`
	Room       string `json:"room"`
	Frame      Frame  `json:"frame"`
}

// RedisRelay mirrors room traffic over Redis pub/sub.
type RedisRelay struct {
	client     *redis.Client
	instanceID string
	logger     *zap.Logger
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, address, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("realtime: redis ping: %w", err)
	}
	return client, nil
}

func NewRedisRelay(client *redis.Client, instanceID string, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, instanceID: instanceID, logger: logger}
}

func (r *RedisRelay) Publish(ctx context.Context, envelope Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, RelayChannel, payload).Err()
}

// Run subscribes to the relay channel and delivers foreign envelopes until ctx ends.
func (r *RedisRelay) Run(ctx context.Context, deliver func(Envelope)) error {
	pubsub := r.client.Subscribe(ctx, RelayChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("realtime: redis subscribe: %w", err)
	}
	channel := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-channel:
			if !ok {
				return errors.New("realtime: redis subscription closed")
			}
			envelope, foreign, err := decodeEnvelope(message.Payload, r.instanceID)
			if err != nil {
				r.logger.Warn("realtime relay payload rejected", zap.Error(err))
				continue
			}
			if foreign {
				deliver(envelope)
			}
		}
	}
}

func decodeEnvelope(payload, instanceID string) (Envelope, bool, error) {
	var envelope Envelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return Envelope{}, false, err
	}
	if envelope.Room == "" || envelope.Frame.Event == "" {
		return Envelope{}, false, errors.New("realtime: incomplete envelope")
	}
	return envelope, envelope.InstanceID != instanceID, nil
}
