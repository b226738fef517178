package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	StatusQueueName     = "taskfarm:status"
	DeadLetterQueueName = "taskfarm:status:dead"
)

// RedisClient implements Client using a Redis list
type RedisClient struct {
	client     *redis.Client
	subscribed atomic.Bool
}

// NewRedisClient creates a new Redis queue client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisClient{client: client}, nil
}

// Publish appends a status message to the queue
func (r *RedisClient) Publish(ctx context.Context, message StatusMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, StatusQueueName, data).Err()
}

// Subscribe pops messages and hands them to handler until ctx is done. Messages the handler
// fails on are moved to the dead letter queue. One client can only be subscribed once.
func (r *RedisClient) Subscribe(ctx context.Context, handler func(StatusMessage) error) error {
	if !r.subscribed.CompareAndSwap(false, true) {
		return errors.New("client is already subscribed")
	}
	defer r.subscribed.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := r.getNewMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error().
					Err(err).
					Msg("Error encountered when fetching message from queue")
				continue
			}
			if message == nil {
				continue
			}

			if err := processMessage(handler, *message); err != nil {
				log.Error().
					Err(err).
					Str("task_id", message.TaskID).
					Msg("Error encountered when processing message")
				r.deadLetter(ctx, *message, err)
			}
		}
	}
}

func (r *RedisClient) getNewMessage(ctx context.Context) (*StatusMessage, error) {
	result, err := r.client.BLPop(ctx, 1*time.Second, StatusQueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No message available
			return nil, nil
		}
		return nil, fmt.Errorf("BLPOP from redis queue went bad. %w", err)
	}

	// Invalid message, this shouldn't usually happen
	if len(result) < 2 {
		return nil, nil
	}

	var message StatusMessage
	if err := json.Unmarshal([]byte(result[1]), &message); err != nil {
		return nil, fmt.Errorf("could not parse message into StatusMessage. %w", err)
	}
	return &message, nil
}

func (r *RedisClient) deadLetter(ctx context.Context, message StatusMessage, cause error) {
	data, err := json.Marshal(map[string]any{
		"message":   message,
		"error":     cause.Error(),
		"timestamp": time.Now().UTC(),
	})
	if err == nil {
		err = r.client.RPush(ctx, DeadLetterQueueName, data).Err()
	}
	if err != nil {
		log.Error().Err(err).Str("task_id", message.TaskID).Msg("Could not move message to dead letter queue")
	}
}

// Close terminates the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
