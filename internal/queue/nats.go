package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const statusSubjectPrefix = "taskfarm.status."

// statusSubject is the subject a status is published on. Subscribers use the wildcard.
func statusSubject(status string) string { return statusSubjectPrefix + status }

// NatsClient implements Client with NATS core pub/sub. Messages published while nobody
// listens are lost, unlike the Redis list.
type NatsClient struct {
	nc         *nats.Conn
	subscribed atomic.Bool
}

func NewNatsClient(url string) (*NatsClient, error) {
	nc, err := nats.Connect(url, nats.Name("taskfarm"))
	if err != nil {
		return nil, fmt.Errorf("could not connect to nats. %w", err)
	}
	return &NatsClient{nc: nc}, nil
}

func (n *NatsClient) Publish(_ context.Context, message StatusMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("could not marshal status message. %w", err)
	}
	if err := n.nc.Publish(statusSubject(string(message.Status)), data); err != nil {
		return fmt.Errorf("could not publish status message. %w", err)
	}
	return nil
}

// Subscribe handles every status message until ctx is done
func (n *NatsClient) Subscribe(ctx context.Context, handler func(StatusMessage) error) error {
	if !n.subscribed.CompareAndSwap(false, true) {
		return errors.New("client is already subscribed")
	}
	defer n.subscribed.Store(false)

	sub, err := n.nc.Subscribe(statusSubject("*"), func(msg *nats.Msg) {
		var message StatusMessage
		if err := json.Unmarshal(msg.Data, &message); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("Could not parse status message")
			return
		}
		if err := processMessage(handler, message); err != nil {
			log.Error().Err(err).Str("task_id", message.TaskID).Msg("Error encountered when processing message")
		}
	})
	if err != nil {
		return fmt.Errorf("could not subscribe to %s. %w", statusSubject("*"), err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	<-ctx.Done()
	return ctx.Err()
}

func (n *NatsClient) Close() error {
	n.nc.Close()
	return nil
}
