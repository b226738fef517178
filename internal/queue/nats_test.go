package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskfarm/internal/models"
	"taskfarm/internal/queue"
)

func TestNatsClient_PublishSubscribe(t *testing.T) {
	client, err := queue.NewNatsClient("nats://localhost:4222")
	if err != nil {
		t.Skipf("nats not reachable: %v", err)
	}
	defer func() { assert.NoError(t, client.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan queue.StatusMessage, 1)
	go func() {
		_ = client.Subscribe(ctx, func(msg queue.StatusMessage) error {
			received <- msg
			return nil
		})
	}()
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, client.Publish(ctx, queue.NewStatusMessage(testTask(), models.StatusCanceled)))

	select {
	case msg := <-received:
		assert.Equal(t, "task-1", msg.TaskID)
		assert.Equal(t, models.StatusCanceled, msg.Status)
	case <-ctx.Done():
		t.Fatal("Timed out waiting for status message")
	}
}
