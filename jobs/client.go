package jobs

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// Client submits rules tasks to the default queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueRulesIntegrity enqueues an integrity check of the stored rules.
func (c *Client) EnqueueRulesIntegrity(ctx context.Context, payload RulesIntegrityPayload) (*asynq.TaskInfo, error) {
	task, err := NewRulesIntegrityTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(3))
}

// EnqueueRulesBump enqueues a rule reload for every dashboard instance.
// Bumps are deduplicated for a few seconds so repeated triggers collapse.
func (c *Client) EnqueueRulesBump(ctx context.Context) (*asynq.TaskInfo, error) {
	return c.client.EnqueueContext(ctx, NewRulesBumpTask(), asynq.Queue(QueueDefault), asynq.Unique(5*time.Second))
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
