package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRulesIntegrity re-validates every stored permission rule.
	TaskRulesIntegrity = "rules:integrity"
	// TaskRulesBump tells every dashboard instance to reload rules.
	TaskRulesBump = "rules:bump"
)

// RulesIntegrityPayload configures an integrity run.
type RulesIntegrityPayload struct {
	// Bump publishes a reload once the check passes.
	Bump bool `json:"bump"`
}

// NewRulesIntegrityTask constructs the integrity task.
func NewRulesIntegrityTask(payload RulesIntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRulesIntegrity, data), nil
}

// NewRulesBumpTask constructs the reload task.
func NewRulesBumpTask() *asynq.Task {
	return asynq.NewTask(TaskRulesBump, nil)
}
