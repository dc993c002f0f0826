package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/opsdash/internal/access"
	jobmetrics "github.com/odyssey-erp/opsdash/internal/jobs"
)

// RuleLister returns stored rules without validating them.
type RuleLister interface {
	ListRules(ctx context.Context) ([]access.PermissionRule, error)
}

// Bumper announces a rule change.
type Bumper interface {
	Bump(ctx context.Context) error
}

// RuleProblem describes one stored rule the evaluator would drop.
type RuleProblem struct {
	ID      int64
	Feature string
	Err     error
}

// RulesIntegrityJob reports stored rules that fail validation. Such rules
// are ignored by every snapshot, so the features they govern deny everyone
// but admins.
type RulesIntegrityJob struct {
	Rules   RuleLister
	Bumper  Bumper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewRulesIntegrityJob initialises the integrity handler.
func NewRulesIntegrityJob(rules RuleLister, bumper Bumper, logger *slog.Logger, metrics *jobmetrics.Metrics) *RulesIntegrityJob {
	return &RulesIntegrityJob{
		Rules:   rules,
		Bumper:  bumper,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Check validates every stored rule and returns the problems found.
func (j *RulesIntegrityJob) Check(ctx context.Context) ([]RuleProblem, error) {
	if j == nil || j.Rules == nil {
		return nil, errors.New("rules integrity: lister not configured")
	}
	rules, err := j.Rules.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("rules integrity: list: %w", err)
	}
	var problems []RuleProblem
	seen := make(map[string]int64, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			problems = append(problems, RuleProblem{ID: rule.ID, Feature: rule.Feature, Err: err})
			continue
		}
		key := access.FeatureKey(rule.Feature)
		if first, dup := seen[key]; dup {
			problems = append(problems, RuleProblem{
				ID:      rule.ID,
				Feature: rule.Feature,
				Err:     fmt.Errorf("%w: feature already governed by rule %d", access.ErrInvalidRule, first),
			})
			continue
		}
		seen[key] = rule.ID
	}
	return problems, nil
}

// Handle executes the integrity check as an Asynq task.
func (j *RulesIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("rules integrity: handler not configured")
	}
	var payload RulesIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	start := j.now()
	tracker := j.Metrics.Track(TaskRulesIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("job", TaskRulesIntegrity))
	problems, err := j.Check(ctx)
	if err != nil {
		resultErr = err
		logger.Error("integrity check failed", slog.Any("error", err))
		return resultErr
	}
	for _, p := range problems {
		logger.Warn("invalid permission rule",
			slog.Int64("rule_id", p.ID),
			slog.String("feature", p.Feature),
			slog.Any("error", p.Err),
		)
	}
	j.Metrics.AddInvalidRules(len(problems))

	if len(problems) > 0 {
		resultErr = fmt.Errorf("rules integrity: %d invalid rules: %w", len(problems), asynq.SkipRetry)
		return resultErr
	}
	if payload.Bump && j.Bumper != nil {
		if err := j.Bumper.Bump(ctx); err != nil {
			resultErr = fmt.Errorf("rules integrity: bump: %w", err)
			return resultErr
		}
	}
	logger.Info("integrity check passed", slog.Duration("duration", time.Since(start)))
	return nil
}

// HandleBump publishes a rule reload.
func (j *RulesIntegrityJob) HandleBump(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Bumper == nil {
		return errors.New("rules bump: bumper not configured")
	}
	tracker := j.Metrics.Track(TaskRulesBump)
	return tracker.End(j.Bumper.Bump(ctx))
}

func (j *RulesIntegrityJob) now() time.Time {
	if j.clock == nil {
		return time.Now().UTC()
	}
	return j.clock()
}

func (j *RulesIntegrityJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
