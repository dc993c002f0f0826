package access

import (
	"log/slog"
	"time"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonSuperRole        Reason = "super_role"
	ReasonGranted          Reason = "granted"
	ReasonNotGranted       Reason = "not_granted"
	ReasonNoRule           Reason = "no_rule"
	ReasonInvalidPrincipal Reason = "invalid_principal"
)

// Decision is the ephemeral outcome of a check. It is never persisted.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
}

// Decide evaluates whether p may perform action on feature under rules.
//
// The Admin super-role is allowed unconditionally, without looking at rules.
// That is the only exception to deny-by-default: every other role needs a
// rule for the feature, and a missing rule denies.
//
// Decide is pure; it performs no I/O and keeps no state.
func Decide(p Principal, feature string, action Action, rules RuleSet) Decision {
	if p.Role.IsSuper() {
		return Decision{Allowed: true, Reason: ReasonSuperRole}
	}
	key := p.Role.RuleKey()
	if key == "" {
		return Decision{Reason: ReasonInvalidPrincipal}
	}
	rule, ok := rules.Lookup(feature)
	if !ok {
		return Decision{Reason: ReasonNoRule}
	}
	if rule.Granted(key).Has(action) {
		return Decision{Allowed: true, Reason: ReasonGranted}
	}
	return Decision{Reason: ReasonNotGranted}
}

// DecisionObserver receives every decision, e.g. for metrics.
type DecisionObserver interface {
	ObserveDecision(feature string, action Action, d Decision)
}

// Evaluator is the single entry point every surface (gate, guard, services)
// uses to check access. It adds diagnostics around Decide.
type Evaluator struct {
	logger   *slog.Logger
	observer DecisionObserver
	now      func() time.Time
}

// NewEvaluator builds an Evaluator. Both arguments may be nil.
func NewEvaluator(logger *slog.Logger, observer DecisionObserver) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger, observer: observer, now: time.Now}
}

// Check returns the full decision. A principal without an ID, with an unknown
// role, or with an expired session is denied before Decide runs.
func (e *Evaluator) Check(p Principal, feature string, action Action, rules RuleSet) Decision {
	var d Decision
	if !p.Valid(e.clock()) {
		d = Decision{Reason: ReasonInvalidPrincipal}
	} else {
		d = Decide(p, feature, action, rules)
	}
	if d.Reason == ReasonNoRule && e != nil {
		e.logger.Warn("access rule missing, denying",
			slog.String("feature", feature),
			slog.String("action", string(action)),
			slog.String("role", p.Role.String()))
	}
	if e != nil && e.observer != nil {
		e.observer.ObserveDecision(feature, action, d)
	}
	return d
}

// Evaluate reports whether p may perform action on feature.
func (e *Evaluator) Evaluate(p Principal, feature string, action Action, rules RuleSet) bool {
	return e.Check(p, feature, action, rules).Allowed
}

func (e *Evaluator) clock() time.Time {
	if e == nil || e.now == nil {
		return time.Now()
	}
	return e.now()
}
