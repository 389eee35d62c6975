// Package labels defines the label-driven state surface of the pipeline.
//
// State flow:
// - hydra-triage → triage runner evaluates readiness
// - hydra-plan → planner produces a plan
// - hydra-implement → implementation agent claims
// - hydra-hitl → waiting for a human correction
// - hydra-hitl-active → a correction run is in flight
// - hydra-improve → self-filed follow-up issues
package labels

import (
	"context"
	"fmt"
)

// Default label names. Configurable via config, fixed in meaning.
const (
	// LabelTriage marks issues waiting in triage
	LabelTriage = "hydra-triage"
	// LabelPlan marks issues ready for planning
	LabelPlan = "hydra-plan"
	// LabelImplement marks issues ready for an implementation run
	LabelImplement = "hydra-implement"
	// LabelHITL marks issues escalated for human correction
	LabelHITL = "hydra-hitl"
	// LabelHITLActive marks issues whose correction run is in flight
	LabelHITLActive = "hydra-hitl-active"
	// LabelImprove marks self-filed follow-up issues from transcript summaries
	LabelImprove = "hydra-improve"
	// LabelMetrics marks the pipeline's metrics tracking issue
	LabelMetrics = "hydra-metrics"
)

// Set holds the configured label names used across the pipeline.
type Set struct {
	Triage     string `yaml:"triage"`
	Plan       string `yaml:"plan"`
	Implement  string `yaml:"implement"`
	HITL       string `yaml:"hitl"`
	HITLActive string `yaml:"hitl_active"`
	Improve    string `yaml:"improve"`
	Metrics    string `yaml:"metrics"`
}

// Defaults returns the default label set.
func Defaults() Set {
	return Set{
		Triage:     LabelTriage,
		Plan:       LabelPlan,
		Implement:  LabelImplement,
		HITL:       LabelHITL,
		HITLActive: LabelHITLActive,
		Improve:    LabelImprove,
		Metrics:    LabelMetrics,
	}
}

// OriginStage maps a stage-origin label back to its stage name, used when a
// corrected issue is routed back to where it escalated from.
func (s Set) OriginStage(label string) (string, bool) {
	switch label {
	case s.Triage:
		return "triage", true
	case s.Plan:
		return "plan", true
	case s.Implement:
		return "implement", true
	case s.Improve:
		// Improve-origin issues restart at triage, not at their literal
		// origin: summaries are new work, not resumed work.
		return "triage", true
	}
	return "", false
}

// Swapper is the minimal label surface needed for state transitions.
type Swapper interface {
	AddLabels(ctx context.Context, number int, labels ...string) error
	RemoveLabel(ctx context.Context, number int, label string) error
}

// Transition removes fromLabel (when non-empty) and adds toLabel on the
// issue. The remove runs first so a crash between the two leaves the issue
// label-less rather than double-labeled, which downstream pollers treat as
// "needs attention" instead of claiming it twice.
func Transition(ctx context.Context, svc Swapper, number int, fromLabel, toLabel string) error {
	if fromLabel != "" {
		if err := svc.RemoveLabel(ctx, number, fromLabel); err != nil {
			return fmt.Errorf("failed to remove label %s: %w", fromLabel, err)
		}
	}
	if toLabel != "" {
		if err := svc.AddLabels(ctx, number, toLabel); err != nil {
			return fmt.Errorf("failed to add label %s: %w", toLabel, err)
		}
	}
	return nil
}
