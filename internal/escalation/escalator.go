// Package escalation implements the shared sequence for moving an issue
// into human review: comment, state update, label swap, event.
package escalation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hydradev/hydra/internal/events"
	"github.com/hydradev/hydra/internal/gh"
	"github.com/hydradev/hydra/internal/labels"
	"github.com/hydradev/hydra/internal/state"
)

// Request describes one escalation. Empty/absent fields skip their step
// only; the rest of the sequence still executes.
type Request struct {
	// Issue is the issue being escalated
	Issue int
	// Cause is the human-readable reason, classified later by the HITL
	// controller to pick a correction prompt
	Cause string
	// OriginLabel is the stage label the issue returns to after correction
	OriginLabel string
	// CurrentLabels are removed from the issue (and PR, when present)
	CurrentLabels []string
	// PRNumber is the associated PR, 0 when none
	PRNumber int
	// Comment is posted before anything else; empty posts nothing
	Comment string
	// CommentOnPR posts the comment to the PR instead of the issue,
	// effective only when PRNumber is set
	CommentOnPR bool
	// Event, when non-nil, is published as the final step
	Event *events.Event
}

// Escalator routes issues into the HITL queue.
type Escalator struct {
	svc    gh.Service
	store  *state.Store
	bus    *events.Bus
	labels labels.Set
	logger *zap.Logger
}

// New creates an Escalator. bus may be nil; events are then dropped.
func New(svc gh.Service, store *state.Store, bus *events.Bus, labelSet labels.Set, logger *zap.Logger) *Escalator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Escalator{
		svc:    svc,
		store:  store,
		bus:    bus,
		labels: labelSet,
		logger: logger.Named("escalation"),
	}
}

// Escalate performs the escalation sequence in fixed order:
//
//  1. post the comment (to the PR when requested and present, else the issue)
//  2. record origin label and cause, increment the lifetime counter
//  3. remove every current label from the issue and the PR
//  4. add the HITL label to the issue and the PR
//  5. publish the event
//
// Individual step failures are logged and collected; later steps still run
// so a transient comment failure never leaves the issue unlabeled.
func (e *Escalator) Escalate(ctx context.Context, req Request) error {
	var errs []error

	// Step 1: comment.
	if req.Comment != "" {
		target := req.Issue
		if req.CommentOnPR && req.PRNumber > 0 {
			target = req.PRNumber
		}
		if err := e.svc.CreateComment(ctx, target, req.Comment); err != nil {
			e.logger.Warn("failed to post escalation comment",
				zap.Int("target", target), zap.Error(err))
			errs = append(errs, err)
		}
	}

	// Step 2: external state.
	if err := e.store.SetEscalation(ctx, req.Issue, req.OriginLabel, req.Cause); err != nil {
		e.logger.Warn("failed to record escalation state",
			zap.Int("issue", req.Issue), zap.Error(err))
		errs = append(errs, err)
	}
	if _, err := e.store.IncrementCounter(ctx, state.CounterHITLEscalations, 1); err != nil {
		errs = append(errs, err)
	}

	// Step 3: strip current labels.
	for _, label := range req.CurrentLabels {
		if err := e.svc.RemoveLabel(ctx, req.Issue, label); err != nil {
			errs = append(errs, err)
		}
		if req.PRNumber > 0 {
			if err := e.svc.RemoveLabel(ctx, req.PRNumber, label); err != nil {
				errs = append(errs, err)
			}
		}
	}

	// Step 4: HITL label.
	if err := e.svc.AddLabels(ctx, req.Issue, e.labels.HITL); err != nil {
		errs = append(errs, err)
	}
	if req.PRNumber > 0 {
		if err := e.svc.AddLabels(ctx, req.PRNumber, e.labels.HITL); err != nil {
			errs = append(errs, err)
		}
	}

	// Step 5: event.
	if req.Event != nil && e.bus != nil {
		e.bus.Publish(*req.Event)
	}

	e.logger.Info("escalated issue to HITL",
		zap.Int("issue", req.Issue),
		zap.String("cause", req.Cause),
		zap.String("origin", req.OriginLabel),
		zap.Int("pr", req.PRNumber))

	if len(errs) > 0 {
		return fmt.Errorf("escalation of #%d completed with errors: %w",
			req.Issue, errors.Join(errs...))
	}
	return nil
}
