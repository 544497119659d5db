package approval

import "context"

// Notifier is told about plan decisions the wizard cares about.
//
//go:generate mockgen -package=approval -destination=mock_notifier_test.go github.com/odvcencio/conductor/pkg/approval Notifier
type Notifier interface {
	// PlanAccepted is called after the human accepts a plan. Errors are
	// logged and never change the decision.
	PlanAccepted(ctx context.Context, plan string) error
}

// DecisionRecorder counts decisions. telemetry.Metrics implements it.
type DecisionRecorder interface {
	ObserveApproval(tool, decision, source string)
}

type nopNotifier struct{}

func (nopNotifier) PlanAccepted(context.Context, string) error { return nil }

type nopRecorder struct{}

func (nopRecorder) ObserveApproval(string, string, string) {}
