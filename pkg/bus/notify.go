package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/odvcencio/conductor/pkg/logging"
	"github.com/odvcencio/conductor/pkg/telemetry"
)

// PlanSubject is where accepted plans are announced.
func PlanSubject(prefix string) string {
	return prefix + ".plan.accepted"
}

// EventSubject is where a forwarded telemetry event of type t lands.
func EventSubject(prefix string, t telemetry.EventType) string {
	return prefix + ".events." + string(t)
}

// PlanMessage is the payload published when the human accepts a plan.
type PlanMessage struct {
	Plan       string    `json:"plan"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// PlanNotifier announces accepted plans on the bus.
type PlanNotifier struct {
	bus    Bus
	prefix string
}

// NewPlanNotifier publishes under prefix.
func NewPlanNotifier(b Bus, prefix string) *PlanNotifier {
	return &PlanNotifier{bus: b, prefix: prefix}
}

// PlanAccepted publishes the plan.
func (n *PlanNotifier) PlanAccepted(ctx context.Context, plan string) error {
	data, err := json.Marshal(PlanMessage{Plan: plan, AcceptedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if err := n.bus.Publish(ctx, PlanSubject(n.prefix), data); err != nil {
		return fmt.Errorf("publish plan: %w", err)
	}
	return nil
}

// Forward republishes telemetry events on the bus until events closes or
// ctx ends. Publish failures are logged and skipped.
func Forward(ctx context.Context, events <-chan telemetry.Event, b Bus, prefix string, logger *logging.Logger) {
	if logger == nil {
		logger = logging.Nop()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Warn(logging.CategorySession, "bus.encode_failed", err.Error(), map[string]any{"type": string(ev.Type)})
				continue
			}
			if err := b.Publish(ctx, EventSubject(prefix, ev.Type), data); err != nil {
				logger.Warn(logging.CategorySession, "bus.publish_failed", err.Error(), map[string]any{"type": string(ev.Type)})
			}
		}
	}
}
