package observer

import (
	"context"

	"provflow/internal/core/ports"
	"provflow/internal/domain"

	"go.uber.org/zap"
)

// Observer consumes the lifecycle event stream and turns it into logs. It is
// the in-process stand-in for downstream notification consumers, and the
// place where COMPENSATION_FAILED gets surfaced loudly.
type Observer struct {
	subscriber ports.EventSubscriber
	logger     *zap.Logger
}

func New(subscriber ports.EventSubscriber, logger *zap.Logger) *Observer {
	return &Observer{
		subscriber: subscriber,
		logger:     logger.Named("observer"),
	}
}

// Start begins the listening loop. Run it in its own goroutine; it returns
// when ctx is cancelled or the stream closes.
func (o *Observer) Start(ctx context.Context) error {
	events, err := o.subscriber.Subscribe(ctx)
	if err != nil {
		return err
	}
	o.logger.Info("observer started, listening for lifecycle events")

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("observer shutting down")
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			o.handle(event)
		}
	}
}

func (o *Observer) handle(event domain.LifecycleEvent) {
	fields := []zap.Field{
		zap.Stringer("instance_id", event.InstanceID),
		zap.Stringer("subscriber_id", event.SubscriberID),
		zap.String("operation", string(event.Operation)),
		zap.String("old_status", string(event.OldStatus)),
		zap.String("new_status", string(event.NewStatus)),
	}
	if event.ErrorDetail != "" {
		fields = append(fields, zap.String("detail", event.ErrorDetail))
	}

	switch event.NewStatus {
	case domain.WorkflowCompensationFailed:
		// Alert-worthy: external systems are in a known-inconsistent state
		// until an operator steps in.
		o.logger.Error("workflow compensation failed, manual intervention required", fields...)
	case domain.WorkflowCompensated, domain.WorkflowStepFailed:
		o.logger.Warn("workflow transition", fields...)
	default:
		o.logger.Info("workflow transition", fields...)
	}
}
