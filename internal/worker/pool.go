package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/forge3d/gateway/internal/config"
	"github.com/forge3d/gateway/internal/domain"
)

// poolLoop is the processing loop for one pool slot. It acks a unit once the
// processor has brought the job to rest (terminal state, republished retry,
// or dropped claim), and nacks with requeue only when processing was cut off
// before the outcome was recorded.
func (w *Worker) poolLoop(ctx context.Context, slotName string, jt config.JobTypeConfig, units <-chan unitMessage) {
	w.logger.Info("Pool slot started", slog.String("slot", slotName))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Pool slot stopping - context canceled",
				slog.String("slot", slotName),
			)
			return

		case msg, ok := <-units:
			if !ok {
				w.logger.Info("Pool slot stopping - unit channel closed",
					slog.String("slot", slotName),
				)
				return
			}

			w.logger.Info("Pool slot received unit",
				slog.String("slot", slotName),
				slog.String("job_id", msg.unit.JobID),
				slog.Int("attempt", msg.unit.Attempt),
			)

			err := w.processor.processUnit(ctx, jt, &msg.unit, msg.delivery.MessageId)

			switch {
			case err == nil:
				if ackErr := msg.delivery.Ack(false); ackErr != nil {
					w.logger.Error("Failed to ACK message",
						slog.String("slot", slotName),
						slog.String("job_id", msg.unit.JobID),
						slog.String("error", ackErr.Error()),
					)
				}

			case errors.Is(err, domain.ErrInvalidUnit):
				w.logger.Error("Dropping invalid unit",
					slog.String("slot", slotName),
					slog.String("job_id", msg.unit.JobID),
					slog.String("error", err.Error()),
				)
				if nackErr := msg.delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK invalid unit",
						slog.String("error", nackErr.Error()),
					)
				}

			default:
				// processing was interrupted, requeue for another worker
				w.logger.Error("Unit processing interrupted",
					slog.String("slot", slotName),
					slog.String("job_id", msg.unit.JobID),
					slog.String("error", err.Error()),
				)
				if nackErr := msg.delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message",
						slog.String("error", nackErr.Error()),
					)
				}
			}
		}
	}
}
