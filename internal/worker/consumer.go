package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/forge3d/gateway/internal/domain"
)

// unitMessage pairs a decoded dispatch unit with its queue delivery so the
// pool can ack or nack the original message.
type unitMessage struct {
	unit     domain.DispatchUnit
	delivery amqp.Delivery
}

// dispatchDeliveries decodes queue deliveries and feeds them to the pool.
// Malformed messages are dropped without requeue; they would never decode on
// a second delivery either. An unexpected delivery channel close (broker
// restart) is an error so the process exits and gets restarted instead of
// idling with no consumer.
func (w *Worker) dispatchDeliveries(ctx context.Context, jobType string, deliveries <-chan amqp.Delivery, units chan<- unitMessage) error {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
		slog.String("job_type", jobType),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled",
				slog.String("job_type", jobType),
			)
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Error("RabbitMQ delivery channel closed",
					slog.String("job_type", jobType),
				)
				return fmt.Errorf("delivery channel for %s closed unexpectedly", jobType)
			}

			var unit domain.DispatchUnit
			if err := json.Unmarshal(delivery.Body, &unit); err != nil {
				w.logger.Error("Failed to parse dispatch unit",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if _, err := uuid.Parse(unit.JobID); err != nil {
				w.logger.Error("Invalid job_id in dispatch unit",
					slog.String("job_id", unit.JobID),
					slog.String("error", err.Error()),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK message with invalid job_id",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			select {
			case units <- unitMessage{unit: unit, delivery: delivery}:
				w.logger.Debug("Unit dispatched to pool",
					slog.String("job_id", unit.JobID),
					slog.Int("attempt", unit.Attempt),
				)
			case <-ctx.Done():
				// requeue so another worker picks it up
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return nil
			}
		}
	}
}
