package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aluiziolira/go-catalog-sync/models"
	"github.com/aluiziolira/go-catalog-sync/ratelimit"
)

// PushOrder writes local order state to the remote API through the
// admission gate. A transient failure is absorbed into the retry queue
// with the full payload, so the write eventually lands; only permanent
// rejections surface to the caller.
func (s *Scheduler) PushOrder(ctx context.Context, update *models.OrderUpdate) error {
	if update == nil || update.RemoteID == "" {
		return fmt.Errorf("order update missing remote id")
	}
	endpoint := "/orders/" + update.RemoteID

	allowed, err := s.tracker.Allowed(ctx, endpoint)
	if err != nil {
		return err
	}
	if !allowed {
		s.metrics.IncAdmissionDenied()
		return ErrAdmissionDenied
	}

	headers, err := s.client.PushOrder(ctx, update)
	if err == nil {
		if err := s.tracker.RecordSuccess(ctx, endpoint, headers); err != nil {
			return err
		}
		slog.Debug("order pushed",
			slog.String("order_id", update.OrderID),
			slog.String("remote_id", update.RemoteID),
		)
		return nil
	}

	payload, marshalErr := json.Marshal(update)
	if marshalErr != nil {
		return fmt.Errorf("encode order update: %w", marshalErr)
	}
	handleErr := s.governor.HandleCallError(ctx, models.RetryItem{
		Kind:     models.CallOrderPush,
		Endpoint: endpoint,
		Payload:  payload,
		Attempts: 1,
	}, err)
	if errors.Is(handleErr, ratelimit.ErrPermanent) {
		return fmt.Errorf("order push rejected: %w", err)
	}
	if handleErr == nil {
		s.metrics.IncRetryQueued()
	}
	return handleErr
}
