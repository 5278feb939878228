package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aluiziolira/go-catalog-sync/models"
	"github.com/aluiziolira/go-catalog-sync/reconcile"
	"github.com/aluiziolira/go-catalog-sync/retry"
)

// RegisterReplayHandlers binds each deferred call kind to the code that
// replays it. Dispatch is by the kind recorded at enqueue time; the
// endpoint string is payload, never a dispatch key. Admission is the
// drain loop's job, so handlers issue the call directly.
func (s *Scheduler) RegisterReplayHandlers(registry *retry.Registry, images *reconcile.ImageStore) {
	registry.Register(models.CallProductFetch, func(ctx context.Context, item models.RetryItem) error {
		remoteID := strings.TrimPrefix(item.Endpoint, "/products/")
		_, headers, err := s.client.GetProduct(ctx, remoteID)
		if err != nil {
			return err
		}
		return s.tracker.RecordSuccess(ctx, item.Endpoint, headers)
	})

	registry.Register(models.CallImageFetch, func(ctx context.Context, item models.RetryItem) error {
		// Image downloads bypass the API quota; a successful replay
		// records the dedup entry so future syncs reuse the asset.
		_, err := images.Ensure(ctx, item.Endpoint)
		return err
	})

	registry.Register(models.CallOrderPush, func(ctx context.Context, item models.RetryItem) error {
		var update models.OrderUpdate
		if err := json.Unmarshal(item.Payload, &update); err != nil {
			return fmt.Errorf("decode queued order update: %w", err)
		}
		headers, err := s.client.PushOrder(ctx, &update)
		if err != nil {
			return err
		}
		return s.tracker.RecordSuccess(ctx, item.Endpoint, headers)
	})
}
