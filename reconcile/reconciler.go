package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/aluiziolira/go-catalog-sync/commerce"
	"github.com/aluiziolira/go-catalog-sync/models"
)

// Reconciler applies one remote entity's current state onto the local
// commerce store. It always recomputes the full desired state instead
// of diffing, so re-running on an unchanged entity is a no-op in effect.
type Reconciler struct {
	local    commerce.Store
	mappings *Mappings
	images   *ImageStore
}

// NewReconciler wires a reconciler over the local store, the mapping
// index, and the image dedup store.
func NewReconciler(local commerce.Store, mappings *Mappings, images *ImageStore) *Reconciler {
	return &Reconciler{local: local, mappings: mappings, images: images}
}

// Reconcile upserts the local record for one remote product and returns
// its local id and whether it was created on this call.
func (r *Reconciler) Reconcile(ctx context.Context, rp *models.RemoteProduct) (int64, bool, error) {
	if err := ValidateProduct(rp); err != nil {
		return 0, false, err
	}

	assetIDs, assetByImageID, err := r.ensureImages(ctx, rp)
	if err != nil {
		return 0, false, err
	}

	desired := &commerce.Product{
		RemoteID:       rp.ID,
		Title:          rp.Title,
		Description:    rp.Description,
		Vendor:         rp.Vendor,
		Status:         NormalizeStatus(rp.Status),
		Price:          NormalizePrice(rp.Price),
		AttributeNames: AttributeNames(rp.Variants),
		AssetIDs:       assetIDs,
	}

	localID, created, err := r.upsertProduct(ctx, desired)
	if err != nil {
		return 0, false, err
	}
	if err := r.mappings.Save(ctx, models.MappingProduct, rp.ID, localID); err != nil {
		return 0, false, err
	}

	for i := range rp.Variants {
		if err := r.reconcileVariant(ctx, localID, &rp.Variants[i], assetByImageID); err != nil {
			return 0, false, fmt.Errorf("variant %s of product %s: %w", rp.Variants[i].ID, rp.ID, err)
		}
	}

	slog.Debug("reconciled product",
		slog.String("remote_id", rp.ID),
		slog.Int64("local_id", localID),
		slog.Bool("created", created),
		slog.Int("variants", len(rp.Variants)),
	)
	return localID, created, nil
}

// ensureImages resolves every referenced image URL to a local asset id,
// in position order. The returned map lets variants find the asset for
// their image reference.
func (r *Reconciler) ensureImages(ctx context.Context, rp *models.RemoteProduct) ([]int64, map[string]int64, error) {
	images := make([]models.RemoteImage, len(rp.Images))
	copy(images, rp.Images)
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].Position < images[j].Position
	})

	assetIDs := make([]int64, 0, len(images))
	assetByImageID := make(map[string]int64, len(images))
	for _, img := range images {
		if img.URL == "" {
			continue
		}
		assetID, err := r.images.Ensure(ctx, img.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("image %s of product %s: %w", img.URL, rp.ID, err)
		}
		assetIDs = append(assetIDs, assetID)
		if img.ID != "" {
			assetByImageID[img.ID] = assetID
		}
	}
	return assetIDs, assetByImageID, nil
}

func (r *Reconciler) upsertProduct(ctx context.Context, desired *commerce.Product) (int64, bool, error) {
	mapping, found, err := r.mappings.Lookup(ctx, models.MappingProduct, desired.RemoteID)
	if err != nil {
		return 0, false, err
	}

	if found {
		desired.ID = mapping.LocalID
		err := r.local.UpdateProduct(ctx, desired)
		if err == nil {
			return mapping.LocalID, false, nil
		}
		if !errors.Is(err, commerce.ErrNotFound) {
			return 0, false, err
		}
		// The mapped record is gone locally; fall through and recreate
		// so the mapping heals instead of failing forever.
		slog.Warn("mapped product missing locally, recreating",
			slog.String("remote_id", desired.RemoteID),
			slog.Int64("stale_local_id", mapping.LocalID),
		)
		desired.ID = 0
	}

	localID, err := r.local.CreateProduct(ctx, desired)
	if err != nil {
		return 0, false, err
	}
	return localID, true, nil
}

func (r *Reconciler) reconcileVariant(ctx context.Context, productID int64, rv *models.RemoteVariant, assetByImageID map[string]int64) error {
	desired := &commerce.Variant{
		ProductID: productID,
		RemoteID:  rv.ID,
		Title:     rv.Title,
		SKU:       rv.SKU,
		Price:     NormalizePrice(rv.Price),
		Options:   rv.Options,
		AssetID:   assetByImageID[rv.ImageID],
	}

	mapping, found, err := r.mappings.Lookup(ctx, models.MappingVariant, rv.ID)
	if err != nil {
		return err
	}

	if found {
		desired.ID = mapping.LocalID
		err := r.local.UpdateVariant(ctx, desired)
		if err == nil {
			return r.mappings.Save(ctx, models.MappingVariant, rv.ID, mapping.LocalID)
		}
		if !errors.Is(err, commerce.ErrNotFound) {
			return err
		}
		desired.ID = 0
	}

	localID, err := r.local.CreateVariant(ctx, desired)
	if err != nil {
		return err
	}
	return r.mappings.Save(ctx, models.MappingVariant, rv.ID, localID)
}
