package snapshot

import (
	"context"
	"log/slog"

	"github.com/hupe1980/snapdb/model"
	"github.com/hupe1980/snapdb/resource"
)

// Reclaimer expunges stale resources once no live snapshot references them.
// The registry tracks, per collection, the ids that fell out of scope when a
// superseded snapshot's reference count reached zero; a reclamation sweep
// hands those ids to the metadata store for permanent removal.
type Reclaimer struct {
	reg    *Registry
	ctl    *resource.Controller
	logger *slog.Logger
}

// NewReclaimer creates a reclaimer. A nil controller disables budgeting and
// a nil logger disables logging.
func NewReclaimer(reg *Registry, ctl *resource.Controller, logger *slog.Logger) *Reclaimer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reclaimer{reg: reg, ctl: ctl, logger: logger}
}

// Run performs one reclamation sweep over all collections with pending
// reclaimable ids. Ids that fail to expunge are requeued for a later sweep.
func (rc *Reclaimer) Run(ctx context.Context) error {
	for _, cid := range rc.reg.reclaimableCollections() {
		if err := rc.ctl.AcquireWorker(ctx); err != nil {
			return err
		}
		err := rc.sweep(ctx, cid)
		rc.ctl.ReleaseWorker()
		if err != nil {
			return err
		}
	}
	return nil
}

func (rc *Reclaimer) sweep(ctx context.Context, collectionID model.ID) error {
	ids := rc.reg.reclaimableIDs(collectionID)
	if len(ids) == 0 {
		return nil
	}
	if err := rc.reg.store.Expunge(ctx, collectionID, ids); err != nil {
		rc.reg.requeueReclaimable(collectionID, ids)
		rc.logger.Warn("reclamation sweep failed",
			"collection", uint64(collectionID), "ids", len(ids), "error", err)
		return err
	}
	rc.logger.Debug("reclaimed stale resources",
		"collection", uint64(collectionID), "ids", len(ids))
	return nil
}
