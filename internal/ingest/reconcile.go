package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"pacscore/internal/blob"
	"pacscore/pkg/domain"
)

// Reconciler cleans up the debris a crash can leave behind: archive
// objects whose instance row never got inserted, and abandoned staging
// files. Committed instances are never touched. Orphans younger than the
// grace period are skipped since an in-flight commit looks identical to
// an orphan until its row lands.
type Reconciler struct {
	store   domain.MetadataStore
	archive blob.Store
	spool   *Spool
	grace   time.Duration
	log     *slog.Logger
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Scanned      int
	Orphans      int
	Purged       int
	SpoolSwept   int
	SkippedFresh int
}

// NewReconciler constructs a reconciler. A non-positive grace defaults to
// one hour.
func NewReconciler(store domain.MetadataStore, archive blob.Store, spool *Spool, grace time.Duration, log *slog.Logger) *Reconciler {
	if grace <= 0 {
		grace = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, archive: archive, spool: spool, grace: grace, log: log}
}

// Run performs one full pass over the archive and the spool directory.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	infos, err := r.archive.List(ctx, "")
	if err != nil {
		return report, domain.StorageError{Op: "archive list", Err: err}
	}
	cutoff := time.Now().Add(-r.grace)
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		sopUID := keySOPUID(info.Key)
		if sopUID == "" {
			continue
		}
		if _, err := r.store.InstanceBySOPUID(ctx, sopUID); err == nil {
			continue
		} else if !domain.IsNotFound(err) {
			return report, domain.StorageError{Op: "lookup instance", Err: err}
		}
		report.Orphans++
		if info.LastModified.After(cutoff) {
			report.SkippedFresh++
			continue
		}
		if _, err := r.archive.Delete(ctx, info.Key); err != nil {
			r.log.Warn("orphan purge failed", "key", info.Key, "error", err)
			continue
		}
		report.Purged++
		r.log.Info("orphan purged", "key", info.Key, "sop_uid", sopUID)
	}
	if r.spool != nil {
		swept, err := r.spool.Sweep(r.grace)
		if err != nil {
			r.log.Warn("spool sweep failed", "error", err)
		}
		report.SpoolSwept = swept
	}
	return report, nil
}

// RunEvery runs reconciliation passes on the given interval until the
// context is canceled.
func (r *Reconciler) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.Run(ctx)
			if err != nil {
				r.log.Warn("reconciliation pass failed", "error", err)
				continue
			}
			r.log.Info("reconciliation pass complete",
				"scanned", report.Scanned, "orphans", report.Orphans,
				"purged", report.Purged, "spool_swept", report.SpoolSwept)
		}
	}
}

// keySOPUID extracts the SOP instance UID from an archive key of the form
// {facility}/{study}/{series}/{sop}.
func keySOPUID(key string) string {
	parts := strings.Split(key, "/")
	if len(parts) != 4 {
		return ""
	}
	return parts[3]
}
