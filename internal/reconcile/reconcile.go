// Package reconcile implements drift reconciliation (spec §4.5): scan each
// provider's known prefixes, diff against the Backup table, and either
// report or repair the drift. Grounded on the teacher's ticker-service shape
// (internal/services/quota_sync.go) for the periodic task, and on the quota
// package's PostFlight transactional-update idiom for repairs.
package reconcile

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/models"
	"github.com/wpbackup/fleet/internal/objectstore"
	"github.com/wpbackup/fleet/internal/settings"
	"gorm.io/gorm"
)

// Diff is one site's reconciliation result.
type Diff struct {
	SiteID        uint     `json:"site_id"`
	NodeID        uint     `json:"node_id"`
	OrphanObjects []string `json:"orphan_objects"`
	MissingBlobs  []uint   `json:"missing_blob_backup_ids"` // Backup IDs with no object
	DBUsedBytes   int64    `json:"db_used_bytes"`
	StoreUsedBytes int64   `json:"store_used_bytes"`
	DriftBytes    int64    `json:"drift_bytes"`
	DriftExceeded bool     `json:"drift_exceeded"`
	Repaired      bool     `json:"repaired"`
}

// Run reconciles every site on a node (or every site if nodeID == 0).
// dryRun=true returns the diff without mutating anything (spec §8 boundary
// behaviour).
func Run(store *objectstore.Multi, nodeID uint, dryRun bool) ([]Diff, error) {
	var sites []models.Site
	q := database.DB.Model(&models.Site{})
	if nodeID != 0 {
		q = q.Where("node_id = ?", nodeID)
	}
	if err := q.Find(&sites).Error; err != nil {
		return nil, err
	}

	diffs := make([]Diff, 0, len(sites))
	for _, site := range sites {
		d, err := reconcileSite(store, &site, dryRun)
		if err != nil {
			log.Printf("reconcile: site %d: %v", site.ID, err)
			continue
		}
		diffs = append(diffs, d)
	}
	return diffs, nil
}

func reconcileSite(store *objectstore.Multi, site *models.Site, dryRun bool) (Diff, error) {
	var node models.Node
	if err := database.DB.First(&node, site.NodeID).Error; err != nil {
		return Diff{}, err
	}
	if node.StorageProviderID == nil {
		return Diff{SiteID: site.ID, NodeID: node.ID}, nil
	}

	prefix := fmt.Sprintf("%s/%s/", node.ExternalID.String(), site.ExternalID.String())
	objects, err := store.ListPrefix(*node.StorageProviderID, prefix)
	if err != nil {
		return Diff{}, fmt.Errorf("list prefix: %w", err)
	}
	byKey := make(map[string]int64, len(objects))
	for _, o := range objects {
		byKey[o.Key] = o.Size
	}

	var backups []models.Backup
	database.DB.Where("site_id = ? AND status = ?", site.ID, models.BackupStatusSuccess).Find(&backups)

	d := Diff{SiteID: site.ID, NodeID: node.ID}
	seen := make(map[string]bool, len(backups))
	var storeTotal int64

	for _, b := range backups {
		seen[b.ObjectStorePath] = true
		if size, ok := byKey[b.ObjectStorePath]; ok {
			storeTotal += size
		} else {
			d.MissingBlobs = append(d.MissingBlobs, b.ID)
		}
	}
	for key, size := range byKey {
		if !seen[key] {
			d.OrphanObjects = append(d.OrphanObjects, key)
		}
		_ = size
	}

	d.DBUsedBytes = site.StorageUsedBytes
	d.StoreUsedBytes = storeTotal
	if d.DBUsedBytes > d.StoreUsedBytes {
		d.DriftBytes = d.DBUsedBytes - d.StoreUsedBytes
	} else {
		d.DriftBytes = d.StoreUsedBytes - d.DBUsedBytes
	}

	threshold := settings.ReconcileDriftThreshold(site.ID, node.ID)
	if d.DBUsedBytes > 0 {
		d.DriftExceeded = float64(d.DriftBytes)/float64(d.DBUsedBytes) > threshold
	} else if d.StoreUsedBytes > 0 {
		d.DriftExceeded = true
	}

	if dryRun {
		return d, nil
	}

	if err := repair(site, &d, storeTotal); err != nil {
		return d, err
	}
	d.Repaired = true
	return d, nil
}

// repair marks rows with no blob FAILED, and recomputes storage_used_bytes
// from store totals when drift exceeds threshold (spec §4.5).
func repair(site *models.Site, d *Diff, storeTotal int64) error {
	return database.DB.Transaction(func(tx *gorm.DB) error {
		if len(d.MissingBlobs) > 0 {
			if err := tx.Model(&models.Backup{}).Where("id IN ?", d.MissingBlobs).
				Updates(map[string]interface{}{"status": models.BackupStatusFailed, "error_kind": "Integrity", "error_message": "object missing from store"}).Error; err != nil {
				return err
			}
		}

		if d.DriftExceeded {
			if err := tx.Model(&models.Site{}).Where("id = ?", site.ID).
				Update("storage_used_bytes", storeTotal).Error; err != nil {
				return err
			}
			var nodeTotal int64
			tx.Model(&models.Site{}).Where("node_id = ?", site.NodeID).
				Select("COALESCE(SUM(storage_used_bytes), 0)").Scan(&nodeTotal)
			if err := tx.Model(&models.Node{}).Where("id = ?", site.NodeID).
				Update("storage_used_bytes", nodeTotal).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Worker periodically runs reconciliation across every site, grounded on
// the teacher's DailyQuotaResetService ticker shape.
type Worker struct {
	store    *objectstore.Multi
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(store *objectstore.Multi, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Worker{store: store, interval: interval, stopChan: make(chan struct{})}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		log.Println("reconciliation worker started")
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := Run(w.store, 0, false); err != nil {
					log.Printf("reconciliation worker: %v", err)
				}
			case <-w.stopChan:
				log.Println("reconciliation worker stopped")
				return
			}
		}
	}()
}

func (w *Worker) Stop() {
	close(w.stopChan)
	w.wg.Wait()
}
