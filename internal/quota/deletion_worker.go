package quota

import (
	"log"
	"sync"
	"time"

	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/models"
	"github.com/wpbackup/fleet/internal/objectstore"
	"gorm.io/gorm"
)

// DeletionWorker scans for backups past their scheduled_deletion and removes
// {object-store blob -> DB row}, grounded on the teacher's
// DailyQuotaResetService ticker shape (internal/services/quota_sync.go).
// A blob-delete failure leaves the row intact for retry (spec §4.5, §5).
type DeletionWorker struct {
	store    *objectstore.Multi
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewDeletionWorker(store *objectstore.Multi, interval time.Duration) *DeletionWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &DeletionWorker{store: store, interval: interval, stopChan: make(chan struct{})}
}

func (w *DeletionWorker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		log.Println("quota deletion worker started")

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.sweep()
		for {
			select {
			case <-ticker.C:
				w.sweep()
			case <-w.stopChan:
				log.Println("quota deletion worker stopped")
				return
			}
		}
	}()
}

func (w *DeletionWorker) Stop() {
	close(w.stopChan)
	w.wg.Wait()
}

func (w *DeletionWorker) sweep() {
	var due []models.Backup
	if err := database.DB.Where("scheduled_deletion <= ? AND status = ?", time.Now(), models.BackupStatusSuccess).Find(&due).Error; err != nil {
		log.Printf("deletion worker: query failed: %v", err)
		return
	}

	for _, b := range due {
		if err := w.deleteOne(&b); err != nil {
			log.Printf("deletion worker: backup %d: %v", b.ID, err)
			continue
		}
	}
}

func (w *DeletionWorker) deleteOne(b *models.Backup) error {
	var site models.Site
	if err := database.DB.First(&site, b.SiteID).Error; err != nil {
		return err
	}

	if err := w.store.Delete(b.StorageProviderID, b.ObjectStorePath); err != nil {
		return err
	}

	return database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Site{}).Where("id = ?", site.ID).
			Update("storage_used_bytes", gorm.Expr("storage_used_bytes - ?", b.SizeBytes)).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Node{}).Where("id = ?", site.NodeID).
			Update("storage_used_bytes", gorm.Expr("storage_used_bytes - ?", b.SizeBytes)).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Backup{}, b.ID).Error
	})
}
