// Package progressstore implements the per-site live progress row from
// spec §4.3: compare-and-set on epoch, one RUNNING row per site, and an SSE
// fan-out keyed off a change channel — replacing the "progress via shared
// in-memory dict" antipattern per spec §9's re-architecture guidance.
//
// The store is the in-memory authority for a Master process; rows are
// mirrored to the progress_rows table (models.ProgressRow) so a restart can
// recover state for the crash-recovery sweep (spec §4.1).
package progressstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/models"
)

// ErrConflict is returned by Start when the site already has a RUNNING row.
type ErrConflict struct{ SiteID uint }

func (e ErrConflict) Error() string { return fmt.Sprintf("site %d already has a running backup", e.SiteID) }

// ErrStaleEpoch is returned by Update/Finish when the caller's epoch no
// longer matches the live row — the write is from an abandoned job.
type ErrStaleEpoch struct{ SiteID uint }

func (e ErrStaleEpoch) Error() string { return fmt.Sprintf("stale epoch write for site %d", e.SiteID) }

type row struct {
	mu   sync.Mutex
	data models.ProgressRow
	subs map[int]chan models.ProgressRow
	next int
}

// Store is the process-wide live-progress table.
type Store struct {
	mu   sync.Mutex
	rows map[uint]*row
}

var global = &Store{rows: make(map[uint]*row)}

// Default returns the process-wide Store.
func Default() *Store { return global }

func (s *Store) getRow(siteID uint) *row {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[siteID]
	if !ok {
		r = &row{
			data: models.ProgressRow{SiteID: siteID, State: models.ProgressIdle},
			subs: make(map[int]chan models.ProgressRow),
		}
		s.rows[siteID] = r
	}
	return r
}

// Start begins a new job for a site: increments the epoch, resets the row,
// and rejects with ErrConflict if a job is already RUNNING (spec §4.3).
func (s *Store) Start(siteID uint) (epoch int64, err error) {
	r := s.getRow(siteID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data.State == models.ProgressRunning {
		return 0, ErrConflict{SiteID: siteID}
	}

	now := time.Now()
	r.data = models.ProgressRow{
		SiteID:    siteID,
		Epoch:     r.data.Epoch + 1,
		State:     models.ProgressRunning,
		StartedAt: &now,
		UpdatedAt: now,
	}
	s.persist(r.data)
	s.broadcast(r)
	return r.data.Epoch, nil
}

// Update applies a non-terminal progress write if epoch matches the live
// row; stale writes from a prior job are silently dropped (return
// ErrStaleEpoch so the caller can stop retrying).
func (s *Store) Update(siteID uint, epoch int64, stage string, percent int, message string, bytesProcessed, bytesTotal int64) error {
	r := s.getRow(siteID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data.Epoch != epoch || r.data.State != models.ProgressRunning {
		return ErrStaleEpoch{SiteID: siteID}
	}

	r.data.Stage = stage
	r.data.ProgressPercent = percent
	r.data.Message = message
	r.data.BytesProcessed = bytesProcessed
	r.data.BytesTotal = bytesTotal
	r.data.UpdatedAt = time.Now()

	s.persist(r.data)
	s.broadcast(r)
	return nil
}

// Finish transitions the row to a terminal state if epoch matches.
func (s *Store) Finish(siteID uint, epoch int64, state models.ProgressState, errKind, errMsg string) error {
	if state != models.ProgressCompleted && state != models.ProgressFailed && state != models.ProgressStopped {
		return fmt.Errorf("progressstore: %s is not a terminal state", state)
	}

	r := s.getRow(siteID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data.Epoch != epoch {
		return ErrStaleEpoch{SiteID: siteID}
	}

	r.data.State = state
	r.data.ErrorKind = errKind
	r.data.ErrorMessage = errMsg
	r.data.UpdatedAt = time.Now()
	if state == models.ProgressCompleted {
		r.data.ProgressPercent = 100
	}

	s.persist(r.data)
	s.broadcast(r)
	return nil
}

// RequestCancel flips the cancel-requested flag for the site's current job.
func (s *Store) RequestCancel(siteID uint) {
	r := s.getRow(siteID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data.State != models.ProgressRunning {
		return
	}
	r.data.CancelRequested = true
	r.data.UpdatedAt = time.Now()
	s.persist(r.data)
	s.broadcast(r)
}

// CancelRequested reports whether cancellation has been requested for the
// given epoch. A stale epoch reports false — a zombie job should not see a
// cancellation meant for a different run.
func (s *Store) CancelRequested(siteID uint, epoch int64) bool {
	r := s.getRow(siteID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.Epoch == epoch && r.data.CancelRequested
}

// Snapshot returns a consistent copy of the live row.
func (s *Store) Snapshot(siteID uint) models.ProgressRow {
	r := s.getRow(siteID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

// ResetStuck forces a site's row back to IDLE (the /daemon/backup/reset/{id}
// endpoint, spec §6.3), whatever its current state; it does not check
// whether a job is still live. Bumps the epoch so any writer from the
// abandoned job is ignored.
func (s *Store) ResetStuck(siteID uint) {
	r := s.getRow(siteID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = models.ProgressRow{SiteID: siteID, Epoch: r.data.Epoch + 1, State: models.ProgressIdle, UpdatedAt: time.Now()}
	s.persist(r.data)
	s.broadcast(r)
}

func (s *Store) persist(data models.ProgressRow) {
	if database.DB == nil {
		return
	}
	database.DB.Save(&data)
}

// broadcast fans the current snapshot out to every subscriber; slow
// subscribers never block a write (non-blocking send, drop on full).
func (s *Store) broadcast(r *row) {
	snapshot := r.data
	for _, ch := range r.subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Subscribe registers a channel that receives the row on every change.
// Callers must call the returned unsubscribe function.
func (s *Store) Subscribe(siteID uint) (<-chan models.ProgressRow, func()) {
	r := s.getRow(siteID)
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan models.ProgressRow, 4)
	id := r.next
	r.next++
	r.subs[id] = ch
	ch <- r.data // deliver current row immediately on connect (spec §4.3)

	unsubscribe := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
		close(ch)
	}
	return ch, unsubscribe
}

// RecoverAbandoned moves RUNNING rows older than grace into FAILED("abandoned")
// on daemon/master restart (spec §4.1 crash recovery).
func (s *Store) RecoverAbandoned(grace time.Duration) {
	if database.DB == nil {
		return
	}
	var stale []models.ProgressRow
	cutoff := time.Now().Add(-grace)
	database.DB.Where("state = ? AND updated_at < ?", models.ProgressRunning, cutoff).Find(&stale)
	for _, row := range stale {
		row.State = models.ProgressFailed
		row.ErrorKind = "Fatal"
		row.ErrorMessage = "abandoned"
		row.UpdatedAt = time.Now()
		database.DB.Save(&row)

		r := s.getRow(row.SiteID)
		r.mu.Lock()
		r.data = row
		s.broadcast(r)
		r.mu.Unlock()
	}
}
