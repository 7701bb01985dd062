package progressstore

import (
	"testing"

	"github.com/wpbackup/fleet/internal/models"
)

// database.DB is nil in this package's tests (no database/sql driver
// wired up), which exercises persist()'s nil-guard on every call.

func TestStartRejectsConcurrentRun(t *testing.T) {
	s := &Store{rows: make(map[uint]*row)}
	const siteID = 1001

	epoch, err := s.Start(siteID)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if epoch != 1 {
		t.Fatalf("first epoch = %d, want 1", epoch)
	}

	if _, err := s.Start(siteID); err == nil {
		t.Fatalf("second concurrent Start: expected ErrConflict, got nil")
	} else if _, ok := err.(ErrConflict); !ok {
		t.Fatalf("second concurrent Start: got %T, want ErrConflict", err)
	}
}

func TestStartAfterTerminalResetsEpoch(t *testing.T) {
	s := &Store{rows: make(map[uint]*row)}
	const siteID = 1002

	epoch1, err := s.Start(siteID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Finish(siteID, epoch1, models.ProgressCompleted, "", ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	epoch2, err := s.Start(siteID)
	if err != nil {
		t.Fatalf("Start after terminal: %v", err)
	}
	if epoch2 != epoch1+1 {
		t.Fatalf("epoch after restart = %d, want %d", epoch2, epoch1+1)
	}
	snap := s.Snapshot(siteID)
	if snap.Stage != "" || snap.ProgressPercent != 0 {
		t.Fatalf("restarted row not cleared: %+v", snap)
	}
}

func TestUpdateRejectsStaleEpoch(t *testing.T) {
	s := &Store{rows: make(map[uint]*row)}
	const siteID = 1003

	epoch, err := s.Start(siteID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Update(siteID, epoch+1, "bundle", 50, "", 0, 0); err == nil {
		t.Fatalf("Update with a future epoch: expected ErrStaleEpoch")
	}
	if err := s.Update(siteID, epoch, "bundle", 50, "", 0, 0); err != nil {
		t.Fatalf("Update with the live epoch: %v", err)
	}
}

func TestCancelRequestedScopedToEpoch(t *testing.T) {
	s := &Store{rows: make(map[uint]*row)}
	const siteID = 1004

	epoch, err := s.Start(siteID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.RequestCancel(siteID)
	if !s.CancelRequested(siteID, epoch) {
		t.Fatalf("CancelRequested for the live epoch: want true")
	}
	if s.CancelRequested(siteID, epoch+1) {
		t.Fatalf("CancelRequested for a different epoch: want false, zombie job should not see it")
	}
}

func TestSubscribeReceivesCurrentRowImmediately(t *testing.T) {
	s := &Store{rows: make(map[uint]*row)}
	const siteID = 1005

	ch, unsubscribe := s.Subscribe(siteID)
	defer unsubscribe()

	select {
	case row := <-ch:
		if row.SiteID != siteID {
			t.Fatalf("initial row SiteID = %d, want %d", row.SiteID, siteID)
		}
	default:
		t.Fatalf("expected the current row to be delivered immediately on Subscribe")
	}
}

func TestResetStuckBumpsEpochPastZombieWriter(t *testing.T) {
	s := &Store{rows: make(map[uint]*row)}
	const siteID = 1006

	epoch, err := s.Start(siteID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.ResetStuck(siteID)

	if err := s.Update(siteID, epoch, "upload", 10, "zombie write", 0, 0); err == nil {
		t.Fatalf("Update from the abandoned epoch after ResetStuck: expected ErrStaleEpoch")
	}
	if got := s.Snapshot(siteID).State; got != models.ProgressIdle {
		t.Fatalf("state after ResetStuck = %s, want IDLE", got)
	}
}
