// Package nodejob runs one site's backup end to end on the daemon side:
// claim a progress epoch from Master, build a temp workspace, drive
// internal/pipeline, and report throttled progress plus the terminal result
// back over nodeclient (spec §4.1, §4.3, §4.7). No direct teacher
// equivalent; assembled from the same ticker/worker shape as the teacher's
// background services, adapted to a single run-to-completion call instead
// of a loop.
package nodejob

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/wpbackup/fleet/internal/governor"
	"github.com/wpbackup/fleet/internal/nodeclient"
	"github.com/wpbackup/fleet/internal/pipeline"
)

// progressThrottle caps progress reports at roughly 4 Hz (spec §4.1).
const progressThrottle = 250 * time.Millisecond

// cancelPollInterval bounds how often a running job asks Master whether an
// operator has requested a stop, so cancellation stays cheap.
const cancelPollInterval = 3 * time.Second

// Run executes the full dump_db -> copy_files -> bundle -> upload -> cleanup
// graph for one due site and reports its outcome. Returns an error only for
// failures that prevented reporting at all (claim conflict, workspace
// creation); pipeline-level failures are still reported as FAILED/STOPPED
// and return nil here.
func Run(ctx context.Context, master *nodeclient.Client, gov *governor.Governor, tempRoot, nodeExternalID string, site nodeclient.DueSite) error {
	epoch, err := master.ClaimJob(site.ExternalID)
	if err != nil {
		return err
	}

	jobID := uuid.New().String()
	tempDir := filepath.Join(tempRoot, jobID)
	if err := os.MkdirAll(tempDir, 0700); err != nil {
		master.ReportResult(nodeclient.ReportResultRequest{
			JobID: jobID, SiteExternalID: site.ExternalID, Epoch: epoch,
			Status: "FAILED", ErrorKind: "Fatal",
			Message: "could not create temp workspace: " + err.Error(),
		})
		return err
	}
	defer os.RemoveAll(tempDir)

	var lastReport time.Time
	onProgress := func(stage string, fraction float64, bytesProcessed, bytesTotal int64) {
		now := time.Now()
		if fraction != 0 && fraction != 1 && now.Sub(lastReport) < progressThrottle {
			return
		}
		lastReport = now
		master.ReportProgress(nodeclient.ReportProgressRequest{
			JobID: jobID, SiteExternalID: site.ExternalID, Epoch: epoch,
			Stage:           stage,
			ProgressPercent: fraction * 100,
			BytesProcessed:  bytesProcessed,
			BytesTotal:      bytesTotal,
		})
	}

	var cancelled, cancelChecked bool
	var lastCancelCheck time.Time
	checkCancelled := func() bool {
		if cancelled {
			return true
		}
		now := time.Now()
		if cancelChecked && now.Sub(lastCancelCheck) < cancelPollInterval {
			return false
		}
		cancelChecked = true
		lastCancelCheck = now
		if got, err := master.CancelCheck(site.ExternalID, epoch); err == nil && got {
			cancelled = true
		}
		return cancelled
	}

	pc := pipeline.NewContext(ctx, gov, master, checkCancelled, onProgress)
	pc.JobID = jobID
	pc.SiteID = site.ID
	pc.SiteExternalID = site.ExternalID
	pc.SiteName = site.Name
	pc.NodeExternalID = nodeExternalID
	pc.WPConfigPath = site.WPConfigPath
	pc.WPContentPath = site.WPContentPath
	pc.DBHost = site.DBHost
	pc.DBName = site.DBName
	pc.DBUser = site.DBUser
	pc.DBPassword = site.DBPassword
	pc.TempDir = tempDir

	outcome := pipeline.Run(pc)

	result := nodeclient.ReportResultRequest{
		JobID:          jobID,
		SiteExternalID: site.ExternalID,
		Epoch:          epoch,
		ErrorKind:      outcome.ErrorKind,
		Message:        outcome.Message,
	}

	switch {
	case outcome.Status == pipeline.StageOK:
		result.Status = "COMPLETED"
		result.ObjectStorePath = pc.ObjectStorePath
		if filename, ok := pc.Scratch["filename"].(string); ok {
			result.Filename = filename
		}
		if size, ok := pc.Scratch["uploaded_bytes"].(int64); ok {
			result.SizeBytes = size
		}
		if providerID, ok := pc.Scratch["provider_id"].(uint); ok {
			result.ProviderID = providerID
		}
	case outcome.ErrorKind == "Cancelled":
		result.Status = "STOPPED"
	default:
		result.Status = "FAILED"
	}

	return master.ReportResult(result)
}
