// Package pipeline is the Node's staged backup execution engine (spec
// §4.1): a fixed stage graph dump_db -> copy_files -> bundle -> upload ->
// cleanup, executed over a shared Context, with cleanup always running on
// every terminal transition. Grounded on the teacher's backup creation flow
// (internal/handlers/backup.go, internal/services/backup_scheduler.go) but
// restructured per spec §9's re-architecture guidance: explicit Stage
// Result returns instead of exception-driven control flow, and an explicit
// Context instead of handler-local state.
package pipeline

import (
	"context"
	"time"

	"github.com/wpbackup/fleet/internal/governor"
	"github.com/wpbackup/fleet/internal/nodeclient"
)

// StageStatus is the outcome of one stage.
type StageStatus string

const (
	StageOK      StageStatus = "OK"
	StageFailed  StageStatus = "FAILED"
	StageSkipped StageStatus = "SKIPPED"
)

// StageResult is the contract every stage returns (spec §4.1).
type StageResult struct {
	Status   StageStatus
	Message  string
	Details  map[string]interface{}
	Duration time.Duration
	ErrorKind string // Config, Transient, QuotaExceeded, Conflict, Integrity, Cancelled, Fatal
}

// ProgressFunc reports stage-internal fractional progress in [0,1].
type ProgressFunc func(fraction float64, bytesProcessed, bytesTotal int64)

// Context is the per-job scratch state threaded through every stage (spec §4.1).
type Context struct {
	ctx context.Context

	JobID      string
	SiteID     uint
	SiteExternalID string
	SiteName   string
	NodeExternalID string

	WPConfigPath  string
	WPContentPath string
	DBHost, DBName, DBUser, DBPassword string

	TempDir       string
	ArchivePath   string
	ObjectStorePath string

	Scratch map[string]interface{}

	Governor *governor.Governor
	Master   *nodeclient.Client

	cancelled func() bool
	onProgress func(stage string, fraction float64, bytesProcessed, bytesTotal int64)

	weightDone  int // sum of weights of stages already finished, out of 100
	stageWeight int // weight of the stage currently running, out of 100
}

// NewContext builds a Context bound to ctx for cancellation, gov for
// resource permits, and master for Master RPCs (quota check, credential
// fetch, progress/result reporting).
func NewContext(ctx context.Context, gov *governor.Governor, master *nodeclient.Client, cancelled func() bool, onProgress func(stage string, fraction float64, bytesProcessed, bytesTotal int64)) *Context {
	return &Context{
		ctx:        ctx,
		Scratch:    make(map[string]interface{}),
		Governor:   gov,
		Master:     master,
		cancelled:  cancelled,
		onProgress: onProgress,
	}
}

// Cancelled reports whether cancellation has been observed; stages must
// check this at every I/O boundary (spec §4.1 Cancellation, §5 Suspension points).
func (c *Context) Cancelled() bool {
	if c.ctx.Err() != nil {
		return true
	}
	return c.cancelled != nil && c.cancelled()
}

// Done exposes the underlying context for subprocess invocations that need
// a deadline or cancellation signal (exec.CommandContext).
func (c *Context) Done() context.Context { return c.ctx }

// beginStage records the weight budget for the stage about to run, so
// Report can translate its stage-internal fraction into the overall
// weighted completion percentage (spec §4.1, §8 scenario 1).
func (c *Context) beginStage(weightDone, stageWeight int) {
	c.weightDone = weightDone
	c.stageWeight = stageWeight
}

// Report forwards progress to the engine's throttled reporter, converting
// the stage-internal fraction in [0,1] into the overall weighted fraction
// sum(weights of finished stages) + stage_weight*stage_internal_fraction,
// normalized back to [0,1] (spec §4.1: "percent complete" is the weighted
// sum of the stage graph, not the current stage's own fraction).
func (c *Context) Report(stage string, fraction float64, bytesProcessed, bytesTotal int64) {
	if c.onProgress != nil {
		overall := (float64(c.weightDone) + float64(c.stageWeight)*fraction) / 100
		c.onProgress(stage, overall, bytesProcessed, bytesTotal)
	}
}

// Stage is one step of the pipeline.
type Stage struct {
	Name       string
	Weight     int // out of 100, summed across all stages
	AlwaysRun  bool
	Run        func(*Context) StageResult
}

// Graph is the fixed stage sequence for the WordPress module (spec §4.1).
var Graph = []Stage{
	{Name: "dump_db", Weight: 20, Run: RunDumpDB},
	{Name: "copy_files", Weight: 20, Run: RunCopyFiles},
	{Name: "bundle", Weight: 20, Run: RunBundle},
	{Name: "upload", Weight: 30, Run: RunUpload},
	{Name: "cleanup", Weight: 10, AlwaysRun: true, Run: RunCleanup},
}
