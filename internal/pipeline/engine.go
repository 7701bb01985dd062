package pipeline

import (
	"log"
	"time"
)

// Outcome is the engine's final verdict for one job.
type Outcome struct {
	Status    StageStatus // OK (all stages completed) or FAILED
	FailedAt  string
	ErrorKind string
	Message   string
	Results   map[string]StageResult
}

// Run executes the fixed stage graph against ctx, always running cleanup
// last regardless of outcome (spec §4.1). Progress updates are throttled to
// at most 4 Hz by the caller-supplied onProgress in Context.Report.
func Run(c *Context) Outcome {
	results := make(map[string]StageResult, len(Graph))
	var failedAt, errorKind, message string
	overallStatus := StageOK
	weightDone := 0
	cleanupWeight := 0

	for _, stage := range Graph {
		if stage.Name == "cleanup" {
			cleanupWeight = stage.Weight
			continue // cleanup always runs last, handled after the loop
		}

		if c.Cancelled() {
			results[stage.Name] = StageResult{Status: StageFailed, Message: "stopped", ErrorKind: "Cancelled"}
			overallStatus = StageFailed
			failedAt = stage.Name
			errorKind = "Cancelled"
			message = "cancellation requested"
			break
		}

		start := time.Now()
		c.beginStage(weightDone, stage.Weight)
		c.Report(stage.Name, 0, 0, 0)
		result := stage.Run(c)
		result.Duration = time.Since(start)
		results[stage.Name] = result

		if result.Status == StageFailed {
			overallStatus = StageFailed
			failedAt = stage.Name
			errorKind = result.ErrorKind
			message = result.Message
			break
		}

		c.Report(stage.Name, 1, 0, 0)
		weightDone += stage.Weight
	}

	// cleanup runs unconditionally, including after a prior stage threw
	// (spec §4.1: "Runs unconditionally ... Failures here are logged but do
	// not override the pipeline's outcome").
	c.beginStage(weightDone, cleanupWeight)
	c.Report("cleanup", 0, 0, 0)
	cleanupResult := RunCleanup(c)
	c.Report("cleanup", 1, 0, 0)
	results["cleanup"] = cleanupResult
	if cleanupResult.Status == StageFailed {
		log.Printf("pipeline: cleanup failed for job %s: %s", c.JobID, cleanupResult.Message)
	}

	return Outcome{
		Status:    overallStatus,
		FailedAt:  failedAt,
		ErrorKind: errorKind,
		Message:   message,
		Results:   results,
	}
}
