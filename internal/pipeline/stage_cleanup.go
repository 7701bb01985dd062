package pipeline

import "os"

// RunCleanup removes the job's temp directory unconditionally, regardless
// of the outcome of any prior stage (spec §4.1: cleanup is always-run).
func RunCleanup(c *Context) StageResult {
	if c.TempDir == "" {
		return StageResult{Status: StageOK, Message: "nothing to clean"}
	}
	if err := os.RemoveAll(c.TempDir); err != nil {
		return StageResult{Status: StageFailed, Message: "temp dir removal failed: " + err.Error(), ErrorKind: "Transient"}
	}
	return StageResult{Status: StageOK, Message: "temp dir removed"}
}
