package pipeline

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// excludedPaths mirrors spec §4.1 copy_files: cache/, w3tc-config/,
// uploads/cache/, node_modules/, .git/, debug.log.
var excludedPaths = []string{"cache", "w3tc-config", "uploads/cache", "node_modules", ".git", "debug.log"}

// RunCopyFiles mirrors wp-content into temp/wp-content/ excluding the
// spec's fixed exclusion set, using buffered streaming and the governor's
// I/O slot (spec §4.1 copy_files).
func RunCopyFiles(c *Context) StageResult {
	if err := c.Governor.IO.Acquire(c.Done()); err != nil {
		return StageResult{Status: StageFailed, Message: "cancelled waiting for I/O permit", ErrorKind: "Cancelled"}
	}
	defer c.Governor.IO.Release()

	dest := filepath.Join(c.TempDir, "wp-content")
	var totalBytes, copiedBytes int64

	if err := filepath.Walk(c.WPContentPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			totalBytes += info.Size()
		}
		return nil
	}); err != nil {
		return StageResult{Status: StageFailed, Message: "could not scan wp-content: " + err.Error(), ErrorKind: "Config"}
	}

	err := filepath.Walk(c.WPContentPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(c.WPContentPath, path)
		if err != nil {
			return err
		}
		if rel != "." && isExcluded(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if c.Cancelled() {
			return errCancelled
		}

		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFileBuffered(path, target, &copiedBytes, totalBytes, c)
	})

	if err == errCancelled {
		return StageResult{Status: StageFailed, Message: "stopped", ErrorKind: "Cancelled"}
	}
	if err != nil {
		return StageResult{Status: StageFailed, Message: "copy failed: " + err.Error(), ErrorKind: "Transient"}
	}

	c.Scratch["wp_content_copy_path"] = dest
	return StageResult{Status: StageOK, Message: "wp-content copied", Details: map[string]interface{}{"bytes": copiedBytes}}
}

var errCancelled = &cancelError{}

type cancelError struct{}

func (*cancelError) Error() string { return "cancelled" }

func isExcluded(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, ex := range excludedPaths {
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return true
		}
	}
	return false
}

func copyFileBuffered(src, dst string, copiedBytes *int64, totalBytes int64, c *Context) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 256*1024)
	for {
		if c.Cancelled() {
			return errCancelled
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			*copiedBytes += int64(n)
			if totalBytes > 0 {
				c.Report("copy_files", float64(*copiedBytes)/float64(totalBytes), *copiedBytes, totalBytes)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
