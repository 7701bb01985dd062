package pipeline

import (
	"archive/tar"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// RunBundle produces temp/{site_name}_{YYYYMMDD}_{HHMMSS}.tar.zst containing
// database.sql, wp-config.php, and wp-content/ (spec §4.1 bundle). The
// compressor runs multithreaded up to the governor's CPU worker bound.
func RunBundle(c *Context) StageResult {
	if err := c.Governor.CPU.Acquire(c.Done()); err != nil {
		return StageResult{Status: StageFailed, Message: "cancelled waiting for CPU worker", ErrorKind: "Cancelled"}
	}
	defer c.Governor.CPU.Release()

	timestamp := time.Now().Format("20060102_150405")
	archiveName := fmt.Sprintf("%s_%s.tar.zst", sanitizeName(c.SiteName), timestamp)
	archivePath := filepath.Join(c.TempDir, archiveName)

	out, err := os.Create(archivePath)
	if err != nil {
		return StageResult{Status: StageFailed, Message: "could not create archive: " + err.Error(), ErrorKind: "Fatal"}
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out, zstd.WithEncoderConcurrency(cpuConcurrency(c)))
	if err != nil {
		return StageResult{Status: StageFailed, Message: "zstd init failed: " + err.Error(), ErrorKind: "Fatal"}
	}
	defer enc.Close()

	tw := tar.NewWriter(enc)
	defer tw.Close()

	entries := []struct{ src, nameInArchive string }{
		{filepath.Join(c.TempDir, "database.sql"), "database.sql"},
		{c.WPConfigPath, "wp-config.php"},
	}
	for _, e := range entries {
		if c.Cancelled() {
			return StageResult{Status: StageFailed, Message: "stopped", ErrorKind: "Cancelled"}
		}
		if err := addFileToTar(tw, e.src, e.nameInArchive); err != nil {
			return StageResult{Status: StageFailed, Message: "archiving " + e.nameInArchive + ": " + err.Error(), ErrorKind: "Transient"}
		}
	}

	contentDir := filepath.Join(c.TempDir, "wp-content")
	if err := addDirToTar(tw, contentDir, "wp-content", c); err != nil {
		if err == errCancelled {
			return StageResult{Status: StageFailed, Message: "stopped", ErrorKind: "Cancelled"}
		}
		return StageResult{Status: StageFailed, Message: "archiving wp-content: " + err.Error(), ErrorKind: "Transient"}
	}

	tw.Close()
	enc.Close()
	out.Close()

	info, err := os.Stat(archivePath)
	if err != nil {
		return StageResult{Status: StageFailed, Message: "archive stat failed: " + err.Error(), ErrorKind: "Fatal"}
	}

	c.ArchivePath = archivePath
	c.Scratch["archive_size_bytes"] = info.Size()
	return StageResult{Status: StageOK, Message: "archive created", Details: map[string]interface{}{"size_bytes": info.Size(), "path": archivePath}}
}

func cpuConcurrency(c *Context) int {
	// The governor's CPU slot count is the multithreading bound (spec §4.1: "runs
	// multithreaded up to the governor's CPU worker bound").
	n := c.Governor.CPU.Capacity()
	if n < 1 {
		return 1
	}
	return n
}

func sanitizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func addFileToTar(tw *tar.Writer, src, nameInArchive string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = nameInArchive
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 256*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := tw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			break
		}
	}
	return nil
}

func addDirToTar(tw *tar.Writer, root, archiveRoot string, c *Context) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if c.Cancelled() {
			return errCancelled
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		nameInArchive := filepath.ToSlash(filepath.Join(archiveRoot, rel))
		if info.IsDir() {
			if rel == "." {
				return nil
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = nameInArchive + "/"
			return tw.WriteHeader(hdr)
		}
		return addFileToTar(tw, path, nameInArchive)
	})
}
