package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/wpbackup/fleet/internal/governor"
	"github.com/wpbackup/fleet/internal/objectstore"
)

// RunUpload issues a pre-flight quota check to Master, fetches sealed
// storage credentials and unseals them Master-side, then performs a
// bandwidth-limited multipart put to {bucket}/{node_uuid}/{site_uuid}/{filename}
// (spec §4.1 upload stage). The object key is built from opaque ids only.
func RunUpload(c *Context) StageResult {
	if err := c.Governor.Network.Acquire(c.Done()); err != nil {
		return StageResult{Status: StageFailed, Message: "cancelled waiting for network permit", ErrorKind: "Cancelled"}
	}
	defer c.Governor.Network.Release()

	info, err := os.Stat(c.ArchivePath)
	if err != nil {
		return StageResult{Status: StageFailed, Message: "archive missing: " + err.Error(), ErrorKind: "Fatal"}
	}
	size := info.Size()

	quota, err := c.Master.QuotaCheck(c.SiteExternalID, size)
	if err != nil {
		return StageResult{Status: StageFailed, Message: "quota check failed: " + err.Error(), ErrorKind: "Transient"}
	}
	if !quota.CanProceed {
		return StageResult{Status: StageFailed, Message: "quota exceeded: " + quota.Warning, ErrorKind: "QuotaExceeded"}
	}

	creds, err := c.Master.FetchCredentials(c.SiteExternalID)
	if err != nil {
		return StageResult{Status: StageFailed, Message: "credential fetch failed: " + err.Error(), ErrorKind: "Transient"}
	}

	client, err := objectstore.Dial(objectstore.Credentials{
		Endpoint:  creds.Endpoint,
		Region:    creds.Region,
		Bucket:    creds.Bucket,
		AccessKey: creds.AccessKey,
		SecretKey: creds.SecretKey,
		UseSSL:    creds.UseSSL,
	})
	if err != nil {
		return StageResult{Status: StageFailed, Message: "dial object store: " + err.Error(), ErrorKind: "Transient"}
	}

	filename := filepath.Base(c.ArchivePath)
	key := objectstore.Key(c.NodeExternalID, c.SiteExternalID, filename)

	f, err := os.Open(c.ArchivePath)
	if err != nil {
		return StageResult{Status: StageFailed, Message: "open archive: " + err.Error(), ErrorKind: "Fatal"}
	}
	defer f.Close()

	var sent int64
	reader := &bandwidthLimitedReader{
		r:   f,
		ctx: c.Done(),
		bw:  c.Governor.Bandwidth,
		onRead: func(n int) {
			sent += int64(n)
			c.Report("upload", float64(sent)/float64(size), sent, size)
		},
	}

	if err := client.Upload(c.Done(), key, reader, size, nil); err != nil {
		if c.Cancelled() {
			return StageResult{Status: StageFailed, Message: "stopped", ErrorKind: "Cancelled"}
		}
		return StageResult{Status: StageFailed, Message: "upload failed: " + err.Error(), ErrorKind: "Transient"}
	}

	c.ObjectStorePath = key
	c.Scratch["filename"] = filename
	c.Scratch["uploaded_bytes"] = size
	c.Scratch["provider_id"] = creds.ProviderID
	return StageResult{Status: StageOK, Message: "uploaded", Details: map[string]interface{}{"object_store_path": key, "size_bytes": size}}
}

// bandwidthLimitedReader throttles reads through the governor's token
// bucket before handing bytes to the transport (spec §4.2 bandwidth cap).
type bandwidthLimitedReader struct {
	r      io.Reader
	ctx    context.Context
	bw     *governor.Bandwidth
	onRead func(n int)
}

func (b *bandwidthLimitedReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if n > 0 {
		if b.bw != nil {
			if werr := b.bw.Take(b.ctx, n); werr != nil {
				return n, werr
			}
		}
		if b.onRead != nil {
			b.onRead(n)
		}
	}
	return n, err
}
