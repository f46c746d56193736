package migrators

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

// TransferAttachment moves one named binary blob from a source example to
// its migrated destination counterpart via presigned URLs: GET the
// source's presigned download URL to a temp file, then PUT the bytes to a
// destination upload URL obtained by POSTing the attachment's metadata
// (spec.md §4.4 Example, §6 "Presigned-URL transport").
//
// spec carries at least "name" (the destination key, with the inbound
// "attachment.<name>" prefix already stripped by the caller) and
// "mime_type"; "source_url" is the presigned GET URL handed back by the
// source's example listing.
func TransferAttachment(ctx context.Context, c Context, sourceExampleID, destExampleID string, spec record.Record) error {
	name := attachmentName(spec)
	if name == "" {
		return fmt.Errorf("attachment spec has no name")
	}
	sourceURL := spec.String("source_url")
	if sourceURL == "" {
		sourceURL = spec.String("presigned_url")
	}
	if sourceURL == "" {
		return fmt.Errorf("attachment %q has no source presigned url", name)
	}
	mimeType := spec.String("mime_type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	tmp, err := os.CreateTemp("", "langsmith-attachment-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	defer tmp.Close()

	if err := downloadTo(ctx, sourceURL, tmp); err != nil {
		return fmt.Errorf("download attachment %q: %w", name, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind temp file: %w", err)
	}

	uploadResp, err := c.Dest.Post(ctx, "/examples/"+destExampleID+"/attachments", record.Record{
		"name":      name,
		"mime_type": mimeType,
	})
	if err != nil {
		return fmt.Errorf("request upload url for %q: %w", name, err)
	}
	uploadURL := uploadResp.String("upload_url")
	if uploadURL == "" {
		return fmt.Errorf("destination did not return an upload url for %q", name)
	}

	return uploadFrom(ctx, uploadURL, mimeType, tmp)
}

// attachmentName strips the "attachment." prefix the source listing uses
// so the destination key matches what the server expects on upload
// (spec.md §4.4 Example: "attachment.<name> maps to <name>").
func attachmentName(spec record.Record) string {
	if n := spec.String("name"); n != "" {
		return strings.TrimPrefix(n, "attachment.")
	}
	for k := range spec {
		if strings.HasPrefix(k, "attachment.") {
			return strings.TrimPrefix(k, "attachment.")
		}
	}
	return ""
}

func downloadTo(ctx context.Context, url string, dst *os.File) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d downloading attachment", resp.StatusCode)
	}
	_, err = io.Copy(dst, resp.Body)
	return err
}

func uploadFrom(ctx context.Context, url, mimeType string, src *os.File) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, src)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mimeType)
	if info, err := src.Stat(); err == nil {
		req.ContentLength = info.Size()
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d uploading attachment", resp.StatusCode)
	}
	return nil
}
