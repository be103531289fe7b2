// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package transcription

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-resty/resty/v2"

	"github.com/soundcast/soundcast/pkg/commons"
)

// ResolveModelPath picks the model artifact for a size and language:
// the English-only build when language is "en" and it exists, else the
// multilingual build, else ErrModelMissing.
func ResolveModelPath(modelDir, size, language string) (string, error) {
	if language == "en" {
		enPath := filepath.Join(modelDir, fmt.Sprintf("ggml-%s.en.bin", size))
		if fileExists(enPath) {
			return enPath, nil
		}
	}
	path := filepath.Join(modelDir, fmt.Sprintf("ggml-%s.bin", size))
	if fileExists(path) {
		return path, nil
	}
	return "", fmt.Errorf("%w: ggml-%s in %s", ErrModelMissing, size, modelDir)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// Downloader fetches model files over HTTP with resume support: a partial
// download stays on disk as "<dest>.tmp" and is continued with a Range
// request on retry; completion renames it into place.
type Downloader struct {
	logger commons.Logger
	client *resty.Client
}

func NewDownloader(logger commons.Logger) *Downloader {
	return &Downloader{
		logger: logger.Named("model-download"),
		client: resty.New(),
	}
}

// Download fetches url into dest. Cancelling ctx aborts the transfer but
// keeps the .tmp file for a later resume.
func (d *Downloader) Download(ctx context.Context, url, dest string) error {
	tmpPath := dest + ".tmp"

	var offset int64
	if st, err := os.Stat(tmpPath); err == nil {
		offset = st.Size()
	}

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open partial file: %w", err)
	}
	defer f.Close()

	req := d.client.R().SetContext(ctx).SetDoNotParseResponse(true)
	if offset > 0 {
		req.SetHeader("Range", fmt.Sprintf("bytes=%d-", offset))
		d.logger.Infow("resuming model download", "url", url, "offset", offset)
	}

	resp, err := req.Get(url)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	body := resp.RawBody()
	defer body.Close()

	switch resp.StatusCode() {
	case 200:
		// Server ignored the Range header; start over.
		if offset > 0 {
			if err := f.Truncate(0); err != nil {
				return fmt.Errorf("truncate partial file: %w", err)
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewind partial file: %w", err)
			}
		}
	case 206:
		// Continuing from offset.
	default:
		return fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status())
	}

	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("flush partial file: %w", err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("finalize download: %w", err)
	}
	d.logger.Infow("model downloaded", "url", url, "dest", dest)
	return nil
}
