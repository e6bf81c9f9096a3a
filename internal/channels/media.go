package channels

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// DefaultMaxMediaBytes is the per-attachment size cap when a channel config
// does not set one. 20 MB matches the Telegram bot API download limit, the
// smallest of the supported platforms.
const DefaultMaxMediaBytes int64 = 20 * 1024 * 1024

// IsMediaWithinLimit reports whether the file at path fits maxBytes.
// maxBytes <= 0 applies the default cap. A missing file never fits.
func IsMediaWithinLimit(path string, maxBytes int64) bool {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMediaBytes
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() <= maxBytes
}

// downscaleWidths are tried largest-first until the re-encoded image fits.
var downscaleWidths = []int{2048, 1600, 1280, 1024, 800, 512}

// DownscaleImage re-encodes an oversized image as a bounded JPEG so vision
// providers accept it. The original path is returned unchanged when the file
// already fits. On success the caller owns the returned temp file.
func DownscaleImage(path string, maxBytes int64) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMediaBytes
	}
	if IsMediaWithinLimit(path, maxBytes) {
		return path, nil
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("open image %s: %w", path, err)
	}

	for _, width := range downscaleWidths {
		resized := imaging.Fit(img, width, width, imaging.Lanczos)

		tmp, err := os.CreateTemp("", "undoable_media_*.jpg")
		if err != nil {
			return "", fmt.Errorf("create temp image: %w", err)
		}
		tmp.Close()

		if err := imaging.Save(resized, tmp.Name(), imaging.JPEGQuality(80)); err != nil {
			os.Remove(tmp.Name())
			return "", fmt.Errorf("encode downscaled image: %w", err)
		}

		if IsMediaWithinLimit(tmp.Name(), maxBytes) {
			return tmp.Name(), nil
		}
		os.Remove(tmp.Name())
	}

	return "", fmt.Errorf("image %s does not fit %d bytes at any supported size", filepath.Base(path), maxBytes)
}

// DownloadFile fetches a remote attachment into a temp file, enforcing the
// size limit during the copy so an oversized body is never fully written.
// The caller owns the returned file.
func DownloadFile(ctx context.Context, url string, maxBytes int64) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMediaBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	ext := filepath.Ext(strings.SplitN(url, "?", 2)[0])
	if ext == "" {
		ext = ".bin"
	}
	tmp, err := os.CreateTemp("", "undoable_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp media file: %w", err)
	}
	defer tmp.Close()

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save media: %w", err)
	}
	if written > maxBytes {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("media exceeds %d byte limit", maxBytes)
	}
	return tmp.Name(), nil
}

// IsImagePath reports whether the extension names an image format the
// providers can ingest.
func IsImagePath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}
