package agent

import (
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/undoablehq/undoable/internal/providers"
)

// maxImageBytes caps how much data a single image attachment may carry (10MB).
const maxImageBytes = 10 * 1024 * 1024

// instructionImages loads the images referenced by MEDIA: lines in a run
// instruction. Channel bridges append one such line per inbound attachment.
// Non-image paths and unreadable files are skipped with a warning.
func instructionImages(instruction string) []providers.ImageContent {
	if !strings.Contains(instruction, "MEDIA:") {
		return nil
	}

	var images []providers.ImageContent
	for _, line := range strings.Split(instruction, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "MEDIA:") {
			continue
		}
		path := strings.TrimSpace(strings.TrimPrefix(line, "MEDIA:"))
		mime := imageMime(path)
		if mime == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("run: image attachment unreadable", "path", path, "error", err)
			continue
		}
		if len(data) > maxImageBytes {
			slog.Warn("run: image attachment too large, skipping", "path", path, "size", len(data))
			continue
		}

		images = append(images, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images
}

// imageMime returns the MIME type for supported image extensions, or "" when
// the path is not an image.
func imageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
