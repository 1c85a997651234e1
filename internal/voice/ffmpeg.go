package voice

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// FFmpeg transcodes audio by shelling out to an ffmpeg binary.
type FFmpeg struct {
	Bin string
}

// execCommand is replaced in tests.
var execCommand = exec.CommandContext

func (f FFmpeg) Transcode(ctx context.Context, src, dst string) error {
	bin := f.Bin
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := execCommand(ctx, bin, "-hide_banner", "-loglevel", "error", "-y", "-i", src, "-ac", "1", "-ar", "16000", dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("voice: ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
