// Package services contains the orchestration layer: request routing,
// the segment pipeline, key relaying, and the ffmpeg remuxer.
package services

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"

	"streambridge/pkg/interfaces"
	"streambridge/pkg/logging"
)

// FFmpegRemuxer shells out to ffmpeg to repackage decrypted fMP4
// segments as MPEG-TS for players that cannot consume fragmented MP4.
type FFmpegRemuxer struct {
	path string
	log  *logging.Logger

	checkOnce sync.Once
	available bool
}

// NewFFmpegRemuxer creates a remuxer using the given ffmpeg binary path.
// An empty path falls back to "ffmpeg" on PATH.
func NewFFmpegRemuxer(path string, log *logging.Logger) *FFmpegRemuxer {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegRemuxer{
		path: path,
		log:  log.WithComponent("remuxer"),
	}
}

// Available reports whether the ffmpeg binary can be resolved. The probe
// runs once; later calls return the cached answer.
func (r *FFmpegRemuxer) Available() bool {
	r.checkOnce.Do(func() {
		resolved, err := exec.LookPath(r.path)
		if err != nil {
			r.log.Warn("ffmpeg not found, remuxing disabled", "path", r.path)
			return
		}
		r.path = resolved
		r.available = true
	})
	return r.available
}

// RemuxToTS pipes the segment through ffmpeg with stream copy, applying
// the Annex-B and ADTS bitstream filters MPEG-TS requires. ffmpeg often
// exits nonzero on truncated live segments after producing usable
// output, so a non-empty stdout is accepted regardless of exit status.
func (r *FFmpegRemuxer) RemuxToTS(ctx context.Context, fmp4 []byte) ([]byte, error) {
	if !r.Available() {
		return nil, fmt.Errorf("ffmpeg unavailable")
	}

	cmd := exec.CommandContext(ctx, r.path,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-c", "copy",
		"-copyts",
		"-bsf:v", "h264_mp4toannexb",
		"-bsf:a", "aac_adtstoasc",
		"-f", "mpegts",
		"pipe:1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(fmp4)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if stdout.Len() > 0 {
		if err != nil {
			r.log.Debug("ffmpeg exited nonzero with output", "error", err, "stderr", stderr.String())
		}
		return stdout.Bytes(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg remux: %w: %s", err, stderr.String())
	}
	return nil, fmt.Errorf("ffmpeg produced no output: %s", stderr.String())
}

var _ interfaces.Remuxer = (*FFmpegRemuxer)(nil)
