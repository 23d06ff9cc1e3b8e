package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/lecternhq/lectern/internal/xerrors"
)

// Transcoder shells out to ffmpeg to convert recordings to the canonical
// MP3 container.
type Transcoder struct {
	FFmpegPath string
}

// NewTranscoder returns a transcoder using the given ffmpeg binary.
func NewTranscoder(ffmpegPath string) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Transcoder{FFmpegPath: ffmpegPath}
}

// ToMP3 transcodes src into dst as mono 128kbps MP3. dst is removed on failure.
func (t *Transcoder) ToMP3(ctx context.Context, src, dst string) error {
	if _, err := exec.LookPath(t.FFmpegPath); err != nil {
		return xerrors.Wrap(err, xerrors.CodePreparation, "ffmpeg not found in PATH")
	}

	args := []string{
		"-y",
		"-i", src,
		"-vn",
		"-ac", "1",
		"-acodec", "libmp3lame",
		"-b:a", "128k",
		dst,
	}

	cmd := exec.CommandContext(ctx, t.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(dst)
		if ctx.Err() != nil {
			return xerrors.Wrap(ctx.Err(), xerrors.CodeCanceled, "transcode canceled")
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 300 {
			detail = detail[len(detail)-300:]
		}
		return xerrors.Wrapf(err, xerrors.CodePreparation, "transcode failed: %s", detail)
	}

	info, err := os.Stat(dst)
	if err != nil || info.Size() == 0 {
		os.Remove(dst)
		return xerrors.New(xerrors.CodePreparation, fmt.Sprintf("transcode produced no output for %s", src))
	}
	return nil
}
