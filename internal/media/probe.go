package media

import (
	"io"
	"os"
	"time"

	tcmp3 "github.com/tcolgate/mp3"

	"github.com/lecternhq/lectern/internal/xerrors"
)

// Duration walks MP3 frames and sums their durations. Junk between frames
// (ID3 tags, padding) is skipped by the decoder.
func Duration(r io.Reader) (time.Duration, error) {
	var (
		total   float64
		dec     = tcmp3.NewDecoder(r)
		frame   tcmp3.Frame
		skipped int
	)

	for {
		if err := dec.Decode(&frame, &skipped); err != nil {
			if err == io.EOF {
				break
			}
			return 0, xerrors.Wrap(err, xerrors.CodeInvalidMedia, "decode mp3 frame")
		}
		total += frame.Duration().Seconds()
	}

	if total == 0 {
		return 0, xerrors.New(xerrors.CodeInvalidMedia, "no mp3 frames found")
	}
	return time.Duration(total * float64(time.Second)), nil
}

// DurationOfFile probes a local MP3 file.
func DurationOfFile(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, xerrors.Wrap(err, xerrors.CodePreparation, "open media file")
	}
	defer f.Close()
	return Duration(f)
}
