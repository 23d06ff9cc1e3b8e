package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lecternhq/lectern/internal/xerrors"
)

// CanonicalExt is the container every upload is normalized to.
const CanonicalExt = ".mp3"

var allowedExtensions = map[string]bool{
	".mp3":  true,
	".m4a":  true,
	".wav":  true,
	".aac":  true,
	".ogg":  true,
	".flac": true,
}

// Validate checks a source file against the extension whitelist and size
// ceiling before any network work happens.
func Validate(path string, maxBytes int64) error {
	ext := strings.ToLower(filepath.Ext(path))
	if !allowedExtensions[ext] {
		return xerrors.New(xerrors.CodeUnsupportedFormat,
			fmt.Sprintf("unsupported file type %q", ext))
	}

	info, err := os.Stat(path)
	if err != nil {
		return xerrors.Wrap(err, xerrors.CodePreparation, "stat media file")
	}
	if info.Size() == 0 {
		return xerrors.New(xerrors.CodePreparation, "media file is empty")
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return xerrors.New(xerrors.CodeFileTooLarge,
			fmt.Sprintf("file size %.1f MB exceeds limit of %.1f MB",
				float64(info.Size())/1024/1024, float64(maxBytes)/1024/1024))
	}
	return nil
}

// IsCanonical reports whether the file already uses the canonical container.
func IsCanonical(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == CanonicalExt
}
