// Package archive unpacks downloaded dataset archives into isolated
// directories, rejecting entries that would escape the target.
package archive

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ExtractedDataset lists what one archive produced on disk.
type ExtractedDataset struct {
	FileID  int64
	RootDir string
	Members []string
}

// Extract unpacks a ZIP archive into destDir and returns the extracted member
// paths. Entries whose resolved path would fall outside destDir are skipped
// with a warning; the remaining safe entries are still extracted. A malformed
// archive yields a wrapped error, never a panic.
func Extract(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrapf(err, "archive: open %s", zipPath)
	}
	defer r.Close() //nolint:errcheck

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "archive: create dest dir")
	}

	var extracted []string
	for _, f := range r.File {
		destPath, ok := safePath(destDir, f.Name)
		if !ok {
			zap.L().Warn("archive: skipping unsafe entry",
				zap.String("entry", f.Name),
				zap.String("archive", zipPath),
			)
			continue
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return extracted, eris.Wrap(err, "archive: create directory")
			}
			continue
		}

		if err := extractEntry(f, destPath); err != nil {
			return extracted, err
		}
		extracted = append(extracted, destPath)
	}

	return extracted, nil
}

// MembersByExt filters member paths to those with the given extension
// (case-insensitive, including the dot).
func MembersByExt(members []string, ext string) []string {
	var out []string
	for _, m := range members {
		if strings.EqualFold(filepath.Ext(m), ext) {
			out = append(out, m)
		}
	}
	return out
}

// safePath joins an archive entry name onto destDir and verifies the result
// stays inside destDir. Returns ok=false for traversal attempts.
func safePath(destDir, name string) (string, bool) {
	destPath := filepath.Join(destDir, name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", false
	}
	return destPath, true
}

// extractEntry writes a single zip file entry to destPath.
func extractEntry(f *zip.File, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return eris.Wrap(err, "archive: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return eris.Wrapf(err, "archive: open entry %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return eris.Wrapf(err, "archive: create %s", destPath)
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, rc); err != nil {
		return eris.Wrapf(err, "archive: write %s", f.Name)
	}
	return nil
}
