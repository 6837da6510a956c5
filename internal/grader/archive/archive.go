// Package archive packs directories into zstd-compressed tar streams and back.
package archive

import (
	"archive/tar"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	appErr "autograde/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	ContentType = "application/zstd"
	Extension   = ".tar.zst"

	// DefaultMaxBytes bounds the extracted size of one archive.
	DefaultMaxBytes int64 = 256 << 20
)

// Pack writes the regular files and directories under dir to w. Entry names are
// relative to dir.
func Pack(dir string, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create zstd writer failed")
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = zw.Close()
		return appErr.Wrapf(walkErr, appErr.StorageError, "pack %s failed: %v", dir, walkErr)
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return appErr.Wrapf(err, appErr.StorageError, "close tar writer failed")
	}
	if err := zw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "close zstd writer failed")
	}
	return nil
}

// Unpack extracts the archive in r into dest. Links are skipped. A corrupt
// archive, an entry escaping dest or an archive larger than maxBytes fails with
// GradingTaskInvalid; host filesystem failures are StorageError.
func Unpack(r io.Reader, dest string, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create zstd reader failed")
	}
	defer zr.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create destination failed")
	}
	var total int64
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.GradingTaskInvalid, "corrupt source archive: %v", err)
		}
		if hdr.Name == "" {
			continue
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return appErr.Wrapf(err, appErr.StorageError, "create dir failed")
			}
		case tar.TypeReg:
			total += hdr.Size
			if total > maxBytes {
				return appErr.Newf(appErr.GradingTaskInvalid, "archive exceeds %d bytes", maxBytes)
			}
			if err := writeFile(target, tr, hdr); err != nil {
				return err
			}
		default:
			// links and devices are never extracted
		}
	}
}

func writeFile(target string, r io.Reader, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create parent dir failed")
	}
	mode := fs.FileMode(hdr.Mode).Perm() | 0o600
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create file failed")
	}
	if _, err := io.CopyN(f, r, hdr.Size); err != nil {
		_ = f.Close()
		return appErr.Wrapf(err, appErr.StorageError, "write file failed")
	}
	return f.Close()
}

func safeJoin(basePath, relPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", appErr.Newf(appErr.GradingTaskInvalid, "invalid archive entry %q", relPath)
	}
	full := filepath.Join(basePath, clean)
	if !strings.HasPrefix(full, filepath.Clean(basePath)+string(filepath.Separator)) {
		return "", appErr.Newf(appErr.GradingTaskInvalid, "archive entry %q escapes destination", relPath)
	}
	return full, nil
}
