package file

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/hardenline/stigdrive/common"
)

// PathExists checks if a path exists. It distinguishes "not exist" from
// other stat errors (e.g. permission denied), which are returned.
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// IsDir reports whether the given path is a directory. A missing path is
// reported as false with no error.
func IsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// CreateDir creates a directory and all its parents if they don't exist.
func CreateDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return nil
		}
		return errors.Errorf("path %s exists but is not a directory", path)
	}
	if os.IsNotExist(err) {
		return os.MkdirAll(path, common.FileMode0755)
	}
	return errors.Wrapf(err, "failed to check directory %s", path)
}

// Size returns the size in bytes of a regular file.
func Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to stat %s", path)
	}
	if info.IsDir() {
		return 0, errors.Errorf("%s is a directory, not a regular file", path)
	}
	return info.Size(), nil
}

func fileChecksum(path string, h hash.Hash) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open file %s", path)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "failed to hash content of %s", path)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// MD5 calculates the MD5 checksum of a file.
func MD5(path string) (string, error) {
	return fileChecksum(path, md5.New())
}

// SHA256 calculates the SHA-256 checksum of a file.
func SHA256(path string) (string, error) {
	return fileChecksum(path, sha256.New())
}

// ListWithExt returns the sorted paths of regular files in dir carrying the
// given extension (e.g. ".deb"). A missing directory is an error; an empty
// result is not.
func ListWithExt(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read directory %s", dir)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ext {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}
