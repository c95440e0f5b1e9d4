package stager

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/hardenline/stigdrive/file"
	"github.com/hardenline/stigdrive/logger"
)

// ManifestName is the bundle description file at the bundle root.
const ManifestName = "bundle.yaml"

// PackagesDirName holds the target-system .deb files inside a bundle.
const PackagesDirName = "packages"

// Entry kinds in the bundle manifest.
const (
	KindPackage = "package"
	KindSupport = "support"
)

// ManifestEntry describes one file the bundle is expected to carry.
// Paths are relative to the bundle root.
type ManifestEntry struct {
	Path     string `yaml:"path"`
	Kind     string `yaml:"kind,omitempty"`
	Size     int64  `yaml:"size,omitempty"`
	SHA256   string `yaml:"sha256,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
}

// Manifest is the checked-in description of an offline bundle.
type Manifest struct {
	Files []ManifestEntry `yaml:"files"`
}

// Bundle is a verified local dependency archive. Everything the run
// needs comes from here; nothing is fetched over the network.
type Bundle struct {
	Root string
	// Packages are the verified .deb files, sorted by name so install
	// order is stable across runs.
	Packages []string
	// Support are additional files the payload expects alongside
	// itself on the target.
	Support []string
	// Missing lists optional entries that failed verification. They
	// flow through to the installer as absent packages.
	Missing []string
}

// Load reads and verifies the bundle rooted at dir. With a manifest
// present every entry is checked for existence, exact size and sha256;
// a required entry failing any check is fatal. Without a manifest the
// packages directory is scanned and files are trusted as-is.
func Load(dir string) (*Bundle, error) {
	ok, err := file.IsDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat bundle directory %s", dir)
	}
	if !ok {
		return nil, errors.Errorf("bundle directory %s does not exist", dir)
	}

	manifestPath := filepath.Join(dir, ManifestName)
	exists, err := file.PathExists(manifestPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat bundle manifest %s", manifestPath)
	}
	if !exists {
		logger.Log.Debugf("No %s in %s, scanning packages directory", ManifestName, dir)
		return scan(dir)
	}
	return verify(dir, manifestPath)
}

func scan(dir string) (*Bundle, error) {
	b := &Bundle{Root: dir}
	pkgDir := filepath.Join(dir, PackagesDirName)
	isDir, err := file.IsDir(pkgDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %s", pkgDir)
	}
	if !isDir {
		return b, nil
	}
	debs, err := file.ListWithExt(pkgDir, ".deb")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list packages in %s", pkgDir)
	}
	b.Packages = debs
	return b, nil
}

func verify(dir, manifestPath string) (*Bundle, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read bundle manifest %s", manifestPath)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse bundle manifest %s", manifestPath)
	}
	if len(m.Files) == 0 {
		return nil, errors.Errorf("bundle manifest %s lists no files", manifestPath)
	}

	b := &Bundle{Root: dir}
	for _, entry := range m.Files {
		abs := filepath.Join(dir, entry.Path)
		if err := check(abs, entry); err != nil {
			if entry.Optional {
				logger.Log.Warnf("Optional bundle entry %s unusable: %v", entry.Path, err)
				b.Missing = append(b.Missing, entry.Path)
				continue
			}
			return nil, errors.Wrapf(err, "bundle entry %s failed verification", entry.Path)
		}
		switch entry.Kind {
		case KindSupport:
			b.Support = append(b.Support, abs)
		default:
			b.Packages = append(b.Packages, abs)
		}
	}
	sort.Strings(b.Packages)
	sort.Strings(b.Support)
	return b, nil
}

func check(abs string, entry ManifestEntry) error {
	exists, err := file.PathExists(abs)
	if err != nil {
		return errors.Wrap(err, "stat failed")
	}
	if !exists {
		return errors.New("file missing")
	}
	if entry.Size > 0 {
		size, err := file.Size(abs)
		if err != nil {
			return errors.Wrap(err, "size check failed")
		}
		if size != entry.Size {
			return errors.Errorf("size mismatch, manifest %d actual %d", entry.Size, size)
		}
	}
	if entry.SHA256 != "" {
		sum, err := file.SHA256(abs)
		if err != nil {
			return errors.Wrap(err, "checksum failed")
		}
		if sum != entry.SHA256 {
			return errors.Errorf("sha256 mismatch, manifest %s actual %s", entry.SHA256, sum)
		}
	}
	return nil
}
