// Package lock records the packages installed in a built environment so a
// later build can be checked against them.
package lock

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"envkit/internal/manifest"
)

// Version is the lock file format version written by this package.
const Version = 1

// DefaultFile is the lock file name next to the recipe.
const DefaultFile = "envkit.lock"

// ErrUnsupportedVersion is returned for lock files from a newer format.
var ErrUnsupportedVersion = errors.New("unsupported lock file version")

// File is the on-disk lock document.
type File struct {
	Version        int       `toml:"version"`
	Recipe         string    `toml:"recipe"`
	BaseImage      string    `toml:"base_image"`
	ManifestDigest string    `toml:"manifest_digest"`
	Image          string    `toml:"image"`
	SourceRevision string    `toml:"source_revision,omitempty"`
	GeneratedAt    time.Time `toml:"generated_at"`
	Packages       []Package `toml:"package"`
}

// Package is one installed distribution.
type Package struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

func (p Package) String() string {
	if strings.HasPrefix(p.Version, "@ ") {
		return p.Name + " " + p.Version
	}
	return p.Name + "==" + p.Version
}

// ParseFreeze reads `pip freeze` output. Names are normalised and the result
// is sorted by name. Editable installs are skipped since they carry no version.
func ParseFreeze(r io.Reader) ([]Package, error) {
	seen := make(map[string]bool)
	var pkgs []Package

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimSuffix(scanner.Text(), "\r"))
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-e ") || strings.HasPrefix(line, "--editable") {
			continue
		}

		var pkg Package
		switch {
		case strings.Contains(line, "=="):
			name, version, _ := strings.Cut(line, "==")
			pkg = Package{Name: strings.TrimSpace(name), Version: strings.TrimSpace(version)}
		case strings.Contains(line, " @ "):
			name, ref, _ := strings.Cut(line, " @ ")
			pkg = Package{Name: strings.TrimSpace(name), Version: "@ " + strings.TrimSpace(ref)}
		default:
			return nil, fmt.Errorf("unrecognised freeze line %q", line)
		}
		if pkg.Name == "" || pkg.Version == "" {
			return nil, fmt.Errorf("unrecognised freeze line %q", line)
		}

		pkg.Name = manifest.Normalize(pkg.Name)
		if seen[pkg.Name] {
			continue
		}
		seen[pkg.Name] = true
		pkgs = append(pkgs, pkg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read freeze output: %w", err)
	}

	sortPackages(pkgs)
	return pkgs, nil
}

// Write encodes f as TOML at path.
func Write(path string, f *File) error {
	if f.Version == 0 {
		f.Version = Version
	}
	sortPackages(f.Packages)

	buf := strings.Builder{}
	buf.WriteString("# Generated by envkit. Do not edit.\n")
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return fmt.Errorf("encode lock file: %w", err)
	}
	if err := os.WriteFile(path, []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("write lock file %s: %w", path, err)
	}
	return nil
}

// Read decodes the lock file at path.
func Read(path string) (*File, error) {
	var f File
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("load lock file: %w", err)
	}
	if !meta.IsDefined("version") {
		return nil, fmt.Errorf("lock file %s: missing version", path)
	}
	if f.Version > Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("lock file %s: unknown key %s", path, undecoded[0])
	}
	return &f, nil
}

func sortPackages(pkgs []Package) {
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
}
