// Package manifest reads a Python requirements manifest.
//
// The manifest is handed to the package installer verbatim; this package only
// parses it far enough to reject malformed lines and obviously conflicting pins
// before an image build is attempted, and to fingerprint it for cache keys.
package manifest

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

var (
	// ErrInvalidRequirement is wrapped by every line-level parse error.
	ErrInvalidRequirement = errors.New("invalid requirement")

	// ErrConflictingPins is returned when one package is pinned to two versions.
	ErrConflictingPins = errors.New("conflicting version pins")
)

// Operators accepted in version specifiers, longest first so prefixes match correctly.
var operators = []string{"===", "==", "!=", "<=", ">=", "~=", "<", ">"}

var (
	nameRegex    = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*[A-Za-z0-9]|[A-Za-z0-9])`)
	versionRegex = regexp.MustCompile(`^[A-Za-z0-9*+!._-]+$`)
	normRegex    = regexp.MustCompile(`[-_.]+`)
	releaseRegex = regexp.MustCompile(`^(\d+!)?(\d+(?:\.\d+)*)(.*)$`)
	eggRegex     = regexp.MustCompile(`#egg=([A-Za-z0-9][A-Za-z0-9._-]*)`)
)

// shortOptions take an argument that may be attached, as in -rbase.txt.
var shortOptions = map[string]bool{"-r": true, "-c": true, "-e": true, "-i": true, "-f": true}

// EntryKind distinguishes requirement lines from installer option lines.
type EntryKind int

const (
	KindRequirement EntryKind = iota
	KindOption
)

// Constraint is a single version specifier such as ">=20.0".
type Constraint struct {
	Op      string
	Version string
}

func (c Constraint) String() string {
	return c.Op + c.Version
}

// Entry is one logical line of the manifest.
type Entry struct {
	Kind EntryKind
	// Line is the 1-based physical line the entry starts on.
	Line int
	Raw  string

	Name        string
	Extras      []string
	Constraints []Constraint
	URL         string
	Marker      string

	// Option holds the flag and its argument for KindOption entries, e.g. "-r" "base.txt".
	Option    string
	OptionArg string
}

// NormalizedName applies PEP 503 normalisation.
func (e Entry) NormalizedName() string {
	return Normalize(e.Name)
}

// Pin returns the exact version when the entry is pinned with == or ===.
func (e Entry) Pin() (string, bool) {
	c, ok := e.pin()
	return c.Version, ok
}

func (e Entry) pin() (Constraint, bool) {
	for _, c := range e.Constraints {
		if (c.Op == "==" || c.Op == "===") && !strings.Contains(c.Version, "*") {
			return c, true
		}
	}
	return Constraint{}, false
}

// canonicalVersion folds spellings of one version together: case, a leading
// "v" and trailing zero release segments, so 1.0 and 1.0.0 compare equal.
// Arbitrary equality (===) is matched as written.
func canonicalVersion(c Constraint) string {
	if c.Op == "===" {
		return c.Version
	}
	v := strings.TrimPrefix(strings.ToLower(c.Version), "v")
	parts := releaseRegex.FindStringSubmatch(v)
	if parts == nil {
		return v
	}
	release := parts[2]
	for strings.HasSuffix(release, ".0") {
		release = strings.TrimSuffix(release, ".0")
	}
	return parts[1] + release + parts[3]
}

// Manifest is the ordered list of entries, with ordering preserved from the file.
type Manifest struct {
	Entries []Entry
	Digest  string
}

// Requirements returns only the package requirement entries.
func (m *Manifest) Requirements() []Entry {
	var reqs []Entry
	for _, e := range m.Entries {
		if e.Kind == KindRequirement {
			reqs = append(reqs, e)
		}
	}
	return reqs
}

// Includes lists files referenced through -r / --requirement and -c / --constraint.
func (m *Manifest) Includes() []string {
	var files []string
	for _, e := range m.Entries {
		if e.Kind != KindOption {
			continue
		}
		switch e.Option {
		case "-r", "--requirement", "-c", "--constraint":
			files = append(files, e.OptionArg)
		}
	}
	return files
}

// Normalize lowercases a distribution name and collapses runs of -, _ and . into "-".
func Normalize(name string) string {
	return normRegex.ReplaceAllString(strings.ToLower(name), "-")
}

// ParseFile reads and parses the manifest at path.
func ParseFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse reads a manifest from r and checks it for conflicting pins.
func Parse(r io.Reader) (*Manifest, error) {
	h := sha256.New()
	scanner := bufio.NewScanner(io.TeeReader(r, h))

	var (
		m        Manifest
		pending  strings.Builder
		startsAt int
		lineNo   int
	)

	flush := func() error {
		logical := strings.TrimSpace(pending.String())
		pending.Reset()
		if logical == "" {
			return nil
		}
		entry, err := parseLine(logical)
		if err != nil {
			return fmt.Errorf("line %d: %w", startsAt, err)
		}
		entry.Line = startsAt
		m.Entries = append(m.Entries, entry)
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		if pending.Len() == 0 {
			startsAt = lineNo
		}
		if strings.HasSuffix(line, `\`) {
			pending.WriteString(strings.TrimSuffix(line, `\`))
			pending.WriteString(" ")
			continue
		}
		pending.WriteString(line)
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	m.Digest = hex.EncodeToString(h.Sum(nil))

	if err := checkConflicts(m.Entries); err != nil {
		return nil, err
	}
	return &m, nil
}

// stripComment drops a trailing comment. A # only starts a comment at line
// start or after whitespace, so URL fragments like #egg=name survive.
func stripComment(line string) string {
	if strings.HasPrefix(strings.TrimSpace(line), "#") {
		return ""
	}
	if idx := strings.Index(line, " #"); idx >= 0 {
		line = line[:idx]
	}
	if idx := strings.Index(line, "\t#"); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimRight(line, " \t")
}

func parseLine(line string) (Entry, error) {
	if strings.HasPrefix(line, "-") {
		return parseOption(line)
	}
	return parseRequirement(line)
}

func parseOption(line string) (Entry, error) {
	flag, arg := line, ""
	if len(line) > 2 && shortOptions[line[:2]] && !strings.ContainsAny(line[2:3], " \t=") {
		flag, arg = line[:2], strings.TrimSpace(line[2:])
	} else if idx := strings.IndexAny(line, " \t="); idx >= 0 {
		flag = line[:idx]
		arg = strings.TrimSpace(strings.TrimLeft(line[idx:], " \t="))
	}
	switch flag {
	case "-r", "--requirement", "-c", "--constraint", "-e", "--editable",
		"-i", "--index-url", "--extra-index-url", "-f", "--find-links", "--trusted-host":
		if arg == "" {
			return Entry{}, fmt.Errorf("%w: option %s needs an argument", ErrInvalidRequirement, flag)
		}
	case "--no-index", "--pre", "--prefer-binary", "--require-hashes", "--only-binary", "--no-binary":
	default:
		return Entry{}, fmt.Errorf("%w: unsupported option %q", ErrInvalidRequirement, flag)
	}
	return Entry{Kind: KindOption, Raw: line, Option: flag, OptionArg: arg}, nil
}

func parseRequirement(line string) (Entry, error) {
	entry := Entry{Kind: KindRequirement, Raw: line}

	// Per-requirement hash options are kept in Raw only.
	if idx := strings.Index(line, " --hash"); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}

	if isDirectReference(line) {
		return parseDirectReference(entry, line)
	}

	if idx := strings.Index(line, ";"); idx >= 0 {
		entry.Marker = strings.TrimSpace(line[idx+1:])
		line = strings.TrimSpace(line[:idx])
		if entry.Marker == "" {
			return Entry{}, fmt.Errorf("%w: empty environment marker in %q", ErrInvalidRequirement, entry.Raw)
		}
	}

	name := nameRegex.FindString(line)
	if name == "" {
		return Entry{}, fmt.Errorf("%w: %q does not start with a package name", ErrInvalidRequirement, entry.Raw)
	}
	entry.Name = name
	rest := strings.TrimSpace(line[len(name):])

	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return Entry{}, fmt.Errorf("%w: unterminated extras in %q", ErrInvalidRequirement, entry.Raw)
		}
		for _, extra := range strings.Split(rest[1:end], ",") {
			if extra = strings.TrimSpace(extra); extra != "" {
				entry.Extras = append(entry.Extras, extra)
			}
		}
		rest = strings.TrimSpace(rest[end+1:])
	}

	if strings.HasPrefix(rest, "@") {
		entry.URL = strings.TrimSpace(rest[1:])
		if entry.URL == "" {
			return Entry{}, fmt.Errorf("%w: direct reference without URL in %q", ErrInvalidRequirement, entry.Raw)
		}
		return entry, nil
	}

	// Parenthesised specifiers are legal: name (>=1.0,<2)
	rest = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(rest, "("), ")"))
	if rest == "" {
		return entry, nil
	}

	for _, spec := range strings.Split(rest, ",") {
		c, err := parseConstraint(strings.TrimSpace(spec))
		if err != nil {
			return Entry{}, fmt.Errorf("%w: %v in %q", ErrInvalidRequirement, err, entry.Raw)
		}
		entry.Constraints = append(entry.Constraints, c)
	}
	return entry, nil
}

// isDirectReference reports whether a line is a bare URL, VCS URL or local
// path rather than a name followed by specifiers.
func isDirectReference(line string) bool {
	if strings.HasPrefix(line, ".") || strings.HasPrefix(line, "/") {
		return true
	}
	word := line
	if idx := strings.IndexAny(line, " \t"); idx >= 0 {
		word = line[:idx]
	}
	return strings.Contains(word, "://")
}

// parseDirectReference handles lines that pip installs from a location. A
// marker must follow whitespace since ; may appear inside the URL. The name
// comes from an #egg= fragment when there is one.
func parseDirectReference(entry Entry, line string) (Entry, error) {
	if idx := strings.Index(line, " ;"); idx >= 0 {
		entry.Marker = strings.TrimSpace(line[idx+2:])
		line = strings.TrimSpace(line[:idx])
		if entry.Marker == "" {
			return Entry{}, fmt.Errorf("%w: empty environment marker in %q", ErrInvalidRequirement, entry.Raw)
		}
	}
	entry.URL = line
	if m := eggRegex.FindStringSubmatch(line); m != nil {
		entry.Name = m[1]
	}
	return entry, nil
}

func parseConstraint(spec string) (Constraint, error) {
	for _, op := range operators {
		if strings.HasPrefix(spec, op) {
			version := strings.TrimSpace(spec[len(op):])
			if !versionRegex.MatchString(version) {
				return Constraint{}, fmt.Errorf("bad version %q", version)
			}
			return Constraint{Op: op, Version: version}, nil
		}
	}
	return Constraint{}, fmt.Errorf("bad version specifier %q", spec)
}

// checkConflicts rejects two unconditional exact pins of the same package to different versions.
// Entries with environment markers are skipped since they may never both apply.
func checkConflicts(entries []Entry) error {
	pins := make(map[string]Entry)
	for _, e := range entries {
		if e.Kind != KindRequirement || e.Marker != "" {
			continue
		}
		pin, ok := e.pin()
		if !ok || e.Name == "" {
			continue
		}
		key := e.NormalizedName()
		if prev, seen := pins[key]; seen {
			prevPin, _ := prev.pin()
			if canonicalVersion(prevPin) != canonicalVersion(pin) {
				return fmt.Errorf("%w: %s pinned to %s on line %d and %s on line %d",
					ErrConflictingPins, key, prevPin.Version, prev.Line, pin.Version, e.Line)
			}
			continue
		}
		pins[key] = e
	}
	return nil
}
