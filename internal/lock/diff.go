package lock

import (
	"fmt"
	"strings"
)

// Change is a package present in both locks at different versions.
type Change struct {
	Name string
	From string
	To   string
}

// Diff lists what differs between two locks. The generation time and the
// image tag are not compared.
type Diff struct {
	Fields  []string
	Added   []Package
	Removed []Package
	Changed []Change
}

// Empty reports whether the locks are equivalent.
func (d *Diff) Empty() bool {
	return len(d.Fields) == 0 && len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

func (d *Diff) String() string {
	if d.Empty() {
		return "no differences"
	}

	var b strings.Builder
	for _, f := range d.Fields {
		fmt.Fprintf(&b, "~ %s\n", f)
	}
	for _, p := range d.Added {
		fmt.Fprintf(&b, "+ %s\n", p)
	}
	for _, p := range d.Removed {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	for _, c := range d.Changed {
		fmt.Fprintf(&b, "~ %s %s -> %s\n", c.Name, c.From, c.To)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Compare reports how current differs from previous.
func Compare(previous, current *File) *Diff {
	d := &Diff{}

	field := func(name, a, b string) {
		if a != b {
			d.Fields = append(d.Fields, fmt.Sprintf("%s: %q -> %q", name, a, b))
		}
	}
	field("recipe", previous.Recipe, current.Recipe)
	field("base_image", previous.BaseImage, current.BaseImage)
	field("manifest_digest", previous.ManifestDigest, current.ManifestDigest)
	field("source_revision", previous.SourceRevision, current.SourceRevision)

	before := make(map[string]string, len(previous.Packages))
	for _, p := range previous.Packages {
		before[p.Name] = p.Version
	}
	after := make(map[string]string, len(current.Packages))
	for _, p := range current.Packages {
		after[p.Name] = p.Version
	}

	for _, p := range current.Packages {
		from, ok := before[p.Name]
		switch {
		case !ok:
			d.Added = append(d.Added, p)
		case from != p.Version:
			d.Changed = append(d.Changed, Change{Name: p.Name, From: from, To: p.Version})
		}
	}
	for _, p := range previous.Packages {
		if _, ok := after[p.Name]; !ok {
			d.Removed = append(d.Removed, p)
		}
	}

	sortPackages(d.Added)
	sortPackages(d.Removed)
	return d
}
