// Package specs knows which FHIR releases are supported, which packages make
// up each release's base definitions, and where those definitions are
// usually found on disk.
package specs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofhir/conformance/pkg/loader"
)

// Version is a FHIR release version such as "4.0.1".
type Version string

// Supported releases.
const (
	R4  Version = "4.0.1"
	R4B Version = "4.3.0"
	R5  Version = "5.0.0"
)

// Release describes the packages carrying a release's base definitions.
// Core is required; the others are loaded when present.
type Release struct {
	Version     Version
	Label       string
	Core        loader.PackageRef
	Terminology loader.PackageRef
	Extensions  loader.PackageRef
}

// Packages returns Core, Terminology and Extensions in load order.
func (r Release) Packages() []loader.PackageRef {
	return []loader.PackageRef{r.Core, r.Terminology, r.Extensions}
}

var releases = map[Version]Release{
	R4: {
		Version:     R4,
		Label:       "r4",
		Core:        loader.PackageRef{Name: "hl7.fhir.r4.core", Version: "4.0.1"},
		Terminology: loader.PackageRef{Name: "hl7.terminology.r4", Version: "7.0.1"},
		Extensions:  loader.PackageRef{Name: "hl7.fhir.uv.extensions.r4", Version: "5.2.0"},
	},
	R4B: {
		Version:     R4B,
		Label:       "r4b",
		Core:        loader.PackageRef{Name: "hl7.fhir.r4b.core", Version: "4.3.0"},
		Terminology: loader.PackageRef{Name: "hl7.terminology.r4", Version: "7.0.1"},
		// R4B has no stable extensions package; the R4 one applies.
		Extensions: loader.PackageRef{Name: "hl7.fhir.uv.extensions.r4", Version: "5.2.0"},
	},
	R5: {
		Version:     R5,
		Label:       "r5",
		Core:        loader.PackageRef{Name: "hl7.fhir.r5.core", Version: "5.0.0"},
		Terminology: loader.PackageRef{Name: "hl7.terminology.r5", Version: "7.0.1"},
		Extensions:  loader.PackageRef{Name: "hl7.fhir.uv.extensions.r5", Version: "5.2.0"},
	},
}

// Parse accepts "R4", "r4b", "4.0.1", "4.0" and similar spellings.
func Parse(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "r4", "4.0", "4.0.1":
		return R4, nil
	case "r4b", "4.3", "4.3.0":
		return R4B, nil
	case "r5", "5.0", "5.0.0":
		return R5, nil
	default:
		return "", fmt.Errorf("unsupported FHIR version %q (supported: R4, R4B, R5)", s)
	}
}

// Lookup returns the release description for v.
func Lookup(v Version) (Release, bool) {
	r, ok := releases[v]
	return r, ok
}

// Candidates lists, in search order, the directories that may hold the
// release's core definitions: the package cache entry first, then the
// conventional "specs/<label>" directories next to the working directory
// and the executable.
func Candidates(rel Release, packageCache string) []string {
	var out []string
	if packageCache != "" {
		out = append(out, filepath.Join(packageCache, rel.Core.String(), "package"))
	}
	for _, name := range []string{rel.Label, string(rel.Version)} {
		out = append(out, filepath.Join("specs", name))
	}
	if exe, err := os.Executable(); err == nil {
		out = append(out, filepath.Join(filepath.Dir(exe), "specs", rel.Label))
	}
	return out
}

// Locate returns the first existing candidate directory.
func Locate(rel Release, packageCache string) (string, bool) {
	for _, dir := range Candidates(rel, packageCache) {
		if isDir(dir) {
			return dir, true
		}
	}
	return "", false
}

// Supplements returns the cached terminology and extension package
// directories that exist for rel.
func Supplements(rel Release, packageCache string) []string {
	if packageCache == "" {
		return nil
	}
	var out []string
	for _, ref := range []loader.PackageRef{rel.Terminology, rel.Extensions} {
		dir := filepath.Join(packageCache, ref.String(), "package")
		if isDir(dir) {
			out = append(out, dir)
		}
	}
	return out
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
