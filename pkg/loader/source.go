package loader

import (
	"fmt"
	"regexp"
	"strings"
)

// SourceKind identifies where a package comes from.
type SourceKind int

// Source kinds, in classification order.
const (
	SourceURL SourceKind = iota
	SourceRegistry
	SourceArchive
	SourceDirectory
)

// String returns the name used in load results.
func (k SourceKind) String() string {
	switch k {
	case SourceURL:
		return "http"
	case SourceRegistry:
		return "registry"
	case SourceArchive:
		return "tgz"
	case SourceDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// VersionLatest asks the registry for its newest version.
const VersionLatest = "latest"

var schemeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*://`)

var archiveSuffixes = []string{".tgz", ".tar.gz"}

// Classify decides how a source identifier is loaded. The checks run in a
// fixed order: URL, registry package identifier, archive, directory. A bare
// dotted name such as "hl7.fhir.us.core" is therefore a registry identifier
// even if a directory with that name happens to exist.
func Classify(source string) SourceKind {
	switch {
	case schemeRe.MatchString(source):
		return SourceURL
	case IsPackageID(source):
		return SourceRegistry
	case hasArchiveSuffix(source):
		return SourceArchive
	default:
		return SourceDirectory
	}
}

// IsPackageID reports whether s is a registry package identifier:
// name, name@version or name#version, where name has at least one dot,
// no path separators, and no archive or JSON file extension.
func IsPackageID(s string) bool {
	if s == "" || strings.ContainsAny(s, `/\`) {
		return false
	}
	lower := strings.ToLower(s)
	if hasArchiveSuffix(lower) || strings.HasSuffix(lower, ".json") {
		return false
	}
	name, _ := ParsePackageID(s)
	if name == "" || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return strings.Contains(name, ".")
}

// ParsePackageID splits "name@version" or "name#version". A bare name
// resolves to VersionLatest.
func ParsePackageID(id string) (name, version string) {
	if i := strings.IndexAny(id, "@#"); i >= 0 {
		name, version = id[:i], id[i+1:]
	} else {
		name = id
	}
	if version == "" {
		version = VersionLatest
	}
	return name, version
}

func hasArchiveSuffix(s string) bool {
	lower := strings.ToLower(s)
	for _, suf := range archiveSuffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}
	return false
}

// PackageRef names one version of a package.
type PackageRef struct {
	Name    string
	Version string
}

// String returns the cache key form "name#version".
func (p PackageRef) String() string {
	return fmt.Sprintf("%s#%s", p.Name, p.Version)
}
