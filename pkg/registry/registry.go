// Package registry indexes FHIR conformance artifacts (StructureDefinitions,
// ValueSets and CodeSystems) and resolves them by canonical URL, name or type.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gofhir/conformance/cache"
	"github.com/gofhir/conformance/pkg/loader"
	"github.com/gofhir/conformance/pkg/specs"
)

// DefaultMemoSize bounds the lookup memo in front of the URL index.
const DefaultMemoSize = 100

// ErrSpecsNotFound is returned by Initialize when no base definitions can be located.
var ErrSpecsNotFound = errors.New("base FHIR definitions not found")

// LoadedSpec is a registry entry.
type LoadedSpec struct {
	Type     string
	Resource Artifact
	Source   string
}

// Registry holds loaded artifacts. It is safe for concurrent use.
type Registry struct {
	mu             sync.RWMutex
	byURL          map[string]LoadedSpec // url and url|version
	byName         map[string]LoadedSpec
	byType         map[string]LoadedSpec // base definitions, first one wins
	profilesByType map[string][]string
	memo           *cache.Cache[string, LoadedSpec]

	log          zerolog.Logger
	specPaths    []string
	fhirVersion  specs.Version
	packageCache string
	initialized  bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithMemoSize sets the capacity of the lookup memo.
func WithMemoSize(n int) Option {
	return func(r *Registry) { r.memo = cache.New[string, LoadedSpec](n) }
}

// WithLogger sets the logger used while loading.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithSpecPaths adds directories Initialize loads before looking for bundled definitions.
func WithSpecPaths(paths ...string) Option {
	return func(r *Registry) { r.specPaths = append(r.specPaths, paths...) }
}

// WithFHIRVersion selects the release Initialize looks for. Default R4.
func WithFHIRVersion(v specs.Version) Option {
	return func(r *Registry) { r.fhirVersion = v }
}

// WithPackageCache sets the FHIR package cache Initialize searches first.
func WithPackageCache(dir string) Option {
	return func(r *Registry) { r.packageCache = dir }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byURL:          make(map[string]LoadedSpec),
		byName:         make(map[string]LoadedSpec),
		byType:         make(map[string]LoadedSpec),
		profilesByType: make(map[string][]string),
		memo:           cache.New[string, LoadedSpec](DefaultMemoSize),
		log:            zerolog.Nop(),
		fhirVersion:    specs.R4,
		packageCache:   loader.DefaultPackagePath(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddSpec stores and indexes an artifact. Re-adding a URL replaces the
// previous entry.
func (r *Registry) AddSpec(art Artifact, source string) error {
	if art == nil {
		return fmt.Errorf("add spec: nil artifact")
	}
	url := art.CanonicalURL()
	if url == "" {
		return fmt.Errorf("add %s %q: %w", art.ResourceType(), art.ArtifactName(), ErrMissingURL)
	}
	entry := LoadedSpec{Type: art.ResourceType(), Resource: art, Source: source}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(entry)
	return nil
}

func (r *Registry) addLocked(entry LoadedSpec) {
	art := entry.Resource
	url := art.CanonicalURL()

	// A replaced artifact leaves no key behind under its old version or name.
	if prev, ok := r.byURL[url]; ok {
		if v := prev.Resource.CanonicalVersion(); v != "" && v != art.CanonicalVersion() {
			r.memo.Delete(url + "|" + v)
			delete(r.byURL, url+"|"+v)
		}
		if name := prev.Resource.ArtifactName(); name != "" && name != art.ArtifactName() {
			if cur, ok := r.byName[name]; ok && cur.Resource.CanonicalURL() == url {
				r.memo.Delete(name)
				delete(r.byName, name)
			}
		}
	}

	// Evict before writing so a concurrent Get cannot re-memoize the old entry.
	r.memo.Delete(url)
	r.byURL[url] = entry
	if v := art.CanonicalVersion(); v != "" {
		r.memo.Delete(url + "|" + v)
		r.byURL[url+"|"+v] = entry
	}
	if name := art.ArtifactName(); name != "" {
		r.memo.Delete(name)
		r.byName[name] = entry
	}

	sd, ok := art.(*StructureDefinition)
	if !ok || sd.Type == "" {
		return
	}
	if sd.Derivation == DerivationConstraint {
		r.profilesByType[sd.Type] = appendUnique(r.profilesByType[sd.Type], url)
		return
	}
	if cur, exists := r.byType[sd.Type]; !exists || cur.Resource.CanonicalURL() == url {
		r.memo.Delete(sd.Type)
		r.byType[sd.Type] = entry
	}
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

// Get resolves a canonical URL, an artifact name, or a base type name, in
// that order.
func (r *Registry) Get(urlOrName string) (LoadedSpec, bool) {
	if entry, ok := r.memo.Get(urlOrName); ok {
		return entry, true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byURL[urlOrName]
	if !ok {
		entry, ok = r.byName[urlOrName]
	}
	if !ok {
		entry, ok = r.byType[urlOrName]
	}
	if ok {
		r.memo.Set(urlOrName, entry)
	}
	return entry, ok
}

// GetProfile resolves a canonical reference with an optional "|version".
// A version mismatch is a miss.
func (r *Registry) GetProfile(canonical string) (*StructureDefinition, bool) {
	url, version, _ := strings.Cut(canonical, "|")

	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byURL[canonical]
	if !ok {
		entry, ok = r.byURL[url]
	}
	if !ok {
		return nil, false
	}
	sd, ok := entry.Resource.(*StructureDefinition)
	if !ok {
		return nil, false
	}
	if version != "" && sd.Version != version {
		return nil, false
	}
	return sd, true
}

// GetProfilesForType returns the URLs of constraint profiles on a type, in
// the order they were added.
func (r *Registry) GetProfilesForType(resourceType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	urls := r.profilesByType[resourceType]
	out := make([]string, len(urls))
	copy(out, urls)
	return out
}

func (r *Registry) lookupCanonical(canonical string) (LoadedSpec, bool) {
	if entry, ok := r.Get(canonical); ok {
		return entry, true
	}
	if url, _, found := strings.Cut(canonical, "|"); found {
		return r.Get(url)
	}
	return LoadedSpec{}, false
}

// StructureDefinition returns the StructureDefinition for a URL, name or type.
func (r *Registry) StructureDefinition(ref string) (*StructureDefinition, bool) {
	entry, ok := r.lookupCanonical(ref)
	if !ok {
		return nil, false
	}
	sd, ok := entry.Resource.(*StructureDefinition)
	return sd, ok
}

// ValueSet returns the ValueSet for a canonical reference.
func (r *Registry) ValueSet(ref string) (*ValueSet, bool) {
	entry, ok := r.lookupCanonical(ref)
	if !ok {
		return nil, false
	}
	vs, ok := entry.Resource.(*ValueSet)
	return vs, ok
}

// CodeSystem returns the CodeSystem for a canonical reference.
func (r *Registry) CodeSystem(ref string) (*CodeSystem, bool) {
	entry, ok := r.lookupCanonical(ref)
	if !ok {
		return nil, false
	}
	cs, ok := entry.Resource.(*CodeSystem)
	return cs, ok
}

// IsDerivedFrom reports whether profileURL equals baseURL or reaches it
// through its baseDefinition chain.
func (r *Registry) IsDerivedFrom(profileURL, baseURL string) bool {
	seen := make(map[string]bool)
	for current := profileURL; current != "" && !seen[current]; {
		if current == baseURL {
			return true
		}
		seen[current] = true
		sd, ok := r.StructureDefinition(current)
		if !ok {
			return false
		}
		current = sd.BaseDefinition
	}
	return false
}

// Count returns the number of distinct artifacts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for key := range r.byURL {
		if !strings.Contains(key, "|") {
			n++
		}
	}
	return n
}

// MemoStats reports lookup memo statistics.
func (r *Registry) MemoStats() cache.Stats {
	return r.memo.Stats()
}

// Clear removes every artifact and resets initialization.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.byURL)
	clear(r.byName)
	clear(r.byType)
	clear(r.profilesByType)
	r.memo.Clear()
	r.initialized = false
}

// LoadFromDirectory ingests every StructureDefinition, ValueSet and
// CodeSystem found under dir, including entries of Bundle files. Files that
// are not JSON or not one of those resources are skipped.
func (r *Registry) LoadFromDirectory(dir string) (int, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, fmt.Errorf("load directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("load directory: %s is not a directory", dir)
	}

	var loaded []LoadedSpec
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() || !isCandidateFile(d.Name()) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			r.log.Debug().Err(err).Str("file", path).Msg("skipping unreadable file")
			return nil
		}
		for _, art := range parseFile(data) {
			loaded = append(loaded, LoadedSpec{Type: art.ResourceType(), Resource: art, Source: path})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("load directory %s: %w", dir, err)
	}

	r.mu.Lock()
	for _, entry := range loaded {
		r.addLocked(entry)
	}
	r.mu.Unlock()

	r.log.Debug().Str("dir", dir).Int("artifacts", len(loaded)).Msg("loaded directory")
	return len(loaded), nil
}

func isCandidateFile(name string) bool {
	if !strings.HasSuffix(name, ".json") {
		return false
	}
	switch name {
	case "package.json", ".index.json":
		return false
	}
	return true
}

// parseFile returns the artifacts in a resource or Bundle file.
func parseFile(data []byte) []Artifact {
	var peek struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil
	}
	if peek.ResourceType != "Bundle" {
		art, err := ParseArtifact(data)
		if err != nil {
			return nil
		}
		return []Artifact{art}
	}
	var out []Artifact
	for _, e := range peek.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		if art, err := ParseArtifact(e.Resource); err == nil {
			out = append(out, art)
		}
	}
	return out
}

// LoadPackage acquires source with l and ingests its content. Temporary
// extraction directories are released before returning.
func (r *Registry) LoadPackage(ctx context.Context, l *loader.Loader, source string) (int, error) {
	res, err := l.Load(ctx, source)
	if err != nil {
		return 0, err
	}
	defer r.release(res)
	return r.ingest(source, res)
}

// LoadPackages acquires sources concurrently and ingests them in source
// order, so a later source replaces artifacts of an earlier one. It returns
// the artifact count of each source.
func (r *Registry) LoadPackages(ctx context.Context, l *loader.Loader, sources []string) ([]int, error) {
	results, err := l.LoadAll(ctx, sources)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, res := range results {
			r.release(res)
		}
	}()

	counts := make([]int, len(results))
	for i, res := range results {
		n, err := r.ingest(sources[i], res)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", sources[i], err)
		}
		counts[i] = n
	}
	return counts, nil
}

func (r *Registry) ingest(source string, res *loader.Result) (int, error) {
	n, err := r.LoadFromDirectory(res.Path)
	if err != nil {
		return 0, err
	}
	if m, ok := res.ReadManifest(); ok && len(m.FHIRVersions) > 0 && !supports(m.FHIRVersions, r.fhirVersion) {
		r.log.Warn().
			Str("package", m.Name+"#"+m.Version).
			Strs("fhirVersions", m.FHIRVersions).
			Str("configured", string(r.fhirVersion)).
			Msg("package targets another FHIR release")
	}
	r.log.Info().
		Str("source", source).
		Str("package", res.PackageName).
		Str("version", res.PackageVersion).
		Int("artifacts", n).
		Msg("package loaded")
	return n, nil
}

func (r *Registry) release(res *loader.Result) {
	if err := res.Release(); err != nil {
		r.log.Warn().Err(err).Str("path", res.Path).Msg("failed to remove temporary package")
	}
}

// supports reports whether any of versions shares major.minor with v.
func supports(versions []string, v specs.Version) bool {
	want := majorMinor(string(v))
	for _, candidate := range versions {
		if majorMinor(candidate) == want {
			return true
		}
	}
	return false
}

func majorMinor(v string) string {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return v
	}
	return parts[0] + "." + parts[1]
}

// Initialize loads custom spec paths and the bundled base definitions for the
// configured FHIR version. Calls after the first successful one do nothing.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.RLock()
	done := r.initialized
	r.mu.RUnlock()
	if done {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	total := 0
	for _, p := range r.specPaths {
		n, err := r.LoadFromDirectory(p)
		if err != nil {
			r.log.Warn().Err(err).Str("path", p).Msg("custom spec path not loaded")
			continue
		}
		total += n
	}

	rel, ok := specs.Lookup(r.fhirVersion)
	if !ok {
		return fmt.Errorf("initialize: unsupported FHIR version %q", r.fhirVersion)
	}
	if dir, found := specs.Locate(rel, r.packageCache); found {
		n, err := r.LoadFromDirectory(dir)
		if err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		total += n
		for _, extra := range specs.Supplements(rel, r.packageCache) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m, err := r.LoadFromDirectory(extra)
			if err != nil {
				continue
			}
			total += m
		}
	}

	if total == 0 {
		return fmt.Errorf("%w for FHIR %s (custom paths: %d)", ErrSpecsNotFound, rel.Version, len(r.specPaths))
	}

	r.mu.Lock()
	r.initialized = true
	r.mu.Unlock()
	r.log.Info().Str("fhirVersion", string(rel.Version)).Int("artifacts", total).Msg("registry initialized")
	return nil
}
