// Package loader acquires FHIR packages from local directories, .tgz archives,
// remote URLs, or the FHIR package registry, and exposes each as a directory of
// conformance resource JSON files.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultRegistryURL is the public FHIR package registry.
	DefaultRegistryURL = "https://packages.fhir.org"

	// DefaultTimeout bounds every network call.
	DefaultTimeout = 30 * time.Second

	// DefaultConcurrency bounds LoadAll.
	DefaultConcurrency = 4
)

// DefaultPackagePath returns the conventional FHIR package cache, ~/.fhir/packages.
func DefaultPackagePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".fhir", "packages")
}

// Manifest is the package.json of a FHIR NPM package.
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Canonical    string            `json:"canonical,omitempty"`
	FHIRVersions []string          `json:"fhirVersions,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Result describes a loaded package directory.
type Result struct {
	// Path is the directory holding the resource JSON files.
	Path           string
	Source         SourceKind
	IsTemporary    bool
	PackageName    string
	PackageVersion string

	once    sync.Once
	cleanup func() error
	err     error
}

// Release deletes the temporary directory backing the result. It runs the
// deletion at most once and is a no-op for non-temporary results.
func (r *Result) Release() error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		if r.cleanup != nil {
			r.err = r.cleanup()
		}
	})
	return r.err
}

// Loader resolves package sources. A Loader is safe for concurrent use.
type Loader struct {
	cacheDir    string
	registryURL string
	tempDir     string
	timeout     time.Duration
	concurrency int
	httpClient  *http.Client
	log         zerolog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithCacheDir sets the package cache directory.
func WithCacheDir(dir string) Option {
	return func(l *Loader) { l.cacheDir = dir }
}

// WithRegistryURL sets the package registry base URL.
func WithRegistryURL(u string) Option {
	return func(l *Loader) { l.registryURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.httpClient = c }
}

// WithTimeout bounds each network call.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) { l.timeout = d }
}

// WithTempDir sets where downloads and extractions are staged.
func WithTempDir(dir string) Option {
	return func(l *Loader) { l.tempDir = dir }
}

// WithConcurrency bounds the number of parallel loads in LoadAll.
func WithConcurrency(n int) Option {
	return func(l *Loader) { l.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// New creates a Loader.
func New(opts ...Option) *Loader {
	l := &Loader{
		cacheDir:    DefaultPackagePath(),
		registryURL: DefaultRegistryURL,
		tempDir:     os.TempDir(),
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		httpClient:  &http.Client{},
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.timeout <= 0 {
		l.timeout = DefaultTimeout
	}
	if l.concurrency <= 0 {
		l.concurrency = DefaultConcurrency
	}
	return l
}

// CacheDir returns the package cache directory.
func (l *Loader) CacheDir() string {
	return l.cacheDir
}

// Load resolves source into a directory of resource files.
func (l *Loader) Load(ctx context.Context, source string) (*Result, error) {
	kind := Classify(source)
	l.log.Debug().Str("source", source).Stringer("kind", kind).Msg("loading package")

	switch kind {
	case SourceURL:
		return l.loadURL(ctx, source)
	case SourceRegistry:
		name, version := ParsePackageID(source)
		return l.loadRegistry(ctx, name, version)
	case SourceArchive:
		return l.loadArchiveFile(ctx, source)
	default:
		return l.loadDirectory(source)
	}
}

// LoadAll loads several sources concurrently. Results keep the input order.
// If any load fails, every temporary result already acquired is released.
func (l *Loader) LoadAll(ctx context.Context, sources []string) ([]*Result, error) {
	results := make([]*Result, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, src := range sources {
		g.Go(func() error {
			res, err := l.Load(gctx, src)
			if err != nil {
				return fmt.Errorf("load %s: %w", src, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, res := range results {
			_ = res.Release()
		}
		return nil, err
	}
	return results, nil
}

// IsCached reports whether name#version is present in the package cache.
func (l *Loader) IsCached(name, version string) bool {
	_, ok := l.cachedPackageDir(name, version)
	return ok
}

// CachedPackages lists the name#version entries in the package cache.
func (l *Loader) CachedPackages() ([]string, error) {
	entries, err := os.ReadDir(l.cacheDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.Contains(e.Name(), "#") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (l *Loader) loadDirectory(dir string) (*Result, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &NotFoundError{Source: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &NotFoundError{Source: dir, Err: fmt.Errorf("not a directory")}
	}

	res := &Result{Path: packageContentDir(dir), Source: SourceDirectory}
	if m := readManifest(res.Path); m != nil {
		res.PackageName, res.PackageVersion = m.Name, m.Version
	}
	return res, nil
}

func (l *Loader) loadArchiveFile(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{Source: path, Err: err}
		}
		return nil, &ExtractError{Archive: path, Err: err}
	}
	defer f.Close()

	return l.extractToTemp(ctx, f, l.tempDir, path, SourceArchive)
}

// extractToTemp unpacks an archive into a fresh directory under dir named by
// a call-local token. The directory is removed on every failing exit path;
// on success its removal is handed to Result.Release.
func (l *Loader) extractToTemp(ctx context.Context, r io.Reader, dir, name string, kind SourceKind) (_ *Result, err error) {
	root := filepath.Join(dir, "fhir-package-"+uuid.NewString())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &ExtractError{Archive: name, Err: err}
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(root)
		}
	}()

	if err := extractTarGz(ctx, r, root); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ExtractError{Archive: name, Err: err}
	}

	res := &Result{
		Path:        packageContentDir(root),
		Source:      kind,
		IsTemporary: true,
		cleanup:     func() error { return os.RemoveAll(root) },
	}
	if m := readManifest(res.Path); m != nil {
		res.PackageName, res.PackageVersion = m.Name, m.Version
	}
	l.log.Debug().Str("archive", name).Str("dir", root).Msg("extracted package")
	return res, nil
}

// loadURL downloads an archive to a temp file, extracts it, and deletes the
// downloaded file. Only the extracted directory outlives the call.
func (l *Loader) loadURL(ctx context.Context, rawURL string) (*Result, error) {
	tmp, err := l.download(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	f, err := os.Open(tmp)
	if err != nil {
		return nil, &ExtractError{Archive: rawURL, Err: err}
	}
	defer f.Close()

	return l.extractToTemp(ctx, f, l.tempDir, rawURL, SourceURL)
}

// download saves the body of rawURL into a temp file and returns its path.
func (l *Loader) download(ctx context.Context, rawURL string) (_ string, err error) {
	f, err := os.CreateTemp(l.tempDir, "fhir-download-*.tgz")
	if err != nil {
		return "", &DownloadError{URL: rawURL, Err: err}
	}
	defer func() {
		f.Close()
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()

	err = l.get(ctx, rawURL, func(body io.Reader) error {
		if _, err := io.Copy(f, body); err != nil {
			return &DownloadError{URL: rawURL, Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return f.Name(), nil
}

func (l *Loader) loadRegistry(ctx context.Context, name, version string) (*Result, error) {
	if version != VersionLatest {
		if dir, ok := l.cachedPackageDir(name, version); ok {
			l.log.Debug().Str("package", name+"#"+version).Msg("package cache hit")
			return l.cachedResult(dir, name, version), nil
		}
	} else {
		resolved, err := l.ResolveLatest(ctx, name)
		if err != nil {
			return nil, err
		}
		l.log.Debug().Str("package", name).Str("version", resolved).Msg("resolved latest version")
		version = resolved
		if dir, ok := l.cachedPackageDir(name, version); ok {
			return l.cachedResult(dir, name, version), nil
		}
	}

	tarball := fmt.Sprintf("%s/%s/%s", l.registryURL, url.PathEscape(name), url.PathEscape(version))
	tmp, err := l.download(ctx, tarball)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	f, err := os.Open(tmp)
	if err != nil {
		return nil, &ExtractError{Archive: tarball, Err: err}
	}
	defer f.Close()

	res, err := l.extractToTemp(ctx, f, l.stagingDir(), tarball, SourceRegistry)
	if err != nil {
		return nil, err
	}
	res.PackageName, res.PackageVersion = name, version

	return l.install(res, name, version), nil
}

// stagingDir is where registry packages are extracted. Staging inside the
// cache keeps the final rename on one filesystem.
func (l *Loader) stagingDir() string {
	if l.cacheDir == "" {
		return l.tempDir
	}
	dir := filepath.Join(l.cacheDir, ".staging")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l.log.Debug().Err(err).Str("dir", dir).Msg("package cache not writable, staging in temp dir")
		return l.tempDir
	}
	return dir
}

// install moves a freshly extracted registry package into the cache. A
// failed cache write is not an error: the temporary result is returned as is.
func (l *Loader) install(res *Result, name, version string) *Result {
	if l.cacheDir == "" {
		return res
	}
	root := filepath.Dir(res.Path)
	if filepath.Base(res.Path) != "package" {
		root = res.Path
	}
	target := l.packageDir(name, version)

	if err := os.MkdirAll(l.cacheDir, 0o755); err != nil {
		l.log.Debug().Err(err).Str("dir", l.cacheDir).Msg("package cache not writable")
		return res
	}
	if err := move(root, target); err != nil {
		// Another loader may have installed the same version meanwhile.
		if dir, ok := l.cachedPackageDir(name, version); ok {
			_ = res.Release()
			return l.cachedResult(dir, name, version)
		}
		l.log.Debug().Err(err).Str("package", name+"#"+version).Msg("package cache write failed")
		return res
	}

	l.log.Info().Str("package", name+"#"+version).Str("dir", target).Msg("cached package")
	return l.cachedResult(packageContentDir(target), name, version)
}

func (l *Loader) cachedResult(dir, name, version string) *Result {
	return &Result{
		Path:           dir,
		Source:         SourceRegistry,
		PackageName:    name,
		PackageVersion: version,
	}
}

func (l *Loader) packageDir(name, version string) string {
	safe := strings.ReplaceAll(name, "/", "-")
	return filepath.Join(l.cacheDir, PackageRef{Name: safe, Version: version}.String())
}

// cachedPackageDir returns the content directory of a cached package.
func (l *Loader) cachedPackageDir(name, version string) (string, bool) {
	if l.cacheDir == "" {
		return "", false
	}
	dir := l.packageDir(name, version)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", false
	}
	return packageContentDir(dir), true
}

// packageContentDir prefers the conventional "package" subdirectory.
func packageContentDir(dir string) string {
	sub := filepath.Join(dir, "package")
	if info, err := os.Stat(sub); err == nil && info.IsDir() {
		return sub
	}
	return dir
}

// readManifest reads package.json. A missing or broken manifest yields nil.
func readManifest(dir string) *Manifest {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return &m
}

// ReadManifest reads the manifest of a loaded package, if it has one.
func (r *Result) ReadManifest() (*Manifest, bool) {
	m := readManifest(r.Path)
	return m, m != nil
}
