package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// packageMetadata is the subset of the registry's package document we read.
type packageMetadata struct {
	Name     string            `json:"name"`
	DistTags map[string]string `json:"dist-tags"`
	Versions map[string]struct {
		Version     string `json:"version"`
		FHIRVersion string `json:"fhirVersion"`
		URL         string `json:"url"`
	} `json:"versions"`
}

// ResolveLatest asks the registry which version "latest" denotes. An explicit
// dist-tags.latest wins; otherwise the highest advertised version is chosen.
func (l *Loader) ResolveLatest(ctx context.Context, name string) (string, error) {
	meta, err := l.fetchMetadata(ctx, name)
	if err != nil {
		return "", err
	}
	if latest := meta.DistTags[VersionLatest]; latest != "" {
		return latest, nil
	}
	versions := make([]string, 0, len(meta.Versions))
	for v := range meta.Versions {
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		return "", &NotFoundError{Source: name, Err: fmt.Errorf("registry advertises no versions")}
	}
	SortVersionsDesc(versions)
	return versions[0], nil
}

// Versions lists the versions the registry advertises for name, newest first.
func (l *Loader) Versions(ctx context.Context, name string) ([]string, error) {
	meta, err := l.fetchMetadata(ctx, name)
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(meta.Versions))
	for v := range meta.Versions {
		versions = append(versions, v)
	}
	SortVersionsDesc(versions)
	return versions, nil
}

func (l *Loader) fetchMetadata(ctx context.Context, name string) (*packageMetadata, error) {
	endpoint := l.registryURL + "/" + url.PathEscape(name)

	var meta packageMetadata
	err := l.get(ctx, endpoint, func(body io.Reader) error {
		if err := json.NewDecoder(body).Decode(&meta); err != nil {
			return fmt.Errorf("decode package metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// get performs one GET bounded by the loader timeout and hands the body of a
// 2xx response to consume. There is no retry; callers decide on retry policy.
func (l *Loader) get(ctx context.Context, endpoint string, consume func(io.Reader) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return &DownloadError{URL: endpoint, Err: err}
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return &TimeoutError{URL: endpoint, Timeout: l.timeout, Err: err}
		}
		return &DownloadError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DownloadError{URL: endpoint, StatusCode: resp.StatusCode}
	}

	if err := consume(resp.Body); err != nil {
		if isTimeout(err) {
			return &TimeoutError{URL: endpoint, Timeout: l.timeout, Err: err}
		}
		return err
	}
	return nil
}

// CompareVersions compares two package versions numerically, segment by
// segment. Missing segments count as zero, so "1.2" equals "1.2.0". When the
// numeric parts are equal a pre-release ("1.0.0-ballot") sorts before the
// release. It returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	coreA, preA := splitPrerelease(a)
	coreB, preB := splitPrerelease(b)

	segA := strings.Split(coreA, ".")
	segB := strings.Split(coreB, ".")
	n := max(len(segA), len(segB))
	for i := 0; i < n; i++ {
		x, y := segmentAt(segA, i), segmentAt(segB, i)
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}

	switch {
	case preA == preB:
		return 0
	case preA == "":
		return 1
	case preB == "":
		return -1
	case preA < preB:
		return -1
	default:
		return 1
	}
}

// SortVersionsDesc orders versions newest first.
func SortVersionsDesc(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return CompareVersions(versions[i], versions[j]) > 0
	})
}

func splitPrerelease(v string) (core, pre string) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}
	if i := strings.IndexByte(v, '-'); i >= 0 {
		return v[:i], v[i+1:]
	}
	return v, ""
}

// segmentAt returns the leading integer of segment i, or 0.
func segmentAt(segs []string, i int) int {
	if i >= len(segs) {
		return 0
	}
	s := segs[i]
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
