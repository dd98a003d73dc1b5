// Package validator validates FHIR resources against the profiles held in a
// registry. It walks each resource once per profile and combines element
// cardinality, primitive formats, fixed and pattern values, slicing,
// extensions, terminology bindings and root invariants into one result.
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gofhir/conformance/cache"
	"github.com/gofhir/conformance/pkg/extension"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/pathexpr"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/slicing"
	"github.com/gofhir/conformance/pkg/terminology"
)

// DefaultConcurrency bounds ValidateBatch when WithConcurrency is not given.
const DefaultConcurrency = 4

const indexCacheSize = 64

// Validator validates resources. It is safe for concurrent use; all
// per-call state lives in the walk.
type Validator struct {
	reg     *registry.Registry
	slicing *slicing.Validator
	ext     *extension.Validator
	term    *terminology.Validator
	expr    *pathexpr.Evaluator
	indexes *cache.Cache[*registry.StructureDefinition, *profileIndex]
	metrics *Metrics

	concurrency int
	constraints bool
	strict      bool
}

type config struct {
	service     terminology.Service
	cacheSize   int
	concurrency int
	constraints bool
	strict      bool
}

// Option configures a Validator.
type Option func(*config)

// WithTerminologyService consults s for codes from external code systems
// before falling back to local definitions.
func WithTerminologyService(s terminology.Service) Option {
	return func(c *config) {
		c.service = s
	}
}

// WithTerminologyCacheSize sets the capacity of the binding outcome cache.
func WithTerminologyCacheSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.cacheSize = n
		}
	}
}

// WithConcurrency sets how many resources ValidateBatch checks at once.
func WithConcurrency(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithConstraints enables or disables FHIRPath invariant evaluation.
// Invariants are evaluated by default.
func WithConstraints(enabled bool) Option {
	return func(c *config) {
		c.constraints = enabled
	}
}

// WithStrictMode reports every warning as an error.
func WithStrictMode(strict bool) Option {
	return func(c *config) {
		c.strict = strict
	}
}

// New creates a Validator over reg. The registry may keep growing after New
// returns; lookups always see its current contents.
func New(reg *registry.Registry, opts ...Option) *Validator {
	cfg := config{
		cacheSize:   terminology.DefaultCacheSize,
		concurrency: DefaultConcurrency,
		constraints: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	termOpts := []terminology.Option{terminology.WithCacheSize(cfg.cacheSize)}
	if cfg.service != nil {
		termOpts = append(termOpts, terminology.WithService(cfg.service))
	}

	expr := pathexpr.NewEvaluator()
	return &Validator{
		reg:         reg,
		slicing:     slicing.New(reg, slicing.WithEvaluator(expr)),
		ext:         extension.New(reg),
		term:        terminology.New(reg, termOpts...),
		expr:        expr,
		indexes:     cache.New[*registry.StructureDefinition, *profileIndex](indexCacheSize),
		metrics:     newMetrics(),
		concurrency: cfg.concurrency,
		constraints: cfg.constraints,
		strict:      cfg.strict,
	}
}

// Metrics returns counters over every completed Validate call.
func (v *Validator) Metrics() Snapshot {
	return v.metrics.Snapshot()
}

// TerminologyCacheStats reports the binding outcome cache.
func (v *Validator) TerminologyCacheStats() cache.Stats {
	return v.term.CacheStats()
}

// Validate checks one JSON resource. When profileURL is empty the resource
// is checked against each profile in meta.profile, or against the base
// definition of its type when it declares none.
//
// Problems with the resource are reported in the result; the error is
// non-nil only when ctx is done.
func (v *Validator) Validate(ctx context.Context, resource []byte, profileURL string) (*issue.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	result := issue.NewResult()
	if err := v.check(ctx, resource, profileURL, result); err != nil {
		return nil, err
	}
	if v.strict {
		for i := range result.Issues {
			if result.Issues[i].Severity == issue.SeverityWarning {
				result.Issues[i].Severity = issue.SeverityError
			}
		}
	}
	v.metrics.record(time.Since(start), result)
	return result, nil
}

func (v *Validator) check(ctx context.Context, resource []byte, profileURL string, result *issue.Result) error {
	data, err := decode(resource)
	if err != nil {
		result.AddWithID(issue.DiagInvalidJSON, map[string]any{"error": err.Error()})
		return nil
	}
	rt, _ := data["resourceType"].(string)
	if rt == "" {
		result.AddWithID(issue.DiagResourceTypeMissing, nil)
		return nil
	}

	w := &walk{v: v, ctx: ctx, result: result}
	for _, sd := range v.profiles(data, rt, profileURL, result) {
		w.resource(data, resource, sd, rt)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateBatch validates resources concurrently. Results are returned in
// input order.
func (v *Validator) ValidateBatch(ctx context.Context, resources [][]byte, profileURL string) ([]*issue.Result, error) {
	results := make([]*issue.Result, len(resources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, res := range resources {
		g.Go(func() error {
			r, err := v.Validate(gctx, res, profileURL)
			if err != nil {
				return fmt.Errorf("resource %d: %w", i, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// decode keeps numbers as json.Number so decimal precision survives fixed
// value comparison.
func decode(resource []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(resource))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func (v *Validator) profiles(data map[string]any, rt, profileURL string, result *issue.Result) []*registry.StructureDefinition {
	if profileURL != "" {
		sd, ok := v.reg.GetProfile(profileURL)
		if !ok {
			result.AddWithID(issue.DiagProfileNotFound, map[string]any{"profile": profileURL}, rt)
			return nil
		}
		if sd.Type != rt {
			result.AddWithID(issue.DiagProfileTypeMismatch,
				map[string]any{"profile": profileURL, "expected": sd.Type, "actual": rt}, rt)
			return nil
		}
		return []*registry.StructureDefinition{sd}
	}

	var out []*registry.StructureDefinition
	for _, p := range declaredProfiles(data) {
		sd, ok := v.reg.GetProfile(p)
		if !ok {
			result.AddIssue(issue.NewWithSeverity(issue.SeverityWarning, issue.DiagProfileNotFound,
				map[string]any{"profile": p}, rt+".meta.profile"))
			continue
		}
		out = append(out, sd)
	}
	if len(out) > 0 {
		return out
	}

	if sd, ok := v.reg.StructureDefinition(rt); ok && sd.Type == rt {
		return []*registry.StructureDefinition{sd}
	}
	result.AddWithID(issue.DiagProfileNotFound, map[string]any{"profile": rt}, rt)
	return nil
}

func declaredProfiles(data map[string]any) []string {
	meta, ok := data["meta"].(map[string]any)
	if !ok {
		return nil
	}
	list, _ := meta["profile"].([]any)
	out := make([]string, 0, len(list))
	for _, p := range list {
		if s, ok := p.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
