package validator

import (
	"sync/atomic"
	"time"

	"github.com/gofhir/conformance/pkg/issue"
)

// Metrics counts validations and their findings. All methods are safe for
// concurrent use.
type Metrics struct {
	total atomic.Uint64
	valid atomic.Uint64

	// nanoseconds
	timeTotal atomic.Uint64
	timeMin   atomic.Uint64
	timeMax   atomic.Uint64

	errors   atomic.Uint64
	warnings atomic.Uint64
	infos    atomic.Uint64
}

func newMetrics() *Metrics {
	m := &Metrics{}
	m.timeMin.Store(^uint64(0))
	return m
}

func (m *Metrics) record(d time.Duration, result *issue.Result) {
	m.total.Add(1)
	if result.Valid() {
		m.valid.Add(1)
	}
	for _, is := range result.Issues {
		switch is.Severity {
		case issue.SeverityFatal, issue.SeverityError:
			m.errors.Add(1)
		case issue.SeverityWarning:
			m.warnings.Add(1)
		default:
			m.infos.Add(1)
		}
	}

	ns := uint64(max(d.Nanoseconds(), 0))
	m.timeTotal.Add(ns)
	for {
		old := m.timeMin.Load()
		if ns >= old || m.timeMin.CompareAndSwap(old, ns) {
			break
		}
	}
	for {
		old := m.timeMax.Load()
		if ns <= old || m.timeMax.CompareAndSwap(old, ns) {
			break
		}
	}
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	Validations uint64
	Valid       uint64
	Errors      uint64
	Warnings    uint64
	Infos       uint64
	MinTime     time.Duration
	MaxTime     time.Duration
	AvgTime     time.Duration
}

// Snapshot copies the current counters. Times are zero before the first
// validation.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		Validations: m.total.Load(),
		Valid:       m.valid.Load(),
		Errors:      m.errors.Load(),
		Warnings:    m.warnings.Load(),
		Infos:       m.infos.Load(),
	}
	if s.Validations == 0 {
		return s
	}
	s.MinTime = time.Duration(m.timeMin.Load())
	s.MaxTime = time.Duration(m.timeMax.Load())
	s.AvgTime = time.Duration(m.timeTotal.Load() / s.Validations)
	return s
}
