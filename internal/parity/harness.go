// Package parity compares normalized snapshots of a legacy and a candidate
// system and decides whether the candidate may be promoted.
//
// A run pulls the components named by two manifests, normalizes each one with
// the rules registered for its type, hashes the canonical form, diffs
// mismatches path by path and classifies every diff under a policy. Runs are
// read-only and hold no state between invocations.
package parity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/agentsync/pkg/logger"
	"github.com/capitalize-ai/agentsync/pkg/metrics"
)

// Harness runs parity comparisons.
type Harness struct {
	puller   *Puller
	registry *Registry
	policy   Policy
	logger   *logger.Logger
	now      func() time.Time
}

// NewHarness creates a harness. A nil registry means DefaultRegistry.
func NewHarness(puller *Puller, registry *Registry, policy Policy, log *logger.Logger) *Harness {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Harness{
		puller:   puller,
		registry: registry,
		policy:   policy,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run pulls both manifests concurrently and compares them.
func (h *Harness) Run(ctx context.Context, legacy, candidate Manifest) (*Report, error) {
	var legacyComps, candidateComps map[string]Component
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		legacyComps, err = h.puller.Pull(ctx, legacy)
		return err
	})
	g.Go(func() error {
		var err error
		candidateComps, err = h.puller.Pull(ctx, candidate)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return h.Compare(legacyComps, candidateComps)
}

// Compare builds the report for already pulled components.
func (h *Harness) Compare(legacy, candidate map[string]Component) (*Report, error) {
	names := make([]string, 0, len(legacy)+len(candidate))
	for name := range legacy {
		names = append(names, name)
	}
	for name := range candidate {
		if _, ok := legacy[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	report := &Report{
		Schema:               ReportSchema,
		NormalizationVersion: h.registry.Version(),
		GeneratedAt:          h.now(),
		Components:           make([]ComponentResult, 0, len(names)),
	}

	for _, name := range names {
		l, inLegacy := legacy[name]
		c, inCandidate := candidate[name]
		var (
			result ComponentResult
			err    error
		)
		switch {
		case !inCandidate:
			result, err = h.missing(l, "candidate")
		case !inLegacy:
			result, err = h.missing(c, "legacy")
		default:
			result, err = h.compareComponent(l, c)
		}
		if err != nil {
			return nil, err
		}

		report.Totals.Components++
		if result.Match {
			report.Totals.Matched++
		} else {
			report.Totals.Mismatched++
		}
		for _, d := range result.Diffs {
			switch d.Severity {
			case SeverityCritical:
				report.Totals.Critical++
			case SeverityWarning:
				report.Totals.Warning++
			}
		}
		report.Components = append(report.Components, result)
	}

	report.Decision, report.Reasons = Decide(report.Totals, h.policy)
	metrics.ParityDecisions.WithLabelValues(string(report.Decision)).Inc()
	h.logger.Info("parity decision",
		zap.String("decision", string(report.Decision)),
		zap.Int("components", report.Totals.Components),
		zap.Int("critical", report.Totals.Critical),
		zap.Int("warning", report.Totals.Warning),
	)
	return report, nil
}

// missing reports a component present on one side only. It is always critical.
func (h *Harness) missing(present Component, side string) (ComponentResult, error) {
	hash, err := h.hash(present)
	if err != nil {
		return ComponentResult{}, err
	}
	result := ComponentResult{
		Name:    present.Name,
		Type:    present.Type,
		Missing: side,
		Diffs: []Diff{{
			Path:     "$",
			Kind:     DiffRemoved,
			Severity: SeverityCritical,
		}},
	}
	if side == "candidate" {
		result.LegacyHash = hash
	} else {
		result.CandidateHash = hash
		result.Diffs[0].Kind = DiffAdded
	}
	return result, nil
}

func (h *Harness) compareComponent(l, c Component) (ComponentResult, error) {
	result := ComponentResult{Name: l.Name, Type: l.Type, Diffs: make([]Diff, 0)}
	if l.Type != c.Type {
		return ComponentResult{}, fmt.Errorf("component %s: legacy type %s differs from candidate type %s", l.Name, l.Type, c.Type)
	}

	normalizer := h.registry.For(l.Type)
	lv, lb, err := normalized(normalizer, l)
	if err != nil {
		return ComponentResult{}, fmt.Errorf("legacy %w", err)
	}
	cv, cb, err := normalized(normalizer, c)
	if err != nil {
		return ComponentResult{}, fmt.Errorf("candidate %w", err)
	}
	result.LegacyHash = Hash(l.Type, lb)
	result.CandidateHash = Hash(c.Type, cb)
	result.Match = result.LegacyHash == result.CandidateHash
	if result.Match {
		return result, nil
	}

	for _, d := range Compare(lv, cv) {
		d.Severity = h.policy.Classify(l.Name, d)
		result.Diffs = append(result.Diffs, d)
	}
	return result, nil
}

func (h *Harness) hash(comp Component) (string, error) {
	_, b, err := normalized(h.registry.For(comp.Type), comp)
	if err != nil {
		return "", err
	}
	return Hash(comp.Type, b), nil
}

func normalized(n Normalizer, comp Component) (any, []byte, error) {
	v, err := Decode(comp.Raw)
	if err != nil {
		return nil, nil, fmt.Errorf("component %s: %w", comp.Name, err)
	}
	nv, err := n.Normalize(v)
	if err != nil {
		return nil, nil, fmt.Errorf("normalize %s: %w", comp.Name, err)
	}
	b, err := Canonical(nv)
	if err != nil {
		return nil, nil, fmt.Errorf("canonicalize %s: %w", comp.Name, err)
	}
	return nv, b, nil
}
