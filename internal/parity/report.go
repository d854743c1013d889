package parity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ReportSchema is the report format identifier. Fields are only ever added.
const ReportSchema = "agentsync.parity.v1"

// Decision is the promotion outcome.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
)

// ComponentResult is the comparison of one component.
type ComponentResult struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	LegacyHash    string `json:"legacy_hash,omitempty"`
	CandidateHash string `json:"candidate_hash,omitempty"`
	Match         bool   `json:"match"`
	// Missing names the side that lacks the component, if any.
	Missing string `json:"missing,omitempty"`
	Diffs   []Diff `json:"diffs"`
}

// Totals counts results across components.
type Totals struct {
	Components int `json:"components"`
	Matched    int `json:"matched"`
	Mismatched int `json:"mismatched"`
	Critical   int `json:"critical"`
	Warning    int `json:"warning"`
}

// Report is the sole artifact of a parity run.
type Report struct {
	Schema               string            `json:"schema"`
	NormalizationVersion string            `json:"normalization_version"`
	GeneratedAt          time.Time         `json:"generated_at"`
	Components           []ComponentResult `json:"components"`
	Totals               Totals            `json:"totals"`
	Decision             Decision          `json:"decision"`
	Reasons              []string          `json:"reasons"`
}

// Decide computes the decision and reasons from totals.
func Decide(t Totals, p Policy) (Decision, []string) {
	reasons := make([]string, 0)
	if p.BlockOnCritical && t.Critical > 0 {
		reasons = append(reasons, fmt.Sprintf("%d critical diff(s) with block_on_critical set", t.Critical))
	}
	if t.Warning > p.MaxWarnings {
		reasons = append(reasons, fmt.Sprintf("%d warning diff(s) exceed max_warning_count %d", t.Warning, p.MaxWarnings))
	}
	if len(reasons) > 0 {
		return DecisionBlock, reasons
	}
	return DecisionAllow, reasons
}

// Blocked reports whether promotion is blocked.
func (r *Report) Blocked() bool {
	return r.Decision == DecisionBlock
}

// Marshal renders the report as indented JSON.
func (r *Report) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteFile writes the report to path, creating parent directories.
func (r *Report) WriteFile(path string) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
