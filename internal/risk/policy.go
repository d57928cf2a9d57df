// Package risk computes component risk: tenant-independent base scores from
// enrichment attributes, tenant-adjusted contextual scores, and BOM/project
// roll-ups with health grades and trend.
package risk

import (
	"math"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/traceline/bomflow/internal/model"
)

// GradeBoundaries are the upper bounds (exclusive) of each letter grade on
// the weighted-average scale. Anything at or above E grades F.
type GradeBoundaries struct {
	A float64 `yaml:"a" json:"a"`
	B float64 `yaml:"b" json:"b"`
	C float64 `yaml:"c" json:"c"`
	D float64 `yaml:"d" json:"d"`
	E float64 `yaml:"e" json:"e"`
}

// Policy holds the grading boundaries and the trend hysteresis band. The
// numbers are deployment policy, not code, so they load from a YAML file.
type Policy struct {
	GradeBoundaries GradeBoundaries `yaml:"grade_boundaries" json:"grade_boundaries"`
	// StableBand is the weighted-average delta within which a recomputed
	// summary reports a stable trend.
	StableBand float64 `yaml:"stable_band" json:"stable_band"`
}

// DefaultPolicy returns the boundaries used when no policy file is
// configured.
func DefaultPolicy() Policy {
	return Policy{
		GradeBoundaries: GradeBoundaries{A: 20, B: 35, C: 50, D: 65, E: 80},
		StableBand:      5,
	}
}

// LoadPolicy reads a policy file, filling anything the file omits from the
// defaults. An empty path returns the defaults unchanged.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, eris.Wrap(err, "risk: read policy file")
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, eris.Wrap(err, "risk: parse policy file")
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate checks that the boundaries are strictly increasing, which is what
// keeps the grade mapping monotonic.
func (p Policy) Validate() error {
	b := p.GradeBoundaries
	if !(b.A > 0 && b.A < b.B && b.B < b.C && b.C < b.D && b.D < b.E && b.E <= 100) {
		return eris.Errorf(
			"risk: grade boundaries must be strictly increasing within (0,100], got a=%.1f b=%.1f c=%.1f d=%.1f e=%.1f",
			b.A, b.B, b.C, b.D, b.E,
		)
	}
	if p.StableBand < 0 {
		return eris.New("risk: stable_band must be >= 0")
	}
	return nil
}

// GradeFor maps a weighted average to a letter grade. A strictly higher
// average never yields a better grade.
func (p Policy) GradeFor(weighted float64) model.HealthGrade {
	b := p.GradeBoundaries
	switch {
	case weighted < b.A:
		return model.GradeA
	case weighted < b.B:
		return model.GradeB
	case weighted < b.C:
		return model.GradeC
	case weighted < b.D:
		return model.GradeD
	case weighted < b.E:
		return model.GradeE
	default:
		return model.GradeF
	}
}

// TrendFor compares a recomputed weighted average against the previous one.
// Deltas inside the stable band report stable; outside it the sign decides.
// The first summary of an entity has nothing to compare against and reports
// stable.
func (p Policy) TrendFor(previous *float64, current float64) model.Trend {
	if previous == nil {
		return model.TrendStable
	}
	delta := current - *previous
	if math.Abs(delta) <= p.StableBand {
		return model.TrendStable
	}
	if delta < 0 {
		return model.TrendImproving
	}
	return model.TrendWorsening
}
