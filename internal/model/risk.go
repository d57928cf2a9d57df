package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RiskLevel buckets a numeric score against a profile's thresholds.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// RiskLevels lists all levels from least to most severe.
var RiskLevels = []RiskLevel{RiskLevelLow, RiskLevelMedium, RiskLevelHigh, RiskLevelCritical}

// FactorWeights are the per-factor contributions to a total score. Each is
// 0-100 and together they must sum to exactly 100.
type FactorWeights struct {
	Lifecycle    int `json:"lifecycle" validate:"gte=0,lte=100"`
	SupplyChain  int `json:"supply_chain" validate:"gte=0,lte=100"`
	Compliance   int `json:"compliance" validate:"gte=0,lte=100"`
	Obsolescence int `json:"obsolescence" validate:"gte=0,lte=100"`
	SingleSource int `json:"single_source" validate:"gte=0,lte=100"`
}

// Sum returns the total of all five weights.
func (w FactorWeights) Sum() int {
	return w.Lifecycle + w.SupplyChain + w.Compliance + w.Obsolescence + w.SingleSource
}

// Thresholds are the score boundaries between risk levels. Strict ordering
// low < medium < high is required.
type Thresholds struct {
	Low    int `json:"low" validate:"gte=1,lte=99"`
	Medium int `json:"medium" validate:"gte=1,lte=99"`
	High   int `json:"high" validate:"gte=1,lte=99"`
}

// ModifierWeights scale the contextual adjustments applied on top of a base
// score.
type ModifierWeights struct {
	Quantity    int `json:"quantity" validate:"gte=0,lte=100"`
	LeadTime    int `json:"lead_time" validate:"gte=0,lte=100"`
	Criticality int `json:"criticality" validate:"gte=0,lte=100"`
}

// RiskProfile is a tenant's scoring configuration. Base scores always use the
// default profile; contextual scores use the owning tenant's.
type RiskProfile struct {
	TenantID   string          `json:"tenant_id"`
	Weights    FactorWeights   `json:"weights"`
	Thresholds Thresholds      `json:"thresholds"`
	Modifiers  ModifierWeights `json:"modifiers"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

var validate = newProfileValidator()

func newProfileValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(profileStructLevel, RiskProfile{})
	return v
}

func profileStructLevel(sl validator.StructLevel) {
	p := sl.Current().Interface().(RiskProfile)
	if p.Weights.Sum() != 100 {
		sl.ReportError(p.Weights, "weights", "Weights", "weightsum", "")
	}
	if p.Thresholds.Low >= p.Thresholds.Medium || p.Thresholds.Medium >= p.Thresholds.High {
		sl.ReportError(p.Thresholds, "thresholds", "Thresholds", "thresholdorder", "")
	}
}

// Validate enforces the profile invariants: every weight and threshold in
// range, factor weights summing to exactly 100, and thresholds strictly
// ordered. Returns a *ValidationError describing each violated field.
func (p *RiskProfile) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, ve := range verrs {
		fields[ve.Field()] = ve.Tag()
	}
	return &ValidationError{Msg: "invalid risk profile", Fields: fields}
}

// LevelFor buckets a score using this profile's thresholds. Scores below the
// low threshold are low risk; at or above the high threshold, critical.
func (p *RiskProfile) LevelFor(score float64) RiskLevel {
	switch {
	case score < float64(p.Thresholds.Low):
		return RiskLevelLow
	case score < float64(p.Thresholds.Medium):
		return RiskLevelMedium
	case score < float64(p.Thresholds.High):
		return RiskLevelHigh
	default:
		return RiskLevelCritical
	}
}

// DefaultRiskProfile returns the scoring configuration applied before a
// tenant customizes anything. Base scores are always computed with these
// weights and thresholds regardless of tenant overrides.
func DefaultRiskProfile(tenantID string) *RiskProfile {
	return &RiskProfile{
		TenantID: tenantID,
		Weights: FactorWeights{
			Lifecycle:    30,
			SupplyChain:  25,
			Compliance:   15,
			Obsolescence: 20,
			SingleSource: 10,
		},
		Thresholds: Thresholds{Low: 30, Medium: 60, High: 85},
		Modifiers:  ModifierWeights{Quantity: 30, LeadTime: 40, Criticality: 30},
	}
}

// ValidationError reports rejected input. Fields maps each offending field to
// the rule it violated.
type ValidationError struct {
	Msg    string            `json:"message"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Msg
	}
	parts := make([]string, 0, len(e.Fields))
	for f, rule := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f, rule))
	}
	sort.Strings(parts)
	return e.Msg + " (" + strings.Join(parts, ", ") + ")"
}

// FactorScores are the five tenant-independent risk dimensions of a part,
// each 0-100.
type FactorScores struct {
	Lifecycle    float64 `json:"lifecycle"`
	SupplyChain  float64 `json:"supply_chain"`
	Compliance   float64 `json:"compliance"`
	Obsolescence float64 `json:"obsolescence"`
	SingleSource float64 `json:"single_source"`
}

// BaseRiskScore is the shared, tenant-independent score of a part identity.
// One row exists per PartKey; recomputation upserts in place.
type BaseRiskScore struct {
	PartKey      string       `json:"part_key"`
	MPN          string       `json:"mpn"`
	Manufacturer string       `json:"manufacturer"`
	Factors      FactorScores `json:"factors"`
	TotalScore   float64      `json:"total_score"`
	RiskLevel    RiskLevel    `json:"risk_level"`
	ComputedAt   time.Time    `json:"computed_at"`
}

// ContextualRiskScore adjusts a base score for one line item in one job,
// using the owning tenant's thresholds. Always within [0,100].
type ContextualRiskScore struct {
	JobID              string    `json:"job_id"`
	LineItemID         string    `json:"line_item_id"`
	TenantID           string    `json:"tenant_id"`
	BaseScore          float64   `json:"base_score"`
	QuantityMod        float64   `json:"quantity_mod"`
	LeadTimeMod        float64   `json:"lead_time_mod"`
	CriticalityMod     float64   `json:"criticality_mod"`
	AlternateReduction float64   `json:"alternate_reduction"`
	Score              float64   `json:"score"`
	RiskLevel          RiskLevel `json:"risk_level"`
	ComputedAt         time.Time `json:"computed_at"`
}

// HealthGrade is the letter summary of aggregate risk, A (best) through F.
type HealthGrade string

const (
	GradeA HealthGrade = "A"
	GradeB HealthGrade = "B"
	GradeC HealthGrade = "C"
	GradeD HealthGrade = "D"
	GradeE HealthGrade = "E"
	GradeF HealthGrade = "F"
)

// Trend describes how an entity's weighted score moved since the previous
// summary.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendWorsening Trend = "worsening"
)

// BomRiskSummary aggregates the contextual scores of one job.
type BomRiskSummary struct {
	JobID         string            `json:"job_id"`
	TenantID      string            `json:"tenant_id"`
	ProjectID     string            `json:"project_id"`
	LevelCounts   map[RiskLevel]int `json:"level_counts"`
	AverageScore  float64           `json:"average_score"`
	WeightedScore float64           `json:"weighted_score"`
	MaxScore      float64           `json:"max_score"`
	MinScore      float64           `json:"min_score"`
	ItemCount     int               `json:"item_count"`
	HealthGrade   HealthGrade       `json:"health_grade"`
	Trend         Trend             `json:"trend"`
	ComputedAt    time.Time         `json:"computed_at"`
}

// ProjectRiskSummary applies the BOM roll-up one level up, across all of a
// project's jobs.
type ProjectRiskSummary struct {
	ProjectID     string            `json:"project_id"`
	TenantID      string            `json:"tenant_id"`
	LevelCounts   map[RiskLevel]int `json:"level_counts"`
	AverageScore  float64           `json:"average_score"`
	WeightedScore float64           `json:"weighted_score"`
	MaxScore      float64           `json:"max_score"`
	MinScore      float64           `json:"min_score"`
	JobCount      int               `json:"job_count"`
	ItemCount     int               `json:"item_count"`
	HealthGrade   HealthGrade       `json:"health_grade"`
	Trend         Trend             `json:"trend"`
	ComputedAt    time.Time         `json:"computed_at"`
}

// History entity kinds.
const (
	EntityBom     = "bom"
	EntityProject = "project"
)

// RiskHistoryPoint is one day's snapshot of an entity's weighted score. At
// most one point exists per entity per UTC calendar day; recomputation within
// the same day overwrites it.
type RiskHistoryPoint struct {
	EntityType    string      `json:"entity_type"`
	EntityID      string      `json:"entity_id"`
	Day           string      `json:"day"`
	WeightedScore float64     `json:"weighted_score"`
	HealthGrade   HealthGrade `json:"health_grade"`
	CreatedAt     time.Time   `json:"created_at"`
}

// HistoryDay formats t as the UTC calendar-day key used by history upserts.
func HistoryDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
