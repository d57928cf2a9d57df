package model

import (
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/traceline/bomflow/pkg/catalog"
)

// ItemStatus represents the per-item terminal state machine: every item ends
// enriched or failed, and a job's enrichment stage completes only when no
// item remains pending.
type ItemStatus string

const (
	ItemStatusPending  ItemStatus = "pending"
	ItemStatusEnriched ItemStatus = "enriched"
	ItemStatusFailed   ItemStatus = "failed"
)

// Criticality is the designer-assigned importance of a line item within its
// assembly. It feeds the contextual risk modifier, not the base score.
type Criticality string

const (
	CriticalityStandard Criticality = "standard"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

// LineItem is one component row of a BOM.
type LineItem struct {
	ID             string            `json:"id"`
	JobID          string            `json:"job_id"`
	MPN            string            `json:"mpn"`
	Manufacturer   string            `json:"manufacturer"`
	Quantity       int               `json:"quantity"`
	RefDesignators []string          `json:"reference_designators,omitempty"`
	Criticality    Criticality       `json:"criticality,omitempty"`
	Status         ItemStatus        `json:"status"`
	Attributes     *catalog.PartData `json:"attributes,omitempty"`
	Attempts       int               `json:"attempts"`
	LastError      string            `json:"last_error,omitempty"`
	ErrorClass     string            `json:"error_class,omitempty"`
	ClaimedAt      *time.Time        `json:"claimed_at,omitempty"`
	NextAttemptAt  *time.Time        `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// PartKey returns the canonical identity of a component. MPN and manufacturer
// are trimmed and case-folded so that "STM32F103" from "ST" and "stm32f103"
// from "st " share one base risk score row.
func PartKey(mpn, manufacturer string) string {
	folder := cases.Fold()
	return folder.String(strings.TrimSpace(mpn)) + "|" + folder.String(strings.TrimSpace(manufacturer))
}
