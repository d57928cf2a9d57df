package risk

import (
	"math"

	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/pkg/catalog"
)

// computeFactors derives the five tenant-independent risk dimensions from
// enrichment attributes. Each factor is 0-100 where higher means riskier.
func computeFactors(attrs *catalog.PartData) model.FactorScores {
	return model.FactorScores{
		Lifecycle:    lifecycleFactor(attrs.LifecycleStatus),
		SupplyChain:  supplyChainFactor(attrs.StockQty, attrs.LeadTimeWeeks),
		Compliance:   complianceFactor(attrs.RoHS, attrs.REACH),
		Obsolescence: obsolescenceFactor(attrs.YearsToEOL, attrs.LifecycleStatus),
		SingleSource: singleSourceFactor(attrs.AlternateSources),
	}
}

// lifecycleFactor scores the part's production status.
func lifecycleFactor(status string) float64 {
	switch status {
	case catalog.LifecycleActive:
		return 0
	case catalog.LifecycleNRND:
		return 60
	case catalog.LifecycleEOL:
		return 85
	case catalog.LifecycleObsolete:
		return 100
	default:
		return 50 // neutral when the supplier reports nothing usable
	}
}

// supplyChainFactor scores availability from stock depth and lead time.
// Stock dominates: a deep buffer absorbs a long lead time better than the
// reverse.
func supplyChainFactor(stockQty, leadTimeWeeks int) float64 {
	var stock float64
	switch {
	case stockQty <= 0:
		stock = 100
	case stockQty < 100:
		stock = 80
	case stockQty < 1_000:
		stock = 50
	case stockQty < 10_000:
		stock = 25
	default:
		stock = 0
	}

	var lead float64
	switch {
	case leadTimeWeeks <= 0:
		lead = 0 // ships from stock
	case leadTimeWeeks <= 4:
		lead = 10
	case leadTimeWeeks <= 12:
		lead = 40
	case leadTimeWeeks <= 26:
		lead = 70
	default:
		lead = 100
	}

	return round2(stock*0.6 + lead*0.4)
}

// complianceFactor scores regulatory exposure from the RoHS and REACH flags.
func complianceFactor(rohs, reach bool) float64 {
	switch {
	case rohs && reach:
		return 0
	case rohs || reach:
		return 40
	default:
		return 90
	}
}

// obsolescenceFactor scores remaining market life. Parts already at or past
// end of life max out regardless of any published forecast.
func obsolescenceFactor(yearsToEOL *float64, status string) float64 {
	if status == catalog.LifecycleEOL || status == catalog.LifecycleObsolete {
		return 100
	}
	if yearsToEOL == nil {
		return 50 // neutral when the supplier publishes no forecast
	}
	switch v := *yearsToEOL; {
	case v <= 0:
		return 100
	case v < 1:
		return 90
	case v < 2:
		return 75
	case v < 5:
		return 45
	case v < 10:
		return 20
	default:
		return 5
	}
}

// singleSourceFactor scores sourcing concentration by the number of known
// alternate sources.
func singleSourceFactor(alternates int) float64 {
	switch {
	case alternates <= 0:
		return 100
	case alternates == 1:
		return 70
	case alternates == 2:
		return 45
	case alternates <= 4:
		return 25
	default:
		return 10
	}
}

// baseScore folds the factors through the profile weights. Weights sum to
// 100, so the result stays on the 0-100 scale.
func baseScore(f model.FactorScores, w model.FactorWeights) float64 {
	total := f.Lifecycle*float64(w.Lifecycle) +
		f.SupplyChain*float64(w.SupplyChain) +
		f.Compliance*float64(w.Compliance) +
		f.Obsolescence*float64(w.Obsolescence) +
		f.SingleSource*float64(w.SingleSource)
	return round2(total / 100)
}

// quantityMod raises risk for heavily consumed parts: at the default
// modifier weight of 30 the adjustment tops out at +15 points.
func quantityMod(quantity, weight int) float64 {
	var band float64
	switch {
	case quantity >= 10_000:
		band = 1.0
	case quantity >= 1_000:
		band = 0.75
	case quantity >= 100:
		band = 0.5
	case quantity >= 10:
		band = 0.25
	default:
		band = 0
	}
	return round2(band * float64(weight) / 2)
}

// leadTimeMod raises risk for long-lead parts: at the default weight of 40
// the adjustment tops out at +20 points.
func leadTimeMod(leadTimeWeeks, weight int) float64 {
	var band float64
	switch {
	case leadTimeWeeks > 26:
		band = 1.0
	case leadTimeWeeks > 12:
		band = 0.6
	case leadTimeWeeks > 8:
		band = 0.35
	case leadTimeWeeks > 4:
		band = 0.15
	default:
		band = 0
	}
	return round2(band * float64(weight) / 2)
}

// criticalityMod raises risk for designer-flagged items: at the default
// weight of 30 a critical item gains +15 points, a high one +7.5.
func criticalityMod(c model.Criticality, weight int) float64 {
	var band float64
	switch c {
	case model.CriticalityCritical:
		band = 1.0
	case model.CriticalityHigh:
		band = 0.5
	default:
		band = 0
	}
	return round2(band * float64(weight) / 2)
}

// alternateReduction lowers risk when substitutes exist. The reduction is
// fixed rather than profile-weighted: substitutability is a property of the
// part, not of the tenant's appetite.
func alternateReduction(alternates int) float64 {
	switch {
	case alternates >= 3:
		return 10
	case alternates == 2:
		return 6
	case alternates == 1:
		return 3
	default:
		return 0
	}
}

// contextualScore adjusts a base score for one line item in its job context
// and buckets it against the owning tenant's thresholds.
func contextualScore(item *model.LineItem, base float64, profile *model.RiskProfile) model.ContextualRiskScore {
	attrs := item.Attributes
	sc := model.ContextualRiskScore{
		JobID:          item.JobID,
		LineItemID:     item.ID,
		TenantID:       profile.TenantID,
		BaseScore:      base,
		QuantityMod:    quantityMod(item.Quantity, profile.Modifiers.Quantity),
		CriticalityMod: criticalityMod(item.Criticality, profile.Modifiers.Criticality),
	}
	if attrs != nil {
		sc.LeadTimeMod = leadTimeMod(attrs.LeadTimeWeeks, profile.Modifiers.LeadTime)
		sc.AlternateReduction = alternateReduction(attrs.AlternateSources)
	}
	sc.Score = clamp(round2(base+sc.QuantityMod+sc.LeadTimeMod+sc.CriticalityMod-sc.AlternateReduction), 0, 100)
	sc.RiskLevel = profile.LevelFor(sc.Score)
	return sc
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
