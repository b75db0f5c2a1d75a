package anomaly

import (
	"fmt"

	"github.com/kubilitics/churnwatch/internal/analytics/features"
	"github.com/kubilitics/churnwatch/internal/models"
)

const (
	loginDropRatio        = 0.5
	loginDropHighRatio    = 0.2
	purchaseDropRatio     = 0.3
	purchaseCriticalRatio = 0.1
	problemSpikeCount     = 2
	cartAbandonSpikeCount = 3
)

// AnalyzeDeviations compares the current vector with the baseline. Every rule
// is evaluated independently, so several findings may be returned.
func AnalyzeDeviations(current features.Vector, baseline *models.BehaviorBaseline) []models.Finding {
	var findings []models.Finding

	if baseline != nil && baseline.AvgLoginsPerDay > 0 {
		weekly := baseline.WeeklyLogins()
		ratio := current.LoginFrequency / weekly
		if ratio < loginDropRatio {
			sev := models.SeverityMedium
			if ratio < loginDropHighRatio {
				sev = models.SeverityHigh
			}
			findings = append(findings, models.Finding{
				Type:          models.AlertLoginDrop,
				Severity:      sev,
				Description:   fmt.Sprintf("Login frequency dropped by %.1f%%", (1-ratio)*100),
				CurrentValue:  current.LoginFrequency,
				BaselineValue: weekly,
			})
		}
	}

	if baseline != nil && baseline.AvgPurchasesPerWeek > 0 {
		ratio := current.PurchaseFrequency / baseline.AvgPurchasesPerWeek
		if ratio < purchaseDropRatio {
			sev := models.SeverityHigh
			if ratio < purchaseCriticalRatio {
				sev = models.SeverityCritical
			}
			findings = append(findings, models.Finding{
				Type:          models.AlertPurchaseDrop,
				Severity:      sev,
				Description:   fmt.Sprintf("Purchase frequency dropped by %.1f%%", (1-ratio)*100),
				CurrentValue:  current.PurchaseFrequency,
				BaselineValue: baseline.AvgPurchasesPerWeek,
			})
		}
	}

	if current.ProblemFrequency > problemSpikeCount {
		findings = append(findings, models.Finding{
			Type:          models.AlertProblemSpike,
			Severity:      models.SeverityHigh,
			Description:   fmt.Sprintf("Unusual number of problems: %d events", int(current.ProblemFrequency)),
			CurrentValue:  current.ProblemFrequency,
			BaselineValue: 0,
		})
	}

	if current.CartAbandonFrequency > cartAbandonSpikeCount {
		findings = append(findings, models.Finding{
			Type:          models.AlertCartAbandonSpike,
			Severity:      models.SeverityMedium,
			Description:   fmt.Sprintf("High cart abandonment: %d events", int(current.CartAbandonFrequency)),
			CurrentValue:  current.CartAbandonFrequency,
			BaselineValue: 1,
		})
	}

	return findings
}
