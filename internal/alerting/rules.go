package alerting

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kubilitics/churnwatch/internal/models"
)

// DefaultRuleName is the rule the monitor creates when none exist.
const DefaultRuleName = "Default Churn Monitoring"

// RuleDefaults seeds the default alert rule.
type RuleDefaults struct {
	ChurnThreshold          float64
	SuddenIncreaseThreshold float64
	Recipients              string
	CheckFrequencyMinutes   int
	CooldownHours           int
}

// DefaultRule builds the standard churn monitoring rule.
func DefaultRule(d RuleDefaults) *models.AlertRule {
	if d.ChurnThreshold <= 0 {
		d.ChurnThreshold = 0.32
	}
	if d.SuddenIncreaseThreshold <= 0 {
		d.SuddenIncreaseThreshold = 0.10
	}
	if d.CheckFrequencyMinutes <= 0 {
		d.CheckFrequencyMinutes = 60
	}
	if d.CooldownHours <= 0 {
		d.CooldownHours = 24
	}
	return &models.AlertRule{
		Name:                    DefaultRuleName,
		Description:             "Standard churn risk monitoring with threshold and sudden increase detection",
		Active:                  true,
		ChurnThreshold:          d.ChurnThreshold,
		SuddenIncreaseThreshold: d.SuddenIncreaseThreshold,
		SendEmail:               true,
		EmailRecipients:         d.Recipients,
		CheckFrequencyMinutes:   d.CheckFrequencyMinutes,
		CooldownHours:           d.CooldownHours,
	}
}

// CheckAlertConditions evaluates rule against a fresh prediction for c. The
// customer still carries the probability from before the prediction, which
// becomes the previous value.
func CheckAlertConditions(c *models.Customer, rule *models.AlertRule, p models.Prediction) []models.ChurnAlert {
	previous := c.CurrentChurnProbability
	current := p.ChurnProbability
	change := current - previous

	base := models.ChurnAlert{
		CustomerID:          c.ID,
		Status:              models.ChurnAlertActive,
		ChurnProbability:    current,
		PreviousProbability: previous,
		ProbabilityChange:   change,
		SegmentID:           p.SegmentID,
	}

	var alerts []models.ChurnAlert
	if current >= rule.ChurnThreshold && previous < rule.ChurnThreshold {
		a := base
		a.AlertType = models.ChurnThresholdBreach
		a.Priority = models.PriorityHigh
		a.Title = "Churn Risk Threshold Breached - " + c.Name
		a.Message = fmt.Sprintf("Customer %s has crossed the churn risk threshold. Current risk: %s, Threshold: %s",
			c.Name, percent(current), percent(rule.ChurnThreshold))
		alerts = append(alerts, a)
	}

	if change >= rule.SuddenIncreaseThreshold {
		a := base
		a.AlertType = models.ChurnSuddenIncrease
		a.Priority = models.PriorityHigh
		if current >= rule.ChurnThreshold {
			a.Priority = models.PriorityCritical
		}
		a.Title = "Sudden Churn Risk Increase - " + c.Name
		a.Message = fmt.Sprintf("Customer %s shows a sudden increase in churn risk. Risk jumped from %s to %s (+%s)",
			c.Name, percent(previous), percent(current), percent(change))
		alerts = append(alerts, a)
	}

	if p.SegmentID == models.TopValueSegment && current >= rule.ChurnThreshold {
		a := base
		a.AlertType = models.ChurnCriticalCustomer
		a.Priority = models.PriorityCritical
		a.Title = "Critical Customer at Risk - " + c.Name
		a.Message = fmt.Sprintf("High-value customer %s is at critical churn risk. Immediate intervention required. Risk: %s, Value Score: %s",
			c.Name, percent(current), strconv.FormatFloat(p.ValueScore, 'f', -1, 64))
		alerts = append(alerts, a)
	}
	return alerts
}

var segmentActions = map[int]string{
	1: "• Call customer immediately\n• Offer premium retention package\n• Assign dedicated account manager",
	2: "• Send automated retention email\n• Offer discount or coupon\n• Monitor for 30 days",
	3: "• Send appreciation message\n• Offer loyalty rewards\n• Encourage referrals",
	4: "• Send educational content\n• Provide usage tips\n• Monitor engagement",
}

// RecommendedActions lists follow-ups for a customer segment.
func RecommendedActions(segmentID int) string {
	if a, ok := segmentActions[segmentID]; ok {
		return a
	}
	return "• Review customer profile\n• Contact customer service team"
}

// NotificationSubject is the subject line of a churn alert notification.
func NotificationSubject(a *models.ChurnAlert) string {
	return "Churn Alert: " + a.Title
}

// NotificationBody renders the churn alert notification text.
func NotificationBody(c *models.Customer, a *models.ChurnAlert) string {
	var b strings.Builder
	b.WriteString("Churn Alert Details:\n")
	fmt.Fprintf(&b, "- Customer: %s (%s)\n", c.Name, c.ExternalID)
	fmt.Fprintf(&b, "- Alert Type: %s\n", displayName(string(a.AlertType)))
	fmt.Fprintf(&b, "- Priority: %s\n", displayName(string(a.Priority)))
	fmt.Fprintf(&b, "- Current Churn Risk: %s\n", percent(a.ChurnProbability))
	fmt.Fprintf(&b, "- Previous Risk: %s\n", percent(a.PreviousProbability))
	fmt.Fprintf(&b, "- Change: %+.1f%%\n", a.ProbabilityChange*100)
	fmt.Fprintf(&b, "\nMessage: %s\n", a.Message)
	fmt.Fprintf(&b, "\nRecommended Actions:\n%s\n", RecommendedActions(a.SegmentID))
	b.WriteString("\nView full details in the admin dashboard.\n")
	return b.String()
}

func percent(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

// displayName turns "threshold_breach" into "Threshold Breach".
func displayName(s string) string {
	words := strings.Split(s, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
