// Package worldmodel holds the local action-safety classifier. Before a
// risky blueprint click the worker can score the action text and refuse
// anything that looks destructive or account-altering.
package worldmodel

import "strings"

type (
	// Assessment is the classifier's verdict on one action.
	Assessment struct {
		// Risk is in [0,1].
		Risk float64
		// Dangerous is true when Risk exceeds the threshold.
		Dangerous bool
		// Indicators lists the matched risk patterns.
		Indicators []string
	}

	// Classifier scores action descriptions against pattern lists.
	Classifier struct {
		dangerous []string
		safe      []string
		threshold float64
	}
)

// dangerThreshold is the risk above which an action is refused.
const dangerThreshold = 0.5

// dangerousPatterns mark actions that change account state or spend money.
var dangerousPatterns = []string{
	"delete", "remove", "unsubscribe", "deactivate", "close account",
	"logout", "log out", "sign out", "report", "block",
	"purchase", "buy now", "pay", "checkout", "subscribe",
	"confirm payment", "upgrade", "grant", "authorize",
}

// safePatterns mark ordinary read-and-navigate actions.
var safePatterns = []string{
	"search", "next", "previous", "view", "show more", "expand",
	"profile", "details", "back", "close dialog", "accept cookies",
	"scroll", "open", "filter", "sort",
}

// NewClassifier creates a Classifier with the default pattern lists.
func NewClassifier() *Classifier {
	return &Classifier{
		dangerous: dangerousPatterns,
		safe:      safePatterns,
		threshold: dangerThreshold,
	}
}

// Assess scores an action description. Each dangerous pattern raises the
// risk, each safe pattern lowers it; the result clamps to [0,1].
func (c *Classifier) Assess(action string) Assessment {
	lower := strings.ToLower(action)

	risk := 0.0
	var indicators []string
	for _, p := range c.dangerous {
		if strings.Contains(lower, p) {
			risk += 0.6
			indicators = append(indicators, p)
		}
	}
	for _, p := range c.safe {
		if strings.Contains(lower, p) {
			risk -= 0.25
		}
	}
	if risk < 0 {
		risk = 0
	}
	if risk > 1 {
		risk = 1
	}
	return Assessment{
		Risk:       risk,
		Dangerous:  risk > c.threshold,
		Indicators: indicators,
	}
}
