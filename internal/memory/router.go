package memory

import "strings"

// Keyword routing tables. Lowercased substring match, first match wins.
var (
	goalKeywords   = []string{"goal", "objective", "plan", "aspiration", "saving for", "want to", "aim to"}
	budgetKeywords = []string{"budget", "limit", "allowance", "exceeded", "over budget", "monthly limit", "category limit"}
	stateKeywords  = []string{"balance", "account", "income", "savings", "wealth", "financial state", "net worth"}
)

// RouteUpdate picks the memory file that should receive an update. Updates
// that match no keyword table land in Behavior.md, the home of spending
// patterns and preferences.
func RouteUpdate(update string) string {
	lower := strings.ToLower(update)

	for _, kw := range goalKeywords {
		if strings.Contains(lower, kw) {
			return FileGoals
		}
	}
	for _, kw := range budgetKeywords {
		if strings.Contains(lower, kw) {
			return FileBudget
		}
	}
	for _, kw := range stateKeywords {
		if strings.Contains(lower, kw) {
			return FileState
		}
	}
	return FileBehavior
}
