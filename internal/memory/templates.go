package memory

import "fmt"

// Placeholder markers. Bullets carrying one of these are template filler,
// not real observations.
const (
	PlaceholderNoPatterns = "[No patterns recorded yet]"
	PlaceholderAmount     = "[AMOUNT]"
	PlaceholderEmpty      = "[ ]"
)

// Placeholders lists every marker the observation counter ignores.
var Placeholders = []string{PlaceholderNoPatterns, PlaceholderAmount, PlaceholderEmpty}

const goalsTemplate = `# My Financial Goals

## Current Goals
- [No patterns recorded yet]

## Savings Targets
- [No patterns recorded yet]
`

const budgetTemplate = `# Budget

## Monthly Spending Limits
- Total monthly budget: [AMOUNT]
- Single purchase threshold: [AMOUNT]
- Sensitivity: [ ]
`

const stateTemplate = `# Financial State

## Financial Overview
- Current balance: [AMOUNT]
- [No patterns recorded yet]
`

const behaviorTemplate = `# Behavior Patterns

## Observed Behaviors
- [No patterns recorded yet]
`

// Template returns the reset template for a memory file.
func Template(name string) string {
	switch name {
	case FileGoals:
		return goalsTemplate
	case FileBudget:
		return budgetTemplate
	case FileState:
		return stateTemplate
	case FileBehavior:
		return behaviorTemplate
	default:
		return ""
	}
}

// BudgetTemplate renders Budget.md with interpolated preference values.
func BudgetTemplate(budget, threshold float64, sensitivity string) string {
	return fmt.Sprintf(`# Budget

## Monthly Spending Limits
- Total monthly budget: $%.2f
- Single purchase threshold: $%.2f
- Sensitivity: %s
`, budget, threshold, sensitivity)
}
