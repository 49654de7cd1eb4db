package memory

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxSectionObservations caps the simple-append path: once a section holds
// this many observations, further appends are dropped.
const MaxSectionObservations = 5

const observedBehaviorsHeader = "## Observed Behaviors"

// TimestampFormat is the layout of the Last Updated trailer line.
const TimestampFormat = "2006-01-02 15:04:05"

var lastUpdatedRe = regexp.MustCompile(`## Last Updated\n- [^\n]*`)

// isPlaceholderBullet reports whether a bullet line is template filler.
func isPlaceholderBullet(line string) bool {
	for _, p := range Placeholders {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

// CountObservations counts real observation bullets in the whole document,
// skipping placeholder bullets and the Last Updated trailer.
func CountObservations(content string) int {
	count := 0
	inLastUpdated := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "#") {
			inLastUpdated = strings.Contains(line, "Last Updated")
			continue
		}
		if inLastUpdated {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") && !isPlaceholderBullet(trimmed) {
			count++
		}
	}
	return count
}

// countSectionObservations counts real bullets inside one section.
func countSectionObservations(content, header string) int {
	count := 0
	inSection := false
	for _, line := range strings.Split(content, "\n") {
		if strings.Contains(line, header) {
			inSection = true
			continue
		}
		if inSection && strings.HasPrefix(line, "##") {
			break
		}
		trimmed := strings.TrimSpace(line)
		if inSection && strings.HasPrefix(trimmed, "- ") && !isPlaceholderBullet(trimmed) {
			count++
		}
	}
	return count
}

// CountPlaceholders counts placeholder bullet occurrences.
func CountPlaceholders(content string) int {
	return strings.Count(content, PlaceholderNoPatterns)
}

// SimpleAppend inserts a new observation bullet without LLM involvement.
// Returns the updated content and whether anything changed.
func SimpleAppend(content, observation string) (string, bool) {
	bullet := "- " + observation

	// A pending placeholder absorbs the first real observation
	if strings.Contains(content, PlaceholderNoPatterns) {
		return strings.Replace(content, "- "+PlaceholderNoPatterns, bullet, 1), true
	}

	if strings.Contains(content, observedBehaviorsHeader) {
		if countSectionObservations(content, observedBehaviorsHeader) >= MaxSectionObservations {
			return content, false
		}
		lines := strings.Split(content, "\n")
		out := make([]string, 0, len(lines)+1)
		inserted := false
		for _, line := range lines {
			out = append(out, line)
			if !inserted && strings.Contains(line, observedBehaviorsHeader) {
				out = append(out, bullet)
				inserted = true
			}
		}
		return strings.Join(out, "\n"), true
	}

	if CountObservations(content) >= MaxSectionObservations {
		return content, false
	}
	return content + "\n\n" + observedBehaviorsHeader + "\n" + bullet + "\n", true
}

// StampLastUpdated ensures a single Last Updated trailer carrying the given
// time, replacing any prior timestamp.
func StampLastUpdated(content string, now time.Time) string {
	stamp := fmt.Sprintf("## Last Updated\n- %s", now.Format(TimestampFormat))
	if lastUpdatedRe.MatchString(content) {
		return lastUpdatedRe.ReplaceAllString(content, stamp)
	}
	return content + "\n\n" + stamp
}
