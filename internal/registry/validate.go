package registry

import (
	"fmt"
	"strings"

	"github.com/abhisek/focuscoach/internal/methodology"
)

// validateDefinitions performs all structural checks on a trigger set and
// returns every problem found.
func validateDefinitions(defs []Definition) []string {
	var errs []string
	seen := make(map[string]bool, len(defs))

	for _, d := range defs {
		prefix := fmt.Sprintf("trigger %q", d.ID)

		if d.ID == "" {
			errs = append(errs, "trigger with empty id")
		} else if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("duplicate trigger id: %q", d.ID))
		}
		seen[d.ID] = true

		if IsUnlockID(d.ID) {
			errs = append(errs, fmt.Sprintf("%s: id prefix %q is reserved", prefix, UnlockPrefix))
		}
		if !d.Methodology.IsTriggerNamespace() {
			errs = append(errs, fmt.Sprintf("%s: unknown methodology %q", prefix, d.Methodology))
		}
		if d.Related != "" && !d.Related.IsValid() {
			errs = append(errs, fmt.Sprintf("%s: unknown related methodology %q", prefix, d.Related))
		}
		if d.Related != "" && !d.IsCross() {
			errs = append(errs, fmt.Sprintf("%s: related is only allowed on %s triggers", prefix, methodology.Cross))
		}
		if !d.Channel.Valid() {
			errs = append(errs, fmt.Sprintf("%s: invalid channel %q", prefix, d.Channel))
		}
		if d.Cooldown < 0 {
			errs = append(errs, fmt.Sprintf("%s: cooldown must be >= 0, got %s", prefix, d.Cooldown))
		}
		if d.MaxPerDay < 0 {
			errs = append(errs, fmt.Sprintf("%s: max_per_day must be >= 0, got %d", prefix, d.MaxPerDay))
		}
		if !d.Gate.valid() {
			errs = append(errs, fmt.Sprintf("%s: invalid gate %q", prefix, d.Gate))
		}
		if d.Condition == nil {
			errs = append(errs, fmt.Sprintf("%s: missing condition", prefix))
		}
	}
	return errs
}

func joinLines(errs []string) string {
	return strings.Join(errs, "\n  ")
}
