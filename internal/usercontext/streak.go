package usercontext

var streakMilestones = []int{5, 10, 15, 20}

// NextStreakMilestone returns the next streak milestone above the current
// streak length.
func NextStreakMilestone(current int) int {
	for _, t := range streakMilestones {
		if t > current {
			return t
		}
	}
	// Beyond 20, every 5.
	return ((current / 5) + 1) * 5
}

// IsStreakMilestone reports whether streak sits exactly on a milestone.
func IsStreakMilestone(streak int) bool {
	return streak > 0 && streak%5 == 0
}
