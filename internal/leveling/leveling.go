// Package leveling maps accumulated experience to a level through a fixed
// progressive-cost formula: the first level-up costs 100 experience and each
// subsequent tier costs 1.5x the previous one, floored to an integer.
package leveling

const (
	baseRequirement   = 100
	growthNumerator   = 3
	growthDenominator = 2
)

// ForExperience returns the level earned by the given experience total.
// Negative input is treated as zero. The result is deterministic and
// non-decreasing in experience.
func ForExperience(experience int64) int {
	level, _, _ := Progress(experience)
	return level
}

// Progress returns the level for the given experience total together with
// the experience already spent inside the current tier and the tier's full
// requirement. The remainder satisfies 0 <= into < requirement.
func Progress(experience int64) (level int, into int64, requirement int64) {
	if experience < 0 {
		experience = 0
	}
	level = 1
	requirement = baseRequirement
	for experience >= requirement {
		experience -= requirement
		level++
		requirement = requirement * growthNumerator / growthDenominator
	}
	return level, experience, requirement
}
