package game

const DefaultBasePoints = 1000

// Score maps correctness and answer speed to points. A correct answer earns
// between basePoints/2 (at or past the time limit) and basePoints (instant).
// Incorrect or missing answers earn nothing.
func Score(correct bool, responseTimeMS, maxTimeMS float64, basePoints int) int {
	if !correct || maxTimeMS <= 0 {
		if !correct {
			return 0
		}
		return basePoints
	}

	if responseTimeMS > maxTimeMS {
		responseTimeMS = maxTimeMS
	}
	if responseTimeMS < 0 {
		responseTimeMS = 0
	}

	speedFactor := 1 - (responseTimeMS/maxTimeMS)/2
	points := int(float64(basePoints) * speedFactor)

	if floor := basePoints / 2; points < floor {
		points = floor
	}
	return points
}

// TimeBonusPercent reports how much of the window was left when the answer
// arrived, for display next to the score.
func TimeBonusPercent(responseTimeMS, maxTimeMS float64) int {
	if maxTimeMS <= 0 || responseTimeMS >= maxTimeMS {
		return 0
	}
	pct := int((1 - responseTimeMS/maxTimeMS) * 100)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
