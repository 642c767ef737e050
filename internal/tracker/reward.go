package tracker

const (
	rewardRetain = 2000
	rewardMean   = 200
)

// RewardMeter keeps the most recent per-step rewards for the mean reward
// shown in progress lines and telemetry.
type RewardMeter struct {
	values []float64
}

// Add records the rewards of one tick.
func (m *RewardMeter) Add(rewards ...float64) {
	m.values = append(m.values, rewards...)
	if over := len(m.values) - rewardRetain; over > 0 {
		m.values = append(m.values[:0], m.values[over:]...)
	}
}

// Len returns the number of retained rewards.
func (m *RewardMeter) Len() int { return len(m.values) }

// Mean returns the mean of the last 200 rewards, or 0 when empty.
func (m *RewardMeter) Mean() float64 {
	n := len(m.values)
	if n == 0 {
		return 0
	}
	recent := m.values[n-min(rewardMean, n):]
	var total float64
	for _, v := range recent {
		total += v
	}
	return total / float64(len(recent))
}
