package trial

import (
	"errors"
	"math/rand/v2"

	"octopilot/internal/domain"
)

var ErrNoReachablePort = errors.New("no reachable port")

// Chooser picks the goal and rewarded ports of each trial.
type Chooser struct {
	ports  []domain.PortSpec
	policy domain.RewardPolicy
	rng    *rand.Rand
	prev   string
}

func NewChooser(spec domain.TaskSpec, rng *rand.Rand) *Chooser {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Chooser{ports: spec.Ports, policy: spec.RewardPolicy, rng: rng}
}

// Choose returns the goal port and the rewarded ports for the next trial.
// With a fixed policy every listed port is rewarded on every trial. Otherwise
// the goal is drawn among ports of reachable agents, never repeating the
// previous goal, and every port within the reward radius of it is rewarded
// except the previous goal.
func (c *Chooser) Choose(reachable func(agentID string) bool) (string, []string, error) {
	if len(c.policy.FixedPorts) > 0 {
		rewarded := append([]string(nil), c.policy.FixedPorts...)
		c.prev = rewarded[0]
		return rewarded[0], rewarded, nil
	}

	candidates := make([]int, 0, len(c.ports))
	for i, p := range c.ports {
		if reachable(p.AgentID) && p.Name != c.prev {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		for i, p := range c.ports {
			if reachable(p.AgentID) {
				candidates = append(candidates, i)
			}
		}
	}
	if len(candidates) == 0 {
		return "", nil, ErrNoReachablePort
	}

	goalIdx := candidates[c.rng.IntN(len(candidates))]
	goal := c.ports[goalIdx].Name

	n := len(c.ports)
	radius := min(c.policy.Radius, n/2)
	rewarded := []string{goal}
	seen := map[string]bool{goal: true}
	for d := 1; d <= radius; d++ {
		for _, idx := range []int{(goalIdx + d) % n, (goalIdx - d + n) % n} {
			name := c.ports[idx].Name
			if name != c.prev && !seen[name] {
				seen[name] = true
				rewarded = append(rewarded, name)
			}
		}
	}
	c.prev = goal
	return goal, rewarded, nil
}
