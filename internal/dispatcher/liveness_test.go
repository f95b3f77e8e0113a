package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"octopilot/internal/domain"
)

func TestLivenessStartsLostUntilSeen(t *testing.T) {
	l := NewLiveness([]string{"a", "b"}, LivenessConfig{DegradedAfter: 3 * time.Second, LostAfter: 5 * time.Second})
	assert.Zero(t, l.ReachableCount())

	now := time.Now()
	tr, changed := l.Seen("a", now)
	require.True(t, changed)
	assert.Equal(t, Transition{AgentID: "a", From: domain.ConnLost, To: domain.ConnConnected}, tr)
	_, changed = l.Seen("a", now.Add(time.Second))
	assert.False(t, changed)
	assert.Equal(t, 1, l.ReachableCount())

	_, changed = l.Seen("ghost", now)
	assert.False(t, changed)
}

// An agent that stops talking must be reported lost by the first check after
// the lost timeout, so within one heartbeat interval of it.
func TestLivenessReportsLostWithinOneInterval(t *testing.T) {
	interval := time.Second
	l := NewLiveness([]string{"a"}, LivenessConfig{DegradedAfter: 3 * interval, LostAfter: 5 * interval})
	start := time.Now()
	l.Seen("a", start)

	var degradedAt, lostAt time.Duration
	for i := 1; i <= 10 && lostAt == 0; i++ {
		at := time.Duration(i) * interval
		for _, tr := range l.Check(start.Add(at)) {
			switch tr.To {
			case domain.ConnDegraded:
				degradedAt = at
			case domain.ConnLost:
				lostAt = at
			}
		}
	}
	assert.Equal(t, 4*interval, degradedAt)
	assert.Equal(t, 6*interval, lostAt)
	assert.LessOrEqual(t, lostAt-5*interval, interval)
	assert.False(t, l.Reachable("a"))
}

func TestLivenessDegradedIsStillReachable(t *testing.T) {
	l := NewLiveness([]string{"a"}, LivenessConfig{DegradedAfter: time.Second, LostAfter: 5 * time.Second})
	start := time.Now()
	l.Seen("a", start)

	trs := l.Check(start.Add(2 * time.Second))
	require.Len(t, trs, 1)
	assert.Equal(t, domain.ConnDegraded, trs[0].To)
	assert.True(t, l.Reachable("a"))

	tr, changed := l.Seen("a", start.Add(3*time.Second))
	require.True(t, changed)
	assert.Equal(t, domain.ConnDegraded, tr.From)
}

func TestLivenessFaultAndGoodbye(t *testing.T) {
	l := NewLiveness([]string{"a", "b"}, LivenessConfig{DegradedAfter: time.Second, LostAfter: 2 * time.Second})
	now := time.Now()
	l.Seen("a", now)
	l.Seen("b", now)

	l.SetFaulted("a", true)
	assert.False(t, l.Reachable("a"))
	assert.Equal(t, domain.ConnConnected, l.Status("a"))
	l.SetFaulted("a", false)
	assert.True(t, l.Reachable("a"))

	tr, changed := l.MarkLost("b")
	require.True(t, changed)
	assert.Equal(t, domain.ConnLost, tr.To)
	_, changed = l.MarkLost("b")
	assert.False(t, changed)
	assert.Equal(t, 1, l.ReachableCount())
}

func TestLivenessRebindKeepsKnownAgents(t *testing.T) {
	l := NewLiveness([]string{"a", "b"}, LivenessConfig{DegradedAfter: time.Second, LostAfter: 2 * time.Second})
	l.Seen("a", time.Now())

	next := l.Rebind([]string{"a", "c"})
	snap := next.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].AgentID)
	assert.Equal(t, domain.ConnConnected, snap[0].Status)
	assert.Equal(t, "c", snap[1].AgentID)
	assert.Equal(t, domain.ConnLost, snap[1].Status)
}
