package trial

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"octopilot/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testSpec(rewarded ...string) domain.TaskSpec {
	spec := domain.TaskSpec{
		ArenaID: "arena-1",
		Sounds: []domain.SoundSpec{
			{ID: "tone", Params: map[string]float64{"center_freq": 5000}},
			{ID: "noise"},
		},
		Reward:       domain.RewardSpec{Duration: 50 * time.Millisecond, Value: 1},
		RewardPolicy: domain.RewardPolicy{FixedPorts: rewarded},
		Timing: domain.Timing{
			PokeDebounce:          50 * time.Millisecond,
			ResponseTimeout:       5 * time.Second,
			MinInterTrialInterval: time.Second,
			FeedbackDuration:      500 * time.Millisecond,
		},
		MinReachableAgents: 3,
	}
	for i, slot := range domain.Orientations {
		id := "a" + string(rune('1'+i))
		spec.Agents = append(spec.Agents, domain.AgentSpec{ID: id, Orientation: slot, LeftPort: id + "_L", RightPort: id + "_R"})
		spec.Ports = append(spec.Ports,
			domain.PortSpec{Name: id + "_L", AgentID: id, Channel: domain.ChannelLeft, SoundID: "tone"},
			domain.PortSpec{Name: id + "_R", AgentID: id, Channel: domain.ChannelRight, SoundID: "tone"},
		)
	}
	return spec
}

func poke(agent string, ch domain.Channel, trial int, ts time.Time) domain.PokeEvent {
	return domain.PokeEvent{AgentID: agent, Channel: ch, Edge: domain.EdgeIn, Timestamp: ts, Trial: trial}
}

func countType(out Output, typ domain.CommandType) int {
	n := 0
	for _, d := range out.Commands {
		if d.Command.Type == typ {
			n++
		}
	}
	return n
}

func TestStartArmsEveryAgent(t *testing.T) {
	m := New(testSpec("a1_L"), "s1", nil)
	out := m.Start(t0)

	require.Len(t, out.Commands, 4)
	for _, d := range out.Commands {
		assert.Equal(t, domain.CommandArm, d.Command.Type)
		assert.Equal(t, 1, d.Command.Trial)
		assert.Equal(t, []domain.Channel{domain.ChannelLeft, domain.ChannelRight}, d.Command.Channels)
	}
	assert.Equal(t, domain.TrialArmed, m.State())
	assert.Equal(t, 1, m.Trial())
}

func TestHitOnRewardedPort(t *testing.T) {
	m := New(testSpec("a1_L"), "s1", nil)
	m.Start(t0)

	ts := t0.Add(200 * time.Millisecond)
	out := m.Poke(poke("a1", domain.ChannelLeft, 1, ts), ts)
	assert.True(t, out.Empty(), "resolution waits for the debounce window")

	out = m.Tick(ts.Add(50 * time.Millisecond))
	require.Len(t, out.Records, 1)
	rec := out.Records[0]
	assert.Equal(t, domain.OutcomeHit, rec.Outcome)
	assert.Equal(t, "a1_L", rec.GoalPort)
	assert.Equal(t, "tone", rec.SoundID)
	require.Len(t, rec.Pokes, 1)
	assert.Equal(t, ts, rec.Pokes[0].Timestamp)

	assert.Equal(t, 1, countType(out, domain.CommandPlaySound))
	assert.Equal(t, 1, countType(out, domain.CommandOpenReward))
	assert.Equal(t, 3, countType(out, domain.CommandDisarm))
	for _, d := range out.Commands {
		switch d.Command.Type {
		case domain.CommandOpenReward:
			assert.Equal(t, "a1", d.AgentID)
			assert.Equal(t, domain.ChannelLeft, d.Command.Channel)
			assert.Equal(t, 50*time.Millisecond, d.Command.Duration)
		case domain.CommandDisarm:
			assert.NotEqual(t, "a1", d.AgentID)
		}
	}
	assert.Equal(t, domain.TrialSoundPlaying, m.State())

	out = m.Tick(ts.Add(549 * time.Millisecond))
	assert.True(t, out.Empty())
	assert.Equal(t, domain.TrialSoundPlaying, m.State())

	m.Tick(ts.Add(550 * time.Millisecond))
	assert.Equal(t, domain.TrialInterTrial, m.State())

	out = m.Tick(ts.Add(1550 * time.Millisecond))
	assert.Equal(t, domain.TrialArmed, m.State())
	assert.Equal(t, 4, countType(out, domain.CommandArm))
	assert.Equal(t, 2, m.Trial())
}

func TestTimeoutWithoutPoke(t *testing.T) {
	m := New(testSpec("a1_L"), "s1", nil)
	m.Start(t0)

	out := m.Tick(t0.Add(4999 * time.Millisecond))
	assert.True(t, out.Empty())

	out = m.Tick(t0.Add(5 * time.Second))
	require.Len(t, out.Records, 1)
	assert.Equal(t, domain.OutcomeTimeout, out.Records[0].Outcome)
	assert.Zero(t, countType(out, domain.CommandPlaySound))
	assert.Zero(t, countType(out, domain.CommandOpenReward))
	assert.Equal(t, 4, countType(out, domain.CommandDisarm))
	assert.Equal(t, domain.TrialInterTrial, m.State())
}

func TestMissGoesToInterTrial(t *testing.T) {
	m := New(testSpec("a1_L"), "s1", nil)
	m.Start(t0)

	ts := t0.Add(time.Second)
	m.Poke(poke("a1", domain.ChannelRight, 1, ts), ts)
	out := m.Tick(ts.Add(time.Second))

	require.Len(t, out.Records, 1)
	assert.Equal(t, domain.OutcomeMiss, out.Records[0].Outcome)
	assert.Zero(t, countType(out, domain.CommandOpenReward))
	assert.Zero(t, countType(out, domain.CommandPlaySound))
	assert.Equal(t, 4, countType(out, domain.CommandDisarm))
	assert.Equal(t, domain.TrialInterTrial, m.State())
}

func TestMissPlaysErrorSound(t *testing.T) {
	spec := testSpec("a1_L")
	spec.ErrorSoundID = "noise"
	m := New(spec, "s1", nil)
	m.Start(t0)

	ts := t0.Add(time.Second)
	m.Poke(poke("a3", domain.ChannelLeft, 1, ts), ts)
	out := m.Tick(ts.Add(60 * time.Millisecond))

	require.Len(t, out.Records, 1)
	assert.Equal(t, domain.OutcomeMiss, out.Records[0].Outcome)
	assert.Equal(t, "noise", out.Records[0].SoundID)
	assert.Zero(t, countType(out, domain.CommandOpenReward))
	require.Equal(t, 1, countType(out, domain.CommandPlaySound))
	last := out.Commands[len(out.Commands)-1]
	assert.Equal(t, "a3", last.AgentID)
	assert.Equal(t, "noise", last.Command.SoundID)
	assert.Equal(t, domain.TrialSoundPlaying, m.State())
}

func TestOrderIndependentWithinDebounceWindow(t *testing.T) {
	early := poke("a2", domain.ChannelRight, 1, t0.Add(1010*time.Millisecond))
	late := poke("a1", domain.ChannelLeft, 1, t0.Add(1020*time.Millisecond))
	tie := poke("a1", domain.ChannelLeft, 1, t0.Add(1010*time.Millisecond))

	cases := map[string][][]domain.PokeEvent{
		"earliest wins": {{early, late}, {late, early}},
		"tie by agent":  {{early, tie}, {tie, early}},
	}
	for name, orders := range cases {
		t.Run(name, func(t *testing.T) {
			var outcomes []domain.Outcome
			var winners []string
			for _, order := range orders {
				m := New(testSpec("a1_L"), "s1", nil)
				m.Start(t0)
				arrival := t0.Add(1030 * time.Millisecond)
				for i, ev := range order {
					m.Poke(ev, arrival.Add(time.Duration(i)*10*time.Millisecond))
				}
				out := m.Tick(arrival.Add(100 * time.Millisecond))
				require.Len(t, out.Records, 1)
				outcomes = append(outcomes, out.Records[0].Outcome)
				winners = append(winners, out.Records[0].Reason)
			}
			assert.Equal(t, outcomes[0], outcomes[1])
			assert.Equal(t, winners[0], winners[1])
		})
	}
}

func TestTieGoesToLowerAgent(t *testing.T) {
	m := New(testSpec("a1_L"), "s1", nil)
	m.Start(t0)
	ts := t0.Add(time.Second)
	m.Poke(poke("a2", domain.ChannelLeft, 1, ts), ts)
	m.Poke(poke("a1", domain.ChannelLeft, 1, ts), ts.Add(5*time.Millisecond))

	out := m.Tick(ts.Add(time.Second))
	require.Len(t, out.Records, 1)
	assert.Equal(t, domain.OutcomeHit, out.Records[0].Outcome)
}

func TestDuplicatePokesCoalesce(t *testing.T) {
	m := New(testSpec("a1_L"), "s1", nil)
	m.Start(t0)
	ts := t0.Add(time.Second)
	m.Poke(poke("a1", domain.ChannelLeft, 1, ts), ts)
	m.Poke(poke("a1", domain.ChannelLeft, 1, ts.Add(20*time.Millisecond)), ts.Add(20*time.Millisecond))

	out := m.Tick(ts.Add(50 * time.Millisecond))
	require.Len(t, out.Records, 1)
	assert.Len(t, out.Records[0].Pokes, 1)
	assert.Equal(t, 1, countType(out, domain.CommandOpenReward))
}

func TestEarlierDuplicateRewritesPokeRecord(t *testing.T) {
	m := New(testSpec("a1_L"), "s1", nil)
	m.Start(t0)
	ts := t0.Add(time.Second)
	m.Poke(poke("a2", domain.ChannelRight, 1, ts.Add(10*time.Millisecond)), ts.Add(25*time.Millisecond))
	m.Poke(poke("a1", domain.ChannelLeft, 1, ts.Add(20*time.Millisecond)), ts.Add(30*time.Millisecond))
	m.Poke(poke("a1", domain.ChannelLeft, 1, ts), ts.Add(35*time.Millisecond))

	out := m.Tick(ts.Add(time.Second))
	require.Len(t, out.Records, 1)
	rec := out.Records[0]
	assert.Equal(t, domain.OutcomeHit, rec.Outcome)
	require.Len(t, rec.Pokes, 2)
	assert.Equal(t, "a1_L", rec.Pokes[0].Port)
	assert.True(t, rec.Pokes[0].Timestamp.Equal(ts), "record keeps the earliest timestamp")
	assert.Equal(t, "a2_R", rec.Pokes[1].Port)
}

func TestIgnoresStaleAndExitPokes(t *testing.T) {
	m := New(testSpec("a1_L"), "s1", nil)
	m.Start(t0)
	ts := t0.Add(time.Second)

	stale := poke("a1", domain.ChannelLeft, 0, ts)
	exit := poke("a1", domain.ChannelLeft, 1, ts)
	exit.Edge = domain.EdgeOut
	unknown := poke("a9", domain.ChannelLeft, 1, ts)

	for _, ev := range []domain.PokeEvent{stale, exit, unknown} {
		out := m.Poke(ev, ts)
		assert.True(t, out.Empty())
	}
	out := m.Tick(ts.Add(time.Second))
	assert.True(t, out.Empty())
	assert.Equal(t, domain.TrialArmed, m.State())
}

func TestLosingRewardedAgentAbortsTrial(t *testing.T) {
	m := New(testSpec("a1_L"), "s1", nil)
	m.Start(t0)

	out := m.AgentDown("a1", "lost", t0.Add(2*time.Second))
	require.Len(t, out.Records, 1)
	assert.Equal(t, domain.OutcomeAborted, out.Records[0].Outcome)
	assert.Equal(t, "a1 lost", out.Records[0].Reason)
	assert.Equal(t, 3, countType(out, domain.CommandDisarm))
	for _, d := range out.Commands {
		assert.NotEqual(t, "a1", d.AgentID)
	}
	assert.Equal(t, domain.TrialInterTrial, m.State())
	assert.Equal(t, 3, m.ReachableCount())
}

func TestLosingOtherAgentKeepsTrial(t *testing.T) {
	m := New(testSpec("a1_L"), "s1", nil)
	m.Start(t0)

	out := m.AgentDown("a4", "lost", t0.Add(2*time.Second))
	assert.True(t, out.Empty())
	assert.Equal(t, domain.TrialArmed, m.State())

	out = m.Tick(t0.Add(5 * time.Second))
	assert.Equal(t, 3, countType(out, domain.CommandDisarm))

	out = m.Tick(t0.Add(6 * time.Second))
	assert.Equal(t, 3, countType(out, domain.CommandArm))

	m.AgentUp("a4")
	assert.Equal(t, 4, m.ReachableCount())
}

func TestPauseHoldsAtTrialBoundary(t *testing.T) {
	m := New(testSpec("a1_L"), "s1", nil)
	m.Start(t0)
	m.Pause()

	m.Tick(t0.Add(5 * time.Second))
	out := m.Tick(t0.Add(10 * time.Second))
	assert.Zero(t, countType(out, domain.CommandArm))
	assert.Equal(t, domain.TrialAwaitingStart, m.State())

	out = m.Resume(t0.Add(11 * time.Second))
	assert.Equal(t, 4, countType(out, domain.CommandArm))
	assert.Equal(t, 2, m.Trial())
}

func TestStopAbortsArmedTrial(t *testing.T) {
	m := New(testSpec("a1_L"), "s1", nil)
	m.Start(t0)

	out := m.Stop(t0.Add(time.Second), "operator")
	require.Len(t, out.Records, 1)
	assert.Equal(t, domain.OutcomeAborted, out.Records[0].Outcome)
	assert.Equal(t, 4, countType(out, domain.CommandStop))
	assert.True(t, m.Done())
	assert.Equal(t, "operator", m.Reason())
}

func TestStopWaitsForReward(t *testing.T) {
	m := New(testSpec("a1_L"), "s1", nil)
	m.Start(t0)
	ts := t0.Add(time.Second)
	m.Poke(poke("a1", domain.ChannelLeft, 1, ts), ts)
	m.Tick(ts.Add(50 * time.Millisecond))
	require.Equal(t, domain.TrialSoundPlaying, m.State())

	out := m.Stop(ts.Add(100*time.Millisecond), "")
	assert.True(t, out.Empty())
	assert.False(t, m.Done())

	out = m.Tick(ts.Add(600 * time.Millisecond))
	assert.Equal(t, 4, countType(out, domain.CommandStop))
	assert.True(t, m.Done())
}

func TestMaxTrialsCompletesSession(t *testing.T) {
	spec := testSpec("a1_L")
	spec.MaxTrials = 1
	m := New(spec, "s1", nil)
	m.Start(t0)

	m.Tick(t0.Add(5 * time.Second))
	out := m.Tick(t0.Add(6 * time.Second))
	assert.True(t, m.Done())
	assert.Equal(t, "max trials reached", m.Reason())
	assert.Zero(t, countType(out, domain.CommandArm))
	assert.Equal(t, 4, countType(out, domain.CommandStop))
}

func TestMaxSessionDurationCompletesSession(t *testing.T) {
	spec := testSpec("a1_L")
	spec.MaxSessionDuration = 3 * time.Second
	m := New(spec, "s1", nil)
	m.Start(t0)

	m.Tick(t0.Add(5 * time.Second))
	assert.False(t, m.Done(), "armed trials run to their own end")
	m.Tick(t0.Add(6 * time.Second))
	assert.True(t, m.Done())
}

func TestChooserRadiusAndNoRepeat(t *testing.T) {
	spec := testSpec()
	spec.RewardPolicy.Radius = 1
	c := NewChooser(spec, rand.New(rand.NewPCG(1, 2)))
	all := func(string) bool { return true }

	prev := ""
	for range 50 {
		goal, rewarded, err := c.Choose(all)
		require.NoError(t, err)
		assert.NotEqual(t, prev, goal)
		assert.NotContains(t, rewarded, prev)
		assert.Equal(t, goal, rewarded[0])
		assert.LessOrEqual(t, len(rewarded), 3)
		prev = goal
	}
}

func TestChooserSkipsUnreachableAgents(t *testing.T) {
	c := NewChooser(testSpec(), rand.New(rand.NewPCG(3, 4)))
	onlyA3 := func(id string) bool { return id == "a3" }

	for range 10 {
		goal, _, err := c.Choose(onlyA3)
		require.NoError(t, err)
		assert.Contains(t, []string{"a3_L", "a3_R"}, goal)
	}

	_, _, err := c.Choose(func(string) bool { return false })
	assert.ErrorIs(t, err, ErrNoReachablePort)
}
