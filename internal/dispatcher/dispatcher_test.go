package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"octopilot/internal/domain"
	"octopilot/internal/messaging/inproc"
)

func TestDispatcherHostsIndependentArenas(t *testing.T) {
	d := New(inproc.New(16), nil, nil, Config{}, quiet)

	second := testSpec(3)
	second.ArenaID = "arena-0"
	_, err := d.AddArena(testSpec(3))
	require.NoError(t, err)
	_, err = d.AddArena(second)
	require.NoError(t, err)
	_, err = d.AddArena(testSpec(3))
	assert.ErrorIs(t, err, ErrArenaExists)

	arenas := d.Arenas()
	require.Len(t, arenas, 2)
	assert.Equal(t, "arena-0", arenas[0].ID())
	assert.Equal(t, "arena-1", arenas[1].ID())

	_, err = d.Arena("nope")
	assert.ErrorIs(t, err, ErrArenaNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	a, err := d.Arena("arena-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		select {
		case <-a.running:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, a.StartSession(context.Background()), ErrQuorumNotMet)
	assert.Equal(t, domain.PhaseIdle, a.Snapshot().Phase)

	_, err = d.AddArena(testSpec(1))
	assert.Error(t, err, "arenas cannot be added while running")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcherRunWithoutArenas(t *testing.T) {
	d := New(inproc.New(1), nil, nil, Config{}, quiet)
	assert.Error(t, d.Run(context.Background()))
}
