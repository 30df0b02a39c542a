package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lxc/incus-os/iscsi-bridge/api"
	"github.com/lxc/incus-os/iscsi-bridge/internal/events"
)

const waitTimeout = 5 * time.Second

func receive[T any](t *testing.T, ch <-chan T) (T, bool) {
	t.Helper()

	select {
	case value, ok := <-ch:
		return value, ok
	case <-time.After(waitTimeout):
		t.Fatal("Timed out waiting on channel")
	}

	var zero T

	return zero, false
}

func requireClosed[T any](t *testing.T, ch <-chan T) {
	t.Helper()

	for {
		_, ok := receive(t, ch)
		if !ok {
			return
		}
	}
}

// channelSource returns a source backed by a channel controlled by the test.
func channelSource(label string, ch chan api.ISCSIEvent) events.Source {
	return events.Source{
		Label: label,
		Open: func(_ context.Context) (<-chan api.ISCSIEvent, error) {
			return ch, nil
		},
	}
}

func TestMergeIdleSourceDoesNotBlock(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idle := make(chan api.ISCSIEvent)
	busy := make(chan api.ISCSIEvent)

	out, err := events.Merge(ctx, channelSource("idle", idle), channelSource("busy", busy))
	require.NoError(t, err)

	for range 3 {
		go func() { busy <- api.ISCSIEvent{Type: api.ISCSIEventInitiatorChanged} }()

		event, ok := receive(t, out)
		require.True(t, ok)
		require.Equal(t, "busy", event.Source)
	}
}

func TestMergeKeepsSourceOrder(t *testing.T) {
	t.Parallel()

	source := make(chan api.ISCSIEvent, 10)

	for i := range uint32(10) {
		source <- api.ISCSIEvent{Type: api.ISCSIEventNodeRemoved, NodeID: &i}
	}

	close(source)

	out, err := events.Merge(context.Background(), channelSource("nodes", source))
	require.NoError(t, err)

	for i := range uint32(10) {
		event, ok := receive(t, out)
		require.True(t, ok)
		require.Equal(t, i, *event.NodeID)
	}

	requireClosed(t, out)
}

func TestMergeTerminatesWhenAllSourcesDo(t *testing.T) {
	t.Parallel()

	first := make(chan api.ISCSIEvent)
	second := make(chan api.ISCSIEvent)

	out, err := events.Merge(context.Background(), channelSource("first", first), channelSource("second", second))
	require.NoError(t, err)

	close(first)

	// The remaining source keeps the stream alive.
	go func() { second <- api.ISCSIEvent{Type: api.ISCSIEventInitiatorChanged} }()

	event, ok := receive(t, out)
	require.True(t, ok)
	require.Equal(t, "second", event.Source)

	close(second)
	requireClosed(t, out)
}

func TestMergeSetupFailure(t *testing.T) {
	t.Parallel()

	opened := make(chan context.Context, 1)

	good := events.Source{
		Label: "good",
		Open: func(ctx context.Context) (<-chan api.ISCSIEvent, error) {
			opened <- ctx

			return make(chan api.ISCSIEvent), nil
		},
	}

	bad := events.Source{
		Label: "bad",
		Open: func(_ context.Context) (<-chan api.ISCSIEvent, error) {
			return nil, errors.New("subscription failed")
		},
	}

	out, err := events.Merge(context.Background(), good, bad)
	require.ErrorContains(t, err, "subscription failed")
	require.ErrorContains(t, err, `"bad"`)
	require.Nil(t, out)

	// The source that was already opened got released.
	ctx, _ := receive(t, opened)

	_, ok := receive(t, ctx.Done())
	require.False(t, ok)
}

func TestMergeCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	out, err := events.Merge(ctx, channelSource("idle", make(chan api.ISCSIEvent)))
	require.NoError(t, err)

	cancel()
	requireClosed(t, out)
}
