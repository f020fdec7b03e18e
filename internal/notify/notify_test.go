package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata/strata/pkg/types"
)

func notification(tenant string) Notification {
	return Notification{EventID: "e-" + tenant, Scope: types.ScopeKey{TenantID: tenant, WorkspaceID: "w1"}}
}

func TestBus_PrefixFiltering(t *testing.T) {
	bus := NewBus(4)
	all := bus.Subscribe()
	acme := bus.Subscribe("acme/")

	require.NoError(t, bus.Notify(context.Background(), notification("acme")))
	require.NoError(t, bus.Notify(context.Background(), notification("globex")))

	assert.Len(t, all.Ch, 2)
	require.Len(t, acme.Ch, 1)
	assert.Equal(t, "e-acme", (<-acme.Ch).EventID)
}

func TestBus_FullChannelDrops(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe()

	require.NoError(t, bus.Notify(context.Background(), notification("a")))
	require.NoError(t, bus.Notify(context.Background(), notification("b")))

	assert.Len(t, sub.Ch, 1)
	assert.Equal(t, "e-a", (<-sub.Ch).EventID)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe()
	bus.Unsubscribe(sub.ID)

	_, open := <-sub.Ch
	assert.False(t, open)
	require.NoError(t, bus.Notify(context.Background(), notification("a")))
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, Notification) error {
	f.calls++
	return errors.New("broker down")
}

func TestMulti_TriesEveryNotifier(t *testing.T) {
	first, second := &failingNotifier{}, &failingNotifier{}
	bus := NewBus(1)
	sub := bus.Subscribe()

	err := Multi{first, bus, second}.Notify(context.Background(), notification("a"))
	require.Error(t, err)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Len(t, sub.Ch, 1)
}
