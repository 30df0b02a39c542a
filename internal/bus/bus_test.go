package bus_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/lxc/incus-os/iscsi-bridge/internal/bus"
)

func TestRuleMatches(t *testing.T) {
	t.Parallel()

	changed := &dbus.Signal{
		Path: "/org/opensuse/Agama/Storage1/iscsi_nodes/7",
		Name: bus.PropertiesInterface + ".PropertiesChanged",
		Body: []any{"org.opensuse.Agama.Storage1.ISCSI.Node", map[string]dbus.Variant{}, []string{}},
	}

	cases := []struct {
		name     string
		rule     bus.Rule
		expected bool
	}{
		{
			name:     "Empty rule",
			rule:     bus.Rule{},
			expected: true,
		},
		{
			name:     "Interface and member",
			rule:     bus.Rule{Interface: bus.PropertiesInterface, Member: "PropertiesChanged"},
			expected: true,
		},
		{
			name:     "Interface only",
			rule:     bus.Rule{Interface: bus.PropertiesInterface},
			expected: true,
		},
		{
			name:     "Other member",
			rule:     bus.Rule{Interface: bus.PropertiesInterface, Member: "Get"},
			expected: false,
		},
		{
			name:     "Interface prefix isn't a match",
			rule:     bus.Rule{Interface: "org.freedesktop.DBus.Prop"},
			expected: false,
		},
		{
			name:     "Exact path",
			rule:     bus.Rule{Path: "/org/opensuse/Agama/Storage1"},
			expected: false,
		},
		{
			name:     "Path namespace",
			rule:     bus.Rule{PathNamespace: "/org/opensuse/Agama/Storage1/iscsi_nodes"},
			expected: true,
		},
		{
			name:     "Path namespace on element boundary",
			rule:     bus.Rule{PathNamespace: "/org/opensuse/Agama/Storage1/iscsi"},
			expected: false,
		},
		{
			name:     "Matching arg0",
			rule:     bus.Rule{Arg0: "org.opensuse.Agama.Storage1.ISCSI.Node"},
			expected: true,
		},
		{
			name:     "Other arg0",
			rule:     bus.Rule{Arg0: "org.opensuse.Agama.Storage1.ISCSI.Initiator"},
			expected: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.expected, tc.rule.Matches(changed))
		})
	}

	require.False(t, bus.Rule{}.Matches(nil))
}

func TestSubscriptionCloseOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	sub := bus.NewSubscription(make(chan *dbus.Signal), func() { calls++ })

	sub.Close()
	sub.Close()

	require.Equal(t, 1, calls)
}

func TestServiceError(t *testing.T) {
	t.Parallel()

	cause := dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject", Body: []any{"no such object"}}
	err := bus.NewServiceError("org.opensuse.Agama.Storage1.ISCSI.Initiator.Delete", cause)

	require.ErrorContains(t, err, "no such object")

	var dbusErr dbus.Error
	require.ErrorAs(t, err, &dbusErr)
	require.Equal(t, cause.Name, dbusErr.Name)
	require.False(t, bus.IsUnavailable(err))

	unknown := bus.NewServiceError("GetAll", dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown"})
	require.True(t, bus.IsUnavailable(unknown))
	require.True(t, bus.IsUnavailable(bus.NewServiceError("GetAll", dbus.ErrClosed)))
	require.False(t, bus.IsUnavailable(errors.New("other")))
}

func TestConnectFailure(t *testing.T) {
	t.Parallel()

	address := "unix:path=" + filepath.Join(t.TempDir(), "missing.socket")

	conn, err := bus.Connect(context.Background(), address, "org.example.Storage1")
	require.Error(t, err)
	require.Nil(t, conn)
	require.Equal(t, 1, strings.Count(err.Error(), "failed to connect"))
	require.Contains(t, err.Error(), address)
}
