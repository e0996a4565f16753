package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/container"
	"github.com/perrydev/perry/internal/state"
)

// The probe range sits far above the default workspace range so tests do
// not collide with anything listening locally.
const (
	probeStart = 42200
	probeEnd   = 42209
)

func TestAllocateLowestUnused(t *testing.T) {
	workspaces := map[string]*state.Workspace{
		"a": {Name: "a", Ports: map[string]int{"ssh": probeStart}},
		"b": {Name: "b", Ports: map[string]int{"ssh": probeStart + 1}},
	}

	port, err := allocateSSHPort(workspaces, probeStart, probeEnd)
	require.NoError(t, err)
	assert.Equal(t, probeStart+2, port)
}

func TestAllocateSkipsForwards(t *testing.T) {
	workspaces := map[string]*state.Workspace{
		"a": {
			Name:  "a",
			Ports: map[string]int{"ssh": probeStart},
			Forwards: []container.PortMapping{
				{HostPort: probeStart + 1, ContainerPort: 3000},
			},
		},
	}

	port, err := allocateSSHPort(workspaces, probeStart, probeEnd)
	require.NoError(t, err)
	assert.Equal(t, probeStart+2, port)
}

func TestAllocateStatusIndependent(t *testing.T) {
	// Stopped workspaces keep their reservation.
	workspaces := map[string]*state.Workspace{
		"a": {Name: "a", Status: state.StatusStopped, Ports: map[string]int{"ssh": probeStart}},
	}
	port, err := allocateSSHPort(workspaces, probeStart, probeEnd)
	require.NoError(t, err)
	assert.Equal(t, probeStart+1, port)
}

func TestAllocateExhausted(t *testing.T) {
	workspaces := map[string]*state.Workspace{}
	for i := probeStart; i <= probeEnd; i++ {
		name := string(rune('a' + i - probeStart))
		workspaces[name] = &state.Workspace{Name: name, Ports: map[string]int{"ssh": i}}
	}

	_, err := allocateSSHPort(workspaces, probeStart, probeEnd)
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.Conflict))
	assert.Contains(t, err.Error(), "no ports available")
}

func TestPortBindableDetectsListener(t *testing.T) {
	// Port 1 needs privileges; binding should fail for a normal test run.
	if portBindable(1) {
		t.Skip("running privileged; cannot assert bind failure")
	}
	assert.False(t, portBindable(1))
}
