package workspace

import (
	"fmt"
	"net"

	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/state"
)

// allocateSSHPort picks the lowest port in the reserved range that no
// workspace has claimed and that the OS will actually bind. Ports are
// stable for the life of a workspace, so the scan covers every record
// regardless of status.
func allocateSSHPort(workspaces map[string]*state.Workspace, start, end int) (int, error) {
	used := make(map[int]bool)
	for _, ws := range workspaces {
		for _, port := range ws.Ports {
			used[port] = true
		}
		for _, fwd := range ws.Forwards {
			used[fwd.HostPort] = true
		}
	}

	for port := start; port <= end; port++ {
		if used[port] {
			continue
		}
		if !portBindable(port) {
			continue
		}
		return port, nil
	}
	return 0, perrors.Newf(perrors.Conflict,
		"no ports available in range %d-%d", start, end)
}

// portBindable probes whether the OS will grant the port right now.
func portBindable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
