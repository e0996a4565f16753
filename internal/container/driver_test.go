package container

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/common/logger"
)

func TestCLIErrorMessage(t *testing.T) {
	err := &CLIError{
		Args:     []string{"docker", "start", "workspace-dev"},
		ExitCode: 1,
		Stderr:   "Error: No such container: workspace-dev\n",
	}
	msg := err.Error()
	assert.Contains(t, msg, "docker start workspace-dev")
	assert.Contains(t, msg, "exited 1")
	assert.Contains(t, msg, "No such container")

	// Falls back to stdout when stderr is empty.
	err = &CLIError{Args: []string{"docker", "cp"}, ExitCode: 2, Stdout: "something went wrong"}
	assert.Contains(t, err.Error(), "something went wrong")
}

func TestIsNotFound(t *testing.T) {
	wrap := func(stderr string) error {
		return perrors.Wrap(perrors.ContainerError, "container CLI failed",
			&CLIError{ExitCode: 1, Stderr: stderr})
	}

	assert.True(t, isNotFound(wrap("Error: No such container: x")))
	assert.True(t, isNotFound(wrap("Error: no such object: x")))
	assert.True(t, isNotFound(wrap("Error: No such image: x")))
	assert.False(t, isNotFound(wrap("permission denied")))
	assert.False(t, isNotFound(errors.New("plain error")))
	assert.False(t, isNotFound(fmt.Errorf("wrapped: %w", errors.New("inner"))))
}

func TestExecArgs(t *testing.T) {
	d := NewDriver("docker", logger.Default())

	args := d.execArgs("workspace-dev", []string{"bash", "-s"}, ExecOptions{
		User:    "workspace",
		WorkDir: "/home/workspace",
		TTY:     true,
	}, true)

	assert.Equal(t, "exec", args[0])
	assert.Contains(t, args, "-i")
	assert.Contains(t, args, "-t")
	assert.Contains(t, args, "workspace-dev")
	// argv comes last, in order.
	assert.Equal(t, []string{"bash", "-s"}, args[len(args)-2:])

	workdirIdx := indexOf(args, "-w")
	assert.Equal(t, "/home/workspace", args[workdirIdx+1])

	// Non-interactive, no tty.
	args = d.execArgs("c", []string{"true"}, ExecOptions{}, false)
	assert.NotContains(t, args, "-i")
	assert.NotContains(t, args, "-t")
}

func TestDefaultCLI(t *testing.T) {
	d := NewDriver("", logger.Default())
	assert.Equal(t, "docker", d.CLI())

	d = NewDriver("podman", logger.Default())
	assert.Equal(t, "podman", d.CLI())
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
