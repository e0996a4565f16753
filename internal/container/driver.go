// Package container is a typed facade over the container CLI (docker or
// podman). Every operation shells out to the configured binary; the daemon
// never links a container runtime SDK so either engine works unchanged.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/common/logger"
)

// CLIError carries the exit status and captured output of a failed
// container CLI invocation.
type CLIError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CLIError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	return fmt.Sprintf("%s exited %d: %s", strings.Join(e.Args, " "), e.ExitCode, msg)
}

// PortMapping maps a host port to a container port.
type PortMapping struct {
	Name          string `json:"name"`
	HostPort      int    `json:"hostPort"`
	ContainerPort int    `json:"containerPort"`
	Protocol      string `json:"protocol,omitempty"`
}

// CreateSpec describes a container to create.
type CreateSpec struct {
	Name     string
	Image    string
	Hostname string
	Labels   map[string]string
	Ports    []PortMapping
	Env      map[string]string
}

// InspectResult is the subset of container state the daemon cares about.
type InspectResult struct {
	Exists   bool
	Running  bool
	Status   string // created, running, exited, ...
	ExitCode int
	Ports    map[int]int // container port -> host port
}

// ExecOptions control a container exec.
type ExecOptions struct {
	User    string
	WorkDir string
	Env     map[string]string
	Stdin   []byte
	TTY     bool
}

// ExecResult is the outcome of a blocking exec.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Engine is the container operation surface the rest of the daemon
// consumes. *Driver is the CLI-backed implementation; tests substitute
// in-memory fakes.
type Engine interface {
	CLI() string
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeoutSeconds int) error
	Remove(ctx context.Context, name string, force bool) error
	Inspect(ctx context.Context, name string) (*InspectResult, error)
	Exec(ctx context.Context, name string, argv []string, opts ExecOptions) (*ExecResult, error)
	ExecCommand(ctx context.Context, name string, argv []string, opts ExecOptions) *exec.Cmd
	CopyIn(ctx context.Context, name string, content []byte, containerPath string, perm os.FileMode, owner string) error
	CopyInFile(ctx context.Context, name, hostPath, containerPath string, perm os.FileMode, owner string) error
	CopyInDir(ctx context.Context, name, hostDir, containerDir, owner string) error
	Logs(ctx context.Context, name string, tail int) (string, error)
	ImageExists(ctx context.Context, image string) bool
	Version(ctx context.Context) (string, error)
}

// Driver shells out to the container CLI.
type Driver struct {
	cli    string
	logger *logger.Logger
}

var _ Engine = (*Driver)(nil)

// NewDriver creates a Driver for the given CLI binary ("docker", "podman").
func NewDriver(cli string, log *logger.Logger) *Driver {
	if cli == "" {
		cli = "docker"
	}
	return &Driver{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "container_driver")),
	}
}

// CLI returns the configured container CLI binary.
func (d *Driver) CLI() string {
	return d.cli
}

// run executes the CLI with the given arguments and returns stdout. A
// non-zero exit becomes a *CLIError wrapped as ContainerError.
func (d *Driver) run(ctx context.Context, stdin []byte, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.cli, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	d.logger.Debug("running container CLI", zap.Strings("args", args))
	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	exitCode := -1
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else {
		return "", perrors.Wrap(perrors.ConnectionFailed,
			fmt.Sprintf("launching %s", d.cli), err)
	}

	cliErr := &CLIError{
		Args:     append([]string{d.cli}, args...),
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	return stdout.String(), perrors.Wrap(perrors.ContainerError, "container CLI failed", cliErr)
}

// Create creates a container from the spec and returns its id. The
// container is created stopped; call Start to run it.
func (d *Driver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	args := []string{"create", "--name", spec.Name}
	if spec.Hostname != "" {
		args = append(args, "--hostname", spec.Hostname)
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", k+"="+v)
	}
	for _, p := range spec.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		args = append(args, "-p", fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, proto))
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, spec.Image)

	out, err := d.run(ctx, nil, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Start starts a created or stopped container.
func (d *Driver) Start(ctx context.Context, name string) error {
	_, err := d.run(ctx, nil, "start", name)
	return err
}

// Stop stops a container gracefully, killing it after timeoutSeconds.
func (d *Driver) Stop(ctx context.Context, name string, timeoutSeconds int) error {
	_, err := d.run(ctx, nil, "stop", "-t", strconv.Itoa(timeoutSeconds), name)
	return err
}

// Remove deletes a container. With force it removes a running container;
// a missing container is not an error.
func (d *Driver) Remove(ctx context.Context, name string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, name)
	_, err := d.run(ctx, nil, args...)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// inspectState mirrors the CLI's .State JSON.
type inspectState struct {
	Status   string `json:"Status"`
	Running  bool   `json:"Running"`
	ExitCode int    `json:"ExitCode"`
}

type inspectEntry struct {
	State           inspectState `json:"State"`
	NetworkSettings struct {
		Ports map[string][]struct {
			HostPort string `json:"HostPort"`
		} `json:"Ports"`
	} `json:"NetworkSettings"`
}

// Inspect returns the container's state and port map. An unknown name
// yields Exists=false with a nil error so callers can probe without
// producing error logs.
func (d *Driver) Inspect(ctx context.Context, name string) (*InspectResult, error) {
	out, err := d.run(ctx, nil, "inspect", name)
	if err != nil {
		if isNotFound(err) {
			return &InspectResult{Exists: false}, nil
		}
		return nil, err
	}

	var entries []inspectEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil || len(entries) == 0 {
		return nil, perrors.Wrap(perrors.ContainerError, "parsing inspect output", err)
	}

	entry := entries[0]
	result := &InspectResult{
		Exists:   true,
		Running:  entry.State.Running,
		Status:   entry.State.Status,
		ExitCode: entry.State.ExitCode,
		Ports:    map[int]int{},
	}
	for portProto, bindings := range entry.NetworkSettings.Ports {
		containerPort, _, _ := strings.Cut(portProto, "/")
		cp, err := strconv.Atoi(containerPort)
		if err != nil {
			continue
		}
		for _, b := range bindings {
			if hp, err := strconv.Atoi(b.HostPort); err == nil {
				result.Ports[cp] = hp
				break
			}
		}
	}
	return result, nil
}

// Exec runs argv in the container and blocks until it exits. The exit code
// is reported in the result; a non-zero exit is not an error at this layer
// so callers can inspect stderr.
func (d *Driver) Exec(ctx context.Context, name string, argv []string, opts ExecOptions) (*ExecResult, error) {
	args := d.execArgs(name, argv, opts, false)

	out, err := d.run(ctx, opts.Stdin, args...)
	if err != nil {
		var cliErr *CLIError
		if errors.As(err, &cliErr) && !isNotFound(err) {
			// argv itself failed inside the container; surface its output
			return &ExecResult{
				Stdout:   cliErr.Stdout,
				Stderr:   cliErr.Stderr,
				ExitCode: cliErr.ExitCode,
			}, nil
		}
		return nil, err
	}
	return &ExecResult{Stdout: out, ExitCode: 0}, nil
}

// ExecCommand builds an exec.Cmd for argv in the container without running
// it. Callers attach pipes or a pty and own the process lifetime.
func (d *Driver) ExecCommand(ctx context.Context, name string, argv []string, opts ExecOptions) *exec.Cmd {
	args := d.execArgs(name, argv, opts, true)
	return exec.CommandContext(ctx, d.cli, args...)
}

func (d *Driver) execArgs(name string, argv []string, opts ExecOptions, interactive bool) []string {
	args := []string{"exec"}
	if interactive {
		args = append(args, "-i")
	}
	if opts.TTY {
		args = append(args, "-t")
	}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	for k, v := range opts.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, name)
	return append(args, argv...)
}

// CopyIn writes content into the container at containerPath with the given
// permissions and owner.
func (d *Driver) CopyIn(ctx context.Context, name string, content []byte, containerPath string, perm os.FileMode, owner string) error {
	tmp, err := os.CreateTemp("", "perry-copyin-*")
	if err != nil {
		return perrors.Wrap(perrors.Internal, "creating staging file", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return perrors.Wrap(perrors.Internal, "writing staging file", err)
	}
	tmp.Close()
	return d.CopyInFile(ctx, name, tmp.Name(), containerPath, perm, owner)
}

// CopyInFile copies a host file into the container at containerPath.
func (d *Driver) CopyInFile(ctx context.Context, name, hostPath, containerPath string, perm os.FileMode, owner string) error {
	// Parent directories must exist; docker cp does not create them.
	if dir := filepath.Dir(containerPath); dir != "" && dir != "/" {
		if _, err := d.run(ctx, nil, "exec", "-u", "root", name, "mkdir", "-p", dir); err != nil {
			return err
		}
	}

	if _, err := d.run(ctx, nil, "cp", hostPath, name+":"+containerPath); err != nil {
		return err
	}

	mode := fmt.Sprintf("%o", perm.Perm())
	if _, err := d.run(ctx, nil, "exec", "-u", "root", name, "chmod", mode, containerPath); err != nil {
		return err
	}
	if owner != "" {
		if _, err := d.run(ctx, nil, "exec", "-u", "root", name, "chown", "-R", owner+":"+owner, containerPath); err != nil {
			return err
		}
	}
	return nil
}

// CopyInDir recursively copies a host directory into the container.
func (d *Driver) CopyInDir(ctx context.Context, name, hostDir, containerDir, owner string) error {
	if _, err := d.run(ctx, nil, "exec", "-u", "root", name, "mkdir", "-p", containerDir); err != nil {
		return err
	}
	// Trailing /. copies directory contents rather than the directory itself.
	if _, err := d.run(ctx, nil, "cp", hostDir+string(filepath.Separator)+".", name+":"+containerDir); err != nil {
		return err
	}
	if owner != "" {
		if _, err := d.run(ctx, nil, "exec", "-u", "root", name, "chown", "-R", owner+":"+owner, containerDir); err != nil {
			return err
		}
	}
	return nil
}

// Logs returns the last tail lines of the container's stdout/stderr.
func (d *Driver) Logs(ctx context.Context, name string, tail int) (string, error) {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	args = append(args, name)

	cmd := exec.CommandContext(ctx, d.cli, args...)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return "", perrors.Wrap(perrors.ContainerError, "container CLI failed", &CLIError{
				Args:     append([]string{d.cli}, args...),
				ExitCode: cmd.ProcessState.ExitCode(),
				Stderr:   combined.String(),
			})
		}
		return "", perrors.Wrap(perrors.ConnectionFailed, fmt.Sprintf("launching %s", d.cli), err)
	}
	return combined.String(), nil
}

// ImageExists reports whether the image is present locally.
func (d *Driver) ImageExists(ctx context.Context, image string) bool {
	_, err := d.run(ctx, nil, "image", "inspect", image)
	return err == nil
}

// Version returns the CLI client version string.
func (d *Driver) Version(ctx context.Context) (string, error) {
	out, err := d.run(ctx, nil, "version", "--format", "{{.Client.Version}}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// isNotFound matches the engine's "no such container/object" stderr, which
// both docker and podman produce.
func isNotFound(err error) bool {
	var cliErr *CLIError
	if !errors.As(err, &cliErr) {
		return false
	}
	stderr := strings.ToLower(cliErr.Stderr)
	return strings.Contains(stderr, "no such container") ||
		strings.Contains(stderr, "no such object") ||
		strings.Contains(stderr, "no such image")
}
