package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	perrors "github.com/perrydev/perry/internal/common/errors"
	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/container"
	"github.com/perrydev/perry/internal/syncer"
)

// runPostStartScripts executes the configured post-start entries inside
// the container. Each entry is a host path: a file runs as-is, a
// directory runs its *.sh files in lexicographic order. Scripts run as
// the workspace user with the script body on stdin, so nothing is left
// behind in the container filesystem.
func runPostStartScripts(ctx context.Context, driver container.Engine, log *logger.Logger, containerName string, entries []string, failOnError bool) error {
	for _, entry := range entries {
		scripts, err := resolveScripts(entry)
		if err != nil {
			if failOnError {
				return err
			}
			log.Warn("skipping post-start entry", zap.String("path", entry), zap.Error(err))
			continue
		}
		for _, script := range scripts {
			if err := runScript(ctx, driver, containerName, script); err != nil {
				if failOnError {
					return err
				}
				log.Warn("post-start script failed",
					zap.String("script", script), zap.Error(err))
			} else {
				log.Info("post-start script complete", zap.String("script", script))
			}
		}
	}
	return nil
}

// resolveScripts expands one configured entry into an ordered script list.
func resolveScripts(entry string) ([]string, error) {
	path := syncer.ExpandHome(entry)
	info, err := os.Stat(path)
	if err != nil {
		return nil, perrors.Wrap(perrors.InvalidArgument, "post-start path "+entry, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	names, err := filepath.Glob(filepath.Join(path, "*.sh"))
	if err != nil {
		return nil, perrors.Wrap(perrors.Internal, "listing "+entry, err)
	}
	sort.Strings(names)
	return names, nil
}

func runScript(ctx context.Context, driver container.Engine, containerName, script string) error {
	body, err := os.ReadFile(script)
	if err != nil {
		return perrors.Wrap(perrors.Internal, "reading "+script, err)
	}

	result, err := driver.Exec(ctx, containerName, []string{"bash", "-s"}, container.ExecOptions{
		User:    syncer.WorkspaceUser,
		WorkDir: syncer.WorkspaceHome,
		Stdin:   body,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return perrors.Newf(perrors.ContainerError, "%s exited %d: %s",
			filepath.Base(script), result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}
