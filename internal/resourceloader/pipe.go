package resourceloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/CM4all/beng-proxy/internal/istream"
)

// spawnFilter starts path as a child process, feeding it body on
// stdin and streaming its stdout back as the filter istream, per
// spec.md §4.7's "Pipe → spawn a child program and connect it as a
// filter istream."
func spawnFilter(ctx context.Context, path string, args, env []string, body []byte) (istream.Istream, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("resourceloader: pipe stdout: %w", err)
	}
	var stdin io.WriteCloser
	if body != nil {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("resourceloader: pipe stdin: %w", err)
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("resourceloader: spawn %s: %w", path, err)
	}
	if stdin != nil {
		go func() {
			stdin.Write(body)
			stdin.Close()
		}()
	}
	return istream.NewReader(stdout, -1, func() error {
		return cmd.Wait()
	}), nil
}
