package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"proof-rpc/bridgeerr"
	"proof-rpc/codec"
	"proof-rpc/registry"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// Locator says where the background worker lives. Process spawners use Path and
// Args; dial spawners use Address.
type Locator struct {
	Path    string
	Args    []string
	Address string
}

// ResolveLocator joins a base directory and a bundle name into a process locator.
// An empty baseDir resolves name through $PATH, falling back to name itself.
func ResolveLocator(baseDir, name string, args ...string) Locator {
	if baseDir != "" {
		return Locator{Path: filepath.Join(baseDir, name), Args: args}
	}
	if p, err := exec.LookPath(name); err == nil {
		return Locator{Path: p, Args: args}
	}
	return Locator{Path: name, Args: args}
}

func (l Locator) String() string {
	if l.Address != "" {
		return l.Address
	}
	return l.Path
}

// Spawner starts a background worker and returns a channel connected to it.
type Spawner interface {
	Spawn(ctx context.Context, loc Locator) (*ClientTransport, error)
}

// ProcessSpawner runs the worker as a child process speaking frames on stdio.
// Worker logs go to Stderr.
type ProcessSpawner struct {
	Codec   codec.CodecType
	Stderr  io.Writer
	Env     []string
	Logger  *zap.Logger
	Options []Option
}

func (s *ProcessSpawner) Spawn(ctx context.Context, loc Locator) (*ClientTransport, error) {
	if loc.Path == "" {
		return nil, bridgeerr.Transport("spawn", nil, "empty worker path")
	}

	// The child outlives ctx; it is stopped by ClientTransport.Close.
	cmd := exec.Command(loc.Path, loc.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	if s.Stderr != nil {
		cmd.Stderr = s.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, bridgeerr.Transport("spawn", err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, bridgeerr.Transport("spawn", err, "stdout pipe")
	}
	if err := ctx.Err(); err != nil {
		return nil, bridgeerr.Transport("spawn", err, "spawn cancelled")
	}
	if err := cmd.Start(); err != nil {
		return nil, bridgeerr.Transport("spawn", err, "start worker %s", loc.Path)
	}

	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("worker process started", zap.String("path", loc.Path), zap.Int("pid", cmd.Process.Pid))

	pc := &processConn{cmd: cmd, stdin: stdin, stdout: stdout}
	opts := append([]Option{WithLogger(logger)}, s.Options...)
	return NewClientTransport(pc, s.Codec, opts...), nil
}

// processConn adapts a child's stdio pipes into an io.ReadWriteCloser.
// cmd.Wait closes stdout, so it is only called once stdout has been drained.
type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error

	closeOnce sync.Once
	closeErr  error
}

func (c *processConn) reap() error {
	c.waitOnce.Do(func() {
		c.waitErr = c.cmd.Wait()
	})
	return c.waitErr
}

// Read surfaces the child's exit status when its stdout ends, so a crash is
// reported as such rather than as a bare EOF.
func (c *processConn) Read(p []byte) (int, error) {
	n, err := c.stdout.Read(p)
	if err == nil {
		return n, nil
	}
	if werr := c.reap(); werr != nil {
		return n, xerrors.Errorf("worker process exited: %w", werr)
	}
	if err == io.EOF {
		return n, xerrors.New("worker process exited")
	}
	return n, err
}

func (c *processConn) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

// Close closes stdin and kills the child. The receive loop reaps it.
func (c *processConn) Close() error {
	c.closeOnce.Do(func() {
		err := c.stdin.Close()
		if kerr := c.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = multierr.Append(err, kerr)
		}
		c.closeErr = err
	})
	return c.closeErr
}

// PipeSpawner runs the worker inside this process on one end of a net.Pipe.
// Serve must block serving the worker protocol on conn until conn is closed.
type PipeSpawner struct {
	Serve   func(conn io.ReadWriteCloser)
	Codec   codec.CodecType
	Options []Option
}

func (s *PipeSpawner) Spawn(ctx context.Context, _ Locator) (*ClientTransport, error) {
	if s.Serve == nil {
		return nil, bridgeerr.Transport("spawn", nil, "pipe spawner has no worker")
	}
	if err := ctx.Err(); err != nil {
		return nil, bridgeerr.Transport("spawn", err, "spawn cancelled")
	}
	clientSide, workerSide := net.Pipe()
	go s.Serve(workerSide)
	return NewClientTransport(clientSide, s.Codec, s.Options...), nil
}

// DialSpawner connects to a worker that is already listening on a TCP address.
// A locator without an address is resolved by Name through Resolver.
type DialSpawner struct {
	Codec    codec.CodecType
	Resolver registry.Resolver
	Name     string
	Options  []Option
}

func (s *DialSpawner) Spawn(ctx context.Context, loc Locator) (*ClientTransport, error) {
	if loc.Address == "" && s.Resolver != nil {
		addr, err := s.Resolver.Resolve(ctx, s.Name)
		if err != nil {
			return nil, bridgeerr.Transport("spawn", err, "resolve worker %s", s.Name)
		}
		loc.Address = addr
	}
	if loc.Address == "" {
		return nil, bridgeerr.Transport("spawn", nil, "empty worker address")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", loc.Address)
	if err != nil {
		return nil, bridgeerr.Transport("spawn", err, "dial worker %s", loc.Address)
	}
	return NewClientTransport(conn, s.Codec, s.Options...), nil
}
