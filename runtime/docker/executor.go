// Package docker executes container-backed components against the Docker
// engine: one container per invocation, strict wall-clock timeout, terminal
// streaming, and a single structured result read from the output file. It
// also provisions the per-run isolated volumes that carry input files.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"goa.design/clue/log"

	"github.com/shipsec/shipsec/runtime/execution"
	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/runner"
	"github.com/shipsec/shipsec/runtime/terminal"
)

const (
	// OutputMountPath is the well-known in-container directory where
	// components write their structured result.
	OutputMountPath = "/shipsec-output"
	// OutputFileName is the result file read after a zero exit.
	OutputFileName = "result.json"
	// OutputPathEnv tells the component where to write its result.
	OutputPathEnv = "SHIPSEC_OUTPUT_PATH"

	// stdoutCaptureLimit bounds the stdout copy preserved on container
	// faults for soft-error recovery by scanner components.
	stdoutCaptureLimit = 512 * 1024
	// streamChunkSize is the read size used when relaying container output
	// to the terminal emitters.
	streamChunkSize = 4096
	// defaultTimeout applies when a container spec declares none.
	defaultTimeout = 10 * time.Minute
)

// API is the subset of the Docker engine client the executor uses. Narrowed
// for fakes in tests.
type API interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig any, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// engineClient adapts *client.Client to the narrowed API (the networking
// config parameter is widened to any so fakes avoid the network package).
type engineClient struct{ *client.Client }

func (e engineClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, _ any, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	return e.Client.ContainerCreate(ctx, config, hostConfig, nil, platform, containerName)
}

type (
	// Executor implements runner.ContainerExecutor against the Docker
	// engine.
	Executor struct {
		api API
		// skipCleanup leaves scratch directories behind for debugging.
		skipCleanup bool
		// scratchDir is the base for per-invocation output directories.
		scratchDir string
	}

	// ExecutorOptions configures an Executor.
	ExecutorOptions struct {
		// API overrides the engine client, primarily for tests. When nil
		// a client is built from the environment.
		API API
		// SkipCleanup leaves per-invocation scratch directories behind
		// (SKIP_CONTAINER_CLEANUP).
		SkipCleanup bool
		// ScratchDir is the base directory for ephemeral output dirs.
		// Defaults to the system temp dir.
		ScratchDir string
	}
)

// NewExecutor constructs an Executor. Without an explicit API, the Docker
// client is resolved from the environment with version negotiation.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	api := opts.API
	if api == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, "create docker client", err)
		}
		api = engineClient{cli}
	}
	scratch := opts.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	return &Executor{api: api, skipCleanup: opts.SkipCleanup, scratchDir: scratch}, nil
}

var _ runner.ContainerExecutor = (*Executor)(nil)

// Execute runs one container to completion per the runner contract: ephemeral
// output dir mounted at the well-known path, stdio or PTY relay through the
// execution context's terminal collectors, hard timeout, structured result
// from result.json. Cleanup always runs; its failures are logged, never
// propagated.
func (e *Executor) Execute(ctx context.Context, spec *runner.ContainerSpec, inputs map[string]any, ectx *execution.Context) (map[string]any, error) {
	outputDir, err := os.MkdirTemp(e.scratchDir, "shipsec-output-")
	if err != nil {
		return nil, fault.Wrap(fault.KindService, "create output directory", err)
	}
	defer func() {
		if e.skipCleanup {
			log.Debug(ctx, log.KV{K: "msg", V: "skipping container cleanup"}, log.KV{K: "dir", V: outputDir})
			return
		}
		if rmErr := os.RemoveAll(outputDir); rmErr != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "output directory cleanup failed"},
				log.KV{K: "dir", V: outputDir}, log.KV{K: "err", V: rmErr.Error()})
		}
	}()

	cfg, hostCfg, platform := e.buildConfig(spec, outputDir)
	logArgs(ctx, ectx, cfg.Cmd)

	id, tty, err := e.createContainer(ctx, spec, cfg, hostCfg, platform)
	if err != nil {
		return nil, err
	}
	defer e.removeContainer(ctx, id)

	attach, err := e.api.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  cfg.OpenStdin,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindService, "attach to container", err)
	}
	defer attach.Close()

	if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fault.Wrap(fault.KindService, "start container", err)
	}

	// Stdin: serialize inputs as one JSON object then close, or close
	// immediately. Never write JSON to a PTY; it pollutes terminal output.
	if cfg.OpenStdin {
		if spec.WantsStdinJSON() && !tty {
			payload, merr := json.Marshal(inputs)
			if merr != nil {
				return nil, fault.Wrap(fault.KindValidation, "inputs are not JSON-serializable", merr)
			}
			if _, werr := attach.Conn.Write(payload); werr != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "stdin write failed"}, log.KV{K: "err", V: werr.Error()})
			}
		}
		_ = attach.CloseWrite()
	}

	stdout, stderr, streamsDone := e.relayStreams(ctx, attach.Reader, tty, ectx)

	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	exitCode, err := e.waitWithDeadline(ctx, id, timeout)
	if err != nil {
		return nil, err
	}

	// Let the relay drain buffered output before the capture buffers are
	// read. The attach stream closes shortly after exit; the bound guards
	// against a wedged reader.
	select {
	case <-streamsDone:
	case <-time.After(2 * time.Second):
	}

	if exitCode != 0 {
		return nil, fault.Newf(fault.KindContainer, "container exited with code %d", exitCode).
			WithDetail("exitCode", exitCode).
			WithDetail("stdout", stdout.String()).
			WithDetail("stderr", fault.StderrTail(stderr.Bytes()))
	}

	return readResult(filepath.Join(outputDir, OutputFileName))
}

// buildConfig assembles the container, host and platform configuration. The
// argument list is built directly; user values are never concatenated
// through a shell.
func (e *Executor) buildConfig(spec *runner.ContainerSpec, outputDir string) (*container.Config, *container.HostConfig, *ocispec.Platform) {
	env := make([]string, 0, len(spec.Env)+1)
	env = append(env, OutputPathEnv+"="+OutputMountPath+"/"+OutputFileName)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          append([]string(nil), spec.Command...),
		Env:          env,
		Tty:          spec.PTY,
		OpenStdin:    !spec.PTY,
		StdinOnce:    !spec.PTY,
		AttachStdout: true,
		AttachStderr: true,
	}
	if len(spec.Entrypoint) > 0 {
		cfg.Entrypoint = append([]string(nil), spec.Entrypoint...)
	}

	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: outputDir,
		Target: OutputMountPath,
	}}
	for _, v := range spec.Volumes {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}
	hostCfg := &container.HostConfig{Mounts: mounts}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	} else {
		hostCfg.NetworkMode = container.NetworkMode(runner.NetworkNone)
	}

	var platform *ocispec.Platform
	if spec.Platform != "" {
		parts := strings.SplitN(spec.Platform, "/", 2)
		platform = &ocispec.Platform{OS: parts[0]}
		if len(parts) == 2 {
			platform.Architecture = parts[1]
		}
	}
	return cfg, hostCfg, platform
}

// createContainer creates the container, pulling the image on first miss and
// falling back to piped stdio when PTY allocation is unavailable.
func (e *Executor) createContainer(ctx context.Context, spec *runner.ContainerSpec, cfg *container.Config, hostCfg *container.HostConfig, platform *ocispec.Platform) (string, bool, error) {
	created, err := e.api.ContainerCreate(ctx, cfg, hostCfg, nil, platform, "")
	if err != nil && client.IsErrNotFound(err) {
		reader, perr := e.api.ImagePull(ctx, spec.Image, image.PullOptions{})
		if perr != nil {
			return "", false, fault.Wrap(fault.KindService, "pull image "+spec.Image, perr)
		}
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
		created, err = e.api.ContainerCreate(ctx, cfg, hostCfg, nil, platform, "")
	}
	if err != nil && cfg.Tty {
		// PTY facilities unavailable: strip the TTY flag and retry with
		// piped stdio.
		log.Warn(ctx, log.KV{K: "msg", V: "pty unavailable, falling back to stdio"}, log.KV{K: "err", V: err.Error()})
		cfg.Tty = false
		cfg.OpenStdin = true
		cfg.StdinOnce = true
		created, err = e.api.ContainerCreate(ctx, cfg, hostCfg, nil, platform, "")
		if err == nil {
			return created.ID, false, nil
		}
	}
	if err != nil {
		return "", false, fault.Wrap(fault.KindService, "create container", err)
	}
	return created.ID, cfg.Tty, nil
}

// relayStreams pumps container output to the terminal emitters and the log
// collector. PTY sessions carry one combined stream; piped sessions are
// demultiplexed into stdout and stderr. Returned buffers capture bounded
// copies for error details.
func (e *Executor) relayStreams(ctx context.Context, reader *bufio.Reader, tty bool, ectx *execution.Context) (*bytes.Buffer, *bytes.Buffer, <-chan struct{}) {
	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	done := make(chan struct{})

	if tty {
		em := ectx.TerminalEmitter("pty", "container", string(runner.KindContainer))
		go func() {
			pump(ctx, reader, stdoutBuf, em)
			close(done)
		}()
		return stdoutBuf, stderrBuf, done
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, reader)
		_ = stdoutW.CloseWithError(err)
		_ = stderrW.CloseWithError(err)
	}()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump(ctx, stdoutR, stdoutBuf, ectx.TerminalEmitter("stdout", "container", string(runner.KindContainer)))
	}()
	go func() {
		defer wg.Done()
		pump(ctx, stderrR, stderrBuf, ectx.TerminalEmitter("stderr", "container", string(runner.KindContainer)))
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
	return stdoutBuf, stderrBuf, done
}

// waitWithDeadline blocks until the container exits, the timeout fires, or
// the surrounding activity is cancelled. Timeout and cancellation kill the
// container tree before returning.
func (e *Executor) waitWithDeadline(ctx context.Context, id string, timeout time.Duration) (int64, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	statusCh, errCh := e.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		return status.StatusCode, nil
	case err := <-errCh:
		return 0, fault.Wrap(fault.KindService, "wait for container", err)
	case <-timer.C:
		e.kill(ctx, id)
		return 0, fault.Newf(fault.KindTimeout, "container exceeded %s wall-clock limit", timeout).
			WithDetail("timeoutSeconds", int(timeout.Seconds()))
	case <-ctx.Done():
		e.kill(context.WithoutCancel(ctx), id)
		return 0, ctx.Err()
	}
}

func (e *Executor) kill(ctx context.Context, id string) {
	if err := e.api.ContainerKill(ctx, id, "KILL"); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "container kill failed"}, log.KV{K: "id", V: id}, log.KV{K: "err", V: err.Error()})
	}
}

func (e *Executor) removeContainer(ctx context.Context, id string) {
	rmCtx := context.WithoutCancel(ctx)
	if err := e.api.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "container remove failed"}, log.KV{K: "id", V: id}, log.KV{K: "err", V: err.Error()})
	}
}

// pump relays one stream to a terminal emitter while capturing a bounded
// copy for diagnostics.
func pump(ctx context.Context, r io.Reader, capture *bytes.Buffer, em *terminal.Emitter) {
	buf := make([]byte, streamChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if capture.Len() < stdoutCaptureLimit {
				capture.Write(data)
			}
			em.Emit(ctx, data)
		}
		if err != nil {
			return
		}
	}
}

// readResult parses the structured result file. A missing or empty file is
// an empty record; malformed JSON is a terminal validation fault. Stdout is
// never parsed for outputs.
func readResult(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindService, "read result file", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "component wrote malformed result JSON", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// logArgs records the container argument list with long or multi-line tokens
// redacted so secrets and file payloads never reach the logs verbatim.
func logArgs(ctx context.Context, ectx *execution.Context, args []string) {
	redacted := RedactArgs(args)
	log.Debug(ctx, log.KV{K: "msg", V: "container args"},
		log.KV{K: "run_id", V: ectx.RunID},
		log.KV{K: "node_ref", V: ectx.ComponentRef},
		log.KV{K: "args", V: strings.Join(redacted, " ")})
}

// RedactArgs replaces tokens that contain newlines or exceed 120 characters
// with a positional placeholder carrying only the original length.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if len(a) > 120 || strings.ContainsRune(a, '\n') {
			out[i] = fmt.Sprintf("<arg-%d:%d chars>", i, len(a))
			continue
		}
		out[i] = a
	}
	return out
}
