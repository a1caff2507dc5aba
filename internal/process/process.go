// Package process manages one spawned external child: its stdin/stdout
// pipes, encoder, event filter, and respawn policy.
package process

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Encoder selects how BGP events are rendered onto the child's stdin.
type Encoder int

const (
	EncoderText Encoder = iota
	EncoderJSON
)

// Spec is the static configuration for one external process, parsed
// from internal/config.
type Spec struct {
	Name    string
	Command []string
	Encoder Encoder
	Respawn bool
	Ack     bool
	// Neighbors restricts which peers' events are forwarded to this
	// child; nil/empty means every peer.
	Neighbors []string
}

// HighWater/LowWater bound the per-child pending-write backpressure:
// writes pause once the queue exceeds HighWater and resume once it
// drains below LowWater.
const (
	HighWater = 1000
	LowWater  = 200
)

// External is one running (or exited) child process.
type External struct {
	spec   Spec
	logger *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdoutR  *os.File
	stdout   *bufio.Scanner
	queue    [][]byte
	paused   bool
	exited   bool
}

// Spawn starts the child described by spec. Stdout is wired through an
// explicit os.Pipe (rather than cmd.StdoutPipe's anonymous pipe) so the
// reactor can register StdoutFD in its own readiness set alongside peer
// sockets.
func Spawn(spec Spec, logger *zap.Logger) (*External, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("process %s: empty command", spec.Name)
	}
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("process %s: stdin pipe: %w", spec.Name, err)
	}
	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("process %s: stdout pipe: %w", spec.Name, err)
	}
	cmd.Stdout = writeEnd

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process %s: start: %w", spec.Name, err)
	}
	writeEnd.Close()

	e := &External{
		spec:    spec,
		logger:  logger.Named(spec.Name),
		cmd:     cmd,
		stdin:   stdin,
		stdoutR: readEnd,
		stdout:  bufio.NewScanner(readEnd),
	}
	go e.reap()
	return e, nil
}

func (e *External) Name() string { return e.spec.Name }

// Spec returns the static configuration this child was spawned from,
// used by the reactor to respawn an exited child.
func (e *External) Spec() Spec { return e.spec }

// StdoutFD returns the raw file descriptor the reactor registers for
// readiness on (see Spawn's comment).
func (e *External) StdoutFD() int { return int(e.stdoutR.Fd()) }

// EncoderKind reports which wire encoding this child expects on stdin.
func (e *External) EncoderKind() Encoder { return e.spec.Encoder }

// Wants reports whether this child should receive events for peer.
func (e *External) Wants(peer string) bool {
	if len(e.spec.Neighbors) == 0 {
		return true
	}
	for _, n := range e.spec.Neighbors {
		if n == peer {
			return true
		}
	}
	return false
}

// Enqueue queues line (without trailing newline) for delivery. Once the
// queue exceeds HighWater it is marked paused; the reactor should stop
// calling Enqueue for this child (applying backpressure at the RIB/FSM
// level instead) until Flush reports the queue has drained below
// LowWater.
func (e *External) Enqueue(line []byte) (overflowing bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, append([]byte(nil), line...))
	if len(e.queue) > HighWater {
		e.paused = true
	}
	return e.paused
}

// Paused reports the current backpressure state.
func (e *External) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Flush writes as much of the pending queue to the child's stdin as a
// single pass will take, called once per reactor tick.
func (e *External) Flush() error {
	e.mu.Lock()
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, line := range pending {
		if _, err := e.stdin.Write(append(line, '\n')); err != nil {
			e.mu.Lock()
			e.queue = append([][]byte{line}, e.queue...)
			e.mu.Unlock()
			return fmt.Errorf("process %s: write: %w", e.spec.Name, err)
		}
	}

	e.mu.Lock()
	if e.paused && len(e.queue) < LowWater {
		e.paused = false
	}
	e.mu.Unlock()
	return nil
}

// ReadCommands reads at most one line from the child's stdout and
// returns it as a trimmed command string (none if the line is blank or
// the pipe is at EOF).
func (e *External) ReadCommands() []string {
	var cmds []string
	for e.stdout.Scan() {
		line := strings.TrimSpace(e.stdout.Text())
		if line != "" {
			cmds = append(cmds, line)
		}
		// bufio.Scanner.Scan blocks until a line or EOF; the reactor
		// only calls this after its readiness primitive reports the
		// fd readable, so in practice exactly one line is available
		// per call under epoll level-triggered semantics.
		break
	}
	return cmds
}

// Ack writes one acknowledgement line back to the child's stdin if
// spec.Ack is set: every command produces exactly one of "done",
// "error <message>", or "shutdown".
func (e *External) Ack(result string) {
	if !e.spec.Ack {
		return
	}
	e.Enqueue([]byte(result))
}

// Exited reports whether the child process has terminated.
func (e *External) Exited() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exited
}

// reap waits for the child to exit and records it, so the reactor's
// bookkeeping pass can notice without ever blocking on Wait itself.
func (e *External) reap() {
	err := e.cmd.Wait()
	e.mu.Lock()
	e.exited = true
	e.mu.Unlock()
	if err != nil {
		e.logger.Info("external process exited", zap.Error(err))
	}
}

// ShouldRespawn reports whether the reactor should Spawn a replacement
// for this exited child.
func (e *External) ShouldRespawn() bool { return e.spec.Respawn }

func (e *External) Close() error {
	e.stdin.Close()
	e.stdoutR.Close()
	if e.cmd.Process != nil {
		return e.cmd.Process.Kill()
	}
	return nil
}
