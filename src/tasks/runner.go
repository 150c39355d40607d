package tasks

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// StopTimeout is how long a process gets to exit after an interrupt before it
// is killed.
const StopTimeout = 5 * time.Second

// Process is a started task.
type Process interface {
	Pid() int
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Stop terminates the process and waits for it to exit.
	Stop() error
}

// Runner starts task processes.
type Runner interface {
	Start(spec Spec, dir string, port int) (Process, error)
}

// ExecRunner runs tasks as local processes. Their output is forwarded to the
// logger.
type ExecRunner struct {
	Logger *logrus.Entry
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(logger *logrus.Entry) *ExecRunner {
	return &ExecRunner{Logger: logger}
}

// Start implements the Runner interface.
func (r *ExecRunner) Start(spec Spec, dir string, port int) (Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", port))

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	p := &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	var out io.WriteCloser
	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"task": spec.Name,
			"port": port,
		}).Debug("Starting task")
		out = r.Logger.Logger.WriterLevel(logrus.InfoLevel)
		cmd.Stdout = out
		cmd.Stderr = out
	}

	if err := cmd.Start(); err != nil {
		if out != nil {
			out.Close()
		}
		return nil, err
	}

	go func() {
		p.err = cmd.Wait()
		if out != nil {
			out.Close()
		}
		close(p.done)
	}()

	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Stop() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		p.cmd.Process.Kill()
	}

	select {
	case <-p.done:
	case <-time.After(StopTimeout):
		if err := p.cmd.Process.Kill(); err != nil {
			return err
		}
		<-p.done
	}

	return nil
}
