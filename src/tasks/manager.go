package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Config configures a Manager.
type Config struct {
	// PortOffset is the PORT of the first task of a group.
	PortOffset int

	// Store keeps the metadata snapshot. Defaults to an InmemStore.
	Store Store

	// Runner starts the processes. Defaults to an ExecRunner.
	Runner Runner
}

// Info describes a task of the running group.
type Info struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	Port    int    `json:"port"`
	Pid     int    `json:"pid"`
	Running bool   `json:"running"`
}

type task struct {
	spec Spec
	port int
	proc Process
}

// Manager owns the task metadata snapshot and the running task group.
type Manager struct {
	sync.Mutex

	portOffset int
	store      Store
	runner     Runner
	logger     *logrus.Entry

	meta  Meta
	group []*task
}

// NewManager creates a Manager and restores the snapshot from the store.
func NewManager(conf Config, logger *logrus.Entry) (*Manager, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	if conf.Store == nil {
		conf.Store = NewInmemStore()
	}

	if conf.Runner == nil {
		conf.Runner = NewExecRunner(logger)
	}

	m := &Manager{
		portOffset: conf.PortOffset,
		store:      conf.Store,
		runner:     conf.Runner,
		logger:     logger,
	}

	meta, err := m.store.GetMeta()
	if err != nil {
		return nil, fmt.Errorf("restoring task meta: %w", err)
	}
	m.meta = meta

	if meta != nil {
		logger.Debug("Restored task meta")
	}

	return m, nil
}

// InitTaskGroup stops the running group, records meta, and starts one process
// per task spec in meta. Every process of the group is attempted; the
// returned error reports those that could not start.
func (m *Manager) InitTaskGroup(ctx context.Context, meta Meta) error {
	m.Lock()
	defer m.Unlock()

	if err := m.stop(); err != nil {
		m.logger.WithError(err).Warn("Stopping previous task group")
	}

	m.meta = meta.Copy()
	if err := m.store.SetMeta(m.meta); err != nil {
		return fmt.Errorf("storing task meta: %w", err)
	}

	specs, err := m.meta.Specs()
	if err != nil {
		return err
	}

	dir := m.meta.BaseFolder()

	var errs []error
	for i, spec := range specs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		port := m.portOffset + i

		proc, err := m.runner.Start(spec, dir, port)
		if err != nil {
			errs = append(errs, fmt.Errorf("starting %s: %w", spec.Name, err))
			continue
		}

		m.logger.WithFields(logrus.Fields{
			"task": spec.Name,
			"port": port,
			"pid":  proc.Pid(),
		}).Info("Task started")

		m.group = append(m.group, &task{spec: spec, port: port, proc: proc})
	}

	return errors.Join(errs...)
}

// GetTaskMeta returns a copy of the current snapshot.
func (m *Manager) GetTaskMeta() Meta {
	m.Lock()
	defer m.Unlock()
	return m.meta.Copy()
}

// SetTaskMeta replaces the snapshot without touching the running group.
func (m *Manager) SetTaskMeta(meta Meta) error {
	m.Lock()
	defer m.Unlock()

	m.meta = meta.Copy()
	return m.store.SetMeta(m.meta)
}

// Tasks describes the current group.
func (m *Manager) Tasks() []Info {
	m.Lock()
	defer m.Unlock()

	res := make([]Info, 0, len(m.group))
	for _, t := range m.group {
		running := true
		select {
		case <-t.proc.Done():
			running = false
		default:
		}

		res = append(res, Info{
			Name:    t.spec.Name,
			Command: t.spec.Command,
			Port:    t.port,
			Pid:     t.proc.Pid(),
			Running: running,
		})
	}
	return res
}

// Stop terminates the running group.
func (m *Manager) Stop() error {
	m.Lock()
	defer m.Unlock()
	return m.stop()
}

func (m *Manager) stop() error {
	var errs []error
	for _, t := range m.group {
		if err := t.proc.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", t.spec.Name, err))
		}
	}
	m.group = nil
	return errors.Join(errs...)
}

// Close stops the group and closes the store.
func (m *Manager) Close() error {
	stopErr := m.Stop()
	if err := m.store.Close(); err != nil {
		return err
	}
	return stopErr
}
