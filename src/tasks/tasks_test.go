package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mosaicnetworks/cloudsync/src/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid      int
	done     chan struct{}
	stopOnce sync.Once
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Stop() error {
	p.stopOnce.Do(func() { close(p.done) })
	return nil
}

type started struct {
	spec Spec
	dir  string
	port int
	proc *fakeProcess
}

type fakeRunner struct {
	sync.Mutex
	started []started
	fail    map[string]bool
}

func (r *fakeRunner) Start(spec Spec, dir string, port int) (Process, error) {
	r.Lock()
	defer r.Unlock()

	if r.fail[spec.Name] {
		return nil, errors.New("boom")
	}

	p := &fakeProcess{pid: 1000 + len(r.started), done: make(chan struct{})}
	r.started = append(r.started, started{spec: spec, dir: dir, port: port, proc: p})
	return p, nil
}

func newTestManager(t *testing.T, runner Runner, store Store) *Manager {
	m, err := NewManager(Config{
		PortOffset: 10001,
		Store:      store,
		Runner:     runner,
	}, common.NewTestEntry(t, common.TestLogLevel))
	require.NoError(t, err)
	return m
}

func testMeta() Meta {
	return Meta{
		MetaTasks: []interface{}{
			map[string]interface{}{"name": "web", "command": "node", "args": []interface{}{"server.js"}},
			map[string]interface{}{"name": "worker", "command": "node", "env": map[string]interface{}{"N": 2}},
		},
		MetaBaseFolder: "/srv/sync",
		"version":      "v1",
	}
}

func TestSpecs(t *testing.T) {
	specs, err := testMeta().Specs()
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, Spec{Name: "web", Command: "node", Args: []string{"server.js"}}, specs[0])
	assert.Equal(t, map[string]string{"N": "2"}, specs[1].Env)

	specs, err = Meta{}.Specs()
	assert.NoError(t, err)
	assert.Empty(t, specs)

	_, err = Meta{MetaTasks: []interface{}{map[string]interface{}{"name": "x"}}}.Specs()
	assert.Error(t, err)

	_, err = Meta{MetaTasks: "not a list"}.Specs()
	assert.Error(t, err)
}

func TestMetaCopyIsDeep(t *testing.T) {
	m := testMeta()
	c := m.Copy()

	c[MetaTasks].([]interface{})[0].(map[string]interface{})["name"] = "changed"
	c["version"] = "v2"

	specs, err := m.Specs()
	require.NoError(t, err)
	assert.Equal(t, "web", specs[0].Name)
	assert.Equal(t, "v1", m["version"])

	assert.Nil(t, Meta(nil).Copy())
	assert.Equal(t, "/tmp", Meta(nil).WithBaseFolder("/tmp").BaseFolder())
}

func TestInitTaskGroup(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(t, runner, nil)

	require.NoError(t, m.InitTaskGroup(context.Background(), testMeta()))

	require.Len(t, runner.started, 2)
	assert.Equal(t, 10001, runner.started[0].port)
	assert.Equal(t, 10002, runner.started[1].port)
	assert.Equal(t, "/srv/sync", runner.started[0].dir)
	assert.Equal(t, "/srv/sync", runner.started[1].dir)

	infos := m.Tasks()
	require.Len(t, infos, 2)
	assert.Equal(t, "web", infos[0].Name)
	assert.True(t, infos[0].Running)

	// a new group replaces the previous one
	first := runner.started[0].proc
	require.NoError(t, m.InitTaskGroup(context.Background(), testMeta()))

	select {
	case <-first.Done():
	default:
		t.Fatal("previous group should be stopped")
	}
	assert.Len(t, m.Tasks(), 2)
	assert.Equal(t, 10001, runner.started[2].port)

	require.NoError(t, m.Stop())
	assert.Empty(t, m.Tasks())
}

func TestInitTaskGroupPartialFailure(t *testing.T) {
	runner := &fakeRunner{fail: map[string]bool{"web": true}}
	m := newTestManager(t, runner, nil)

	err := m.InitTaskGroup(context.Background(), testMeta())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web")

	// the other task still starts, on its own port
	require.Len(t, runner.started, 1)
	assert.Equal(t, "worker", runner.started[0].spec.Name)
	assert.Equal(t, 10002, runner.started[0].port)
}

func TestInitTaskGroupWithoutTasks(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(t, runner, nil)

	meta := Meta{"anything": true}
	require.NoError(t, m.InitTaskGroup(context.Background(), meta))
	assert.Empty(t, runner.started)
	assert.Equal(t, meta, m.GetTaskMeta())
}

func TestGetTaskMetaReturnsCopy(t *testing.T) {
	m := newTestManager(t, &fakeRunner{}, nil)
	require.NoError(t, m.SetTaskMeta(Meta{"k": "v"}))

	got := m.GetTaskMeta()
	got["k"] = "changed"

	assert.Equal(t, Meta{"k": "v"}, m.GetTaskMeta())
}

func jsonOf(t *testing.T, v interface{}) string {
	buf, err := json.Marshal(v)
	require.NoError(t, err)
	return string(buf)
}

func TestBadgerStoreRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badger_db")
	logger := common.NewTestEntry(t, logrus.WarnLevel)

	store, err := NewBadgerStore(path, logger)
	require.NoError(t, err)

	meta, err := store.GetMeta()
	require.NoError(t, err)
	assert.Nil(t, meta)

	m := newTestManager(t, &fakeRunner{}, store)
	require.NoError(t, m.InitTaskGroup(context.Background(), testMeta()))
	require.NoError(t, m.Close())

	store, err = NewBadgerStore(path, logger)
	require.NoError(t, err)

	m = newTestManager(t, &fakeRunner{}, store)
	defer m.Close()

	assert.JSONEq(t, jsonOf(t, testMeta()), jsonOf(t, m.GetTaskMeta()))

	specs, err := m.GetTaskMeta().Specs()
	require.NoError(t, err)
	assert.Len(t, specs, 2)
}

func TestMarshalIsCanonical(t *testing.T) {
	a, err := Meta{"b": 1, "a": map[string]interface{}{"y": 1, "x": 2}}.Marshal()
	require.NoError(t, err)
	b, err := Meta{"a": map[string]interface{}{"x": 2, "y": 1}, "b": 1}.Marshal()
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.True(t, strings.HasPrefix(string(a), `{"a":`))
}

func TestExecRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	dir := t.TempDir()
	runner := NewExecRunner(common.NewTestEntry(t, logrus.WarnLevel))

	proc, err := runner.Start(Spec{
		Name:    "probe",
		Command: "sh",
		Args:    []string{"-c", `echo "$PORT $NAME" > out.txt`},
		Env:     map[string]string{"NAME": "probe"},
	}, dir, 10005)
	require.NoError(t, err)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	out, err := ioutil.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "10005 probe\n", string(out))

	assert.NoError(t, proc.Stop())
}

func TestExecRunnerStop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	runner := NewExecRunner(common.NewTestEntry(t, logrus.WarnLevel))

	proc, err := runner.Start(Spec{Name: "sleeper", Command: "sleep", Args: []string{"30"}}, t.TempDir(), 10006)
	require.NoError(t, err)

	require.NoError(t, proc.Stop())

	select {
	case <-proc.Done():
	default:
		t.Fatal("Stop should wait for the process")
	}
}
