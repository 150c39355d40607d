package files

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/mosaicnetworks/cloudsync/src/common"
	"github.com/mosaicnetworks/cloudsync/src/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, master bool) *Manager {
	creds, err := crypto.DefaultCredentials()
	require.NoError(t, err)

	dir := t.TempDir()

	return NewManager(Config{
		DestFile:     filepath.Join(dir, "sync.tar.gz"),
		DestFolder:   filepath.Join(dir, "sync"),
		IsFileMaster: master,
		TLS:          creds.TLSConfig(),
	}, common.NewTestEntry(t, common.TestLogLevel))
}

func writeTree(t *testing.T, files map[string]string) string {
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func readTree(t *testing.T, dir string) map[string]string {
	res := map[string]string{}
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		if info.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		buf, err := ioutil.ReadFile(path)
		require.NoError(t, err)
		res[filepath.ToSlash(rel)] = string(buf)
		return nil
	})
	require.NoError(t, err)
	return res
}

func pack(t *testing.T, files map[string]string) []byte {
	var buf bytes.Buffer
	require.NoError(t, PackDir(writeTree(t, files), &buf))
	return buf.Bytes()
}

var tree = map[string]string{
	"package.json":     `{"name":"app"}`,
	"lib/server.js":    "console.log(process.env.PORT)",
	"lib/deep/data.md": "# data",
}

func TestStoreAndExtract(t *testing.T) {
	m := newTestManager(t, true)
	assert.False(t, m.HasFileToSync())

	require.NoError(t, m.Store(bytes.NewReader(pack(t, tree))))

	assert.True(t, m.HasFileToSync())
	assert.Equal(t, tree, readTree(t, m.GetFilePath()))

	// a second archive replaces the folder content
	require.NoError(t, m.Store(bytes.NewReader(pack(t, map[string]string{"only.txt": "x"}))))
	assert.Equal(t, map[string]string{"only.txt": "x"}, readTree(t, m.GetFilePath()))
}

func TestStoreRequiresMaster(t *testing.T) {
	m := newTestManager(t, false)
	err := m.Store(bytes.NewReader(pack(t, tree)))
	assert.True(t, errors.Is(err, ErrNotFileMaster))
}

func TestClear(t *testing.T) {
	m := newTestManager(t, true)
	require.NoError(t, m.Store(bytes.NewReader(pack(t, tree))))

	require.NoError(t, m.Clear())

	_, err := os.Stat(m.GetFile())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(m.GetFilePath())
	assert.True(t, os.IsNotExist(err))

	// clearing nothing is fine
	assert.NoError(t, m.Clear())
	assert.False(t, m.HasFileToSync())

	_, err = m.Open()
	assert.Equal(t, ErrNoFile, err)
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("owned")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "../escape.txt",
		Mode:     0644,
		Size:     int64(len(body)),
		Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	m := newTestManager(t, true)
	err = m.Store(&buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUnsafePath))

	_, err = os.Stat(filepath.Join(filepath.Dir(m.GetFilePath()), "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestStoreRejectsGarbage(t *testing.T) {
	m := newTestManager(t, true)
	assert.Error(t, m.Store(bytes.NewReader([]byte("not an archive"))))
	assert.False(t, m.HasFileToSync())

	good := pack(t, tree)
	require.NoError(t, m.Store(bytes.NewReader(good)))

	assert.Error(t, m.Store(bytes.NewReader([]byte("not an archive"))))
	assert.True(t, m.HasFileToSync())

	stored, err := ioutil.ReadFile(m.GetFile())
	require.NoError(t, err)
	assert.Equal(t, good, stored)
	assert.Equal(t, tree, readTree(t, m.GetFilePath()))
}

func serve(t *testing.T, handler http.Handler) (string, int) {
	creds, err := crypto.DefaultCredentials()
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(handler)
	srv.TLS = creds.TLSConfig()
	srv.StartTLS()
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return host, port
}

func TestSynchronize(t *testing.T) {
	master := newTestManager(t, true)
	require.NoError(t, master.Store(bytes.NewReader(pack(t, tree))))

	host, port := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, FilesPath, r.URL.Path)
		f, err := master.Open()
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	}))

	node := newTestManager(t, false)
	require.NoError(t, node.Synchronize(context.Background(), host, port))

	assert.True(t, node.HasFileToSync())
	assert.Equal(t, tree, readTree(t, node.GetFilePath()))
}

func TestSynchronizeNoFile(t *testing.T) {
	host, port := serve(t, http.NotFoundHandler())

	node := newTestManager(t, false)
	err := node.Synchronize(context.Background(), host, port)
	assert.True(t, errors.Is(err, ErrNoFile))
	assert.False(t, node.HasFileToSync())
}

func TestSynchronizeUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	node := newTestManager(t, false)
	assert.Error(t, node.Synchronize(context.Background(), "127.0.0.1", port))
}
