package files

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FilesPath is the Control API route of the archive.
const FilesPath = "/files"

var (
	// ErrNotFileMaster is returned when an operation reserved to the file
	// master is invoked on another node.
	ErrNotFileMaster = errors.New("not the file master")

	// ErrNoFile is returned when there is no archive to serve or fetch.
	ErrNoFile = errors.New("no file to sync")
)

// Config configures a Manager.
type Config struct {
	// DestFile is where the archive is stored.
	DestFile string

	// DestFolder is where the archive is extracted.
	DestFolder string

	// IsFileMaster is fixed for the lifetime of the Manager.
	IsFileMaster bool

	// TLS is the client configuration used to reach the master's Control
	// API.
	TLS *tls.Config

	// Timeout bounds a download. Zero means no timeout.
	Timeout time.Duration
}

// Manager stores, serves, fetches and clears the file set.
type Manager struct {
	sync.Mutex

	conf   Config
	client *http.Client
	logger *logrus.Entry
}

// NewManager creates a Manager.
func NewManager(conf Config, logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	transport := &http.Transport{
		TLSClientConfig:     conf.TLS,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableKeepAlives:   true,
	}

	return &Manager{
		conf: conf,
		client: &http.Client{
			Transport: transport,
			Timeout:   conf.Timeout,
		},
		logger: logger,
	}
}

// IsFileMaster reports whether this node owns the file set.
func (m *Manager) IsFileMaster() bool {
	return m.conf.IsFileMaster
}

// HasFileToSync reports whether a non-empty archive is stored.
func (m *Manager) HasFileToSync() bool {
	info, err := os.Stat(m.conf.DestFile)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// GetFilePath returns the folder the archive is extracted into.
func (m *Manager) GetFilePath() string {
	return m.conf.DestFolder
}

// GetFile returns the path of the archive.
func (m *Manager) GetFile() string {
	return m.conf.DestFile
}

// Synchronize downloads the archive from the Control API at ip:port and
// extracts it into a fresh DestFolder.
func (m *Manager) Synchronize(ctx context.Context, ip string, port int) error {
	url := fmt.Sprintf("https://%s%s", net.JoinHostPort(ip, strconv.Itoa(port)), FilesPath)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)

	m.logger.WithField("url", url).Debug("Downloading files")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("downloading %s: %w", url, ErrNoFile)
	default:
		return fmt.Errorf("downloading %s: unexpected status %s", url, resp.Status)
	}

	if err := m.store(resp.Body); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"file":   m.conf.DestFile,
		"folder": m.conf.DestFolder,
	}).Info("Files synchronized")

	return nil
}

// Store persists the archive read from r and extracts it. Only the file
// master accepts uploads.
func (m *Manager) Store(r io.Reader) error {
	if !m.conf.IsFileMaster {
		return ErrNotFileMaster
	}
	return m.store(r)
}

// Open returns the stored archive.
func (m *Manager) Open() (*os.File, error) {
	f, err := os.Open(m.conf.DestFile)
	if os.IsNotExist(err) {
		return nil, ErrNoFile
	}
	return f, err
}

// Clear removes the archive and the extracted folder. Missing paths are not
// an error.
func (m *Manager) Clear() error {
	m.Lock()
	defer m.Unlock()

	if err := os.RemoveAll(m.conf.DestFile); err != nil {
		return err
	}
	if err := os.RemoveAll(m.conf.DestFolder); err != nil {
		return err
	}

	m.logger.Debug("Files cleared")

	return nil
}

func (m *Manager) store(r io.Reader) error {
	m.Lock()
	defer m.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.conf.DestFile), 0755); err != nil {
		return err
	}

	tmp, err := ioutil.TempFile(filepath.Dir(m.conf.DestFile), ".download-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// DestFile only ever holds an archive that extracted cleanly
	if err := m.extract(tmp.Name()); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), m.conf.DestFile)
}

// extract replaces DestFolder with the content of the archive at path. The
// archive is unpacked into a sibling folder first, so a corrupt archive
// leaves the current folder untouched.
func (m *Manager) extract(path string) error {
	parent := filepath.Dir(m.conf.DestFolder)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return err
	}

	staging, err := ioutil.TempDir(parent, ".extract-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := extract(f, staging); err != nil {
		return err
	}

	if err := os.RemoveAll(m.conf.DestFolder); err != nil {
		return err
	}

	if err := os.Chmod(staging, 0755); err != nil {
		return err
	}

	return os.Rename(staging, m.conf.DestFolder)
}
