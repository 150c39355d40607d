package service

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mosaicnetworks/cloudsync/src/files"
	"github.com/mosaicnetworks/cloudsync/src/peers"
	"github.com/mosaicnetworks/cloudsync/src/tasks"
	"github.com/mosaicnetworks/cloudsync/src/telemetry"
	"github.com/sirupsen/logrus"
)

// ShutdownTimeout bounds the graceful stop of the server.
const ShutdownTimeout = 5 * time.Second

// Node is the protocol handler as seen by the Control API.
type Node interface {
	GetStats() map[string]string
	GetPeers() []*peers.Peer
	AskAllPeersToSync()
	AskAllPeersToClear()
}

// Files is the file synchronization engine as seen by the Control API.
type Files interface {
	IsFileMaster() bool
	GetFilePath() string
	Open() (*os.File, error)
	Store(r io.Reader) error
}

// Tasks is the task orchestration engine as seen by the Control API.
type Tasks interface {
	InitTaskGroup(ctx context.Context, meta tasks.Meta) error
	GetTaskMeta() tasks.Meta
	Tasks() []tasks.Info
}

// Service is the Control API: an HTTPS server exposing stats, peers, files
// and tasks, and the sync and clear broadcasts.
type Service struct {
	sync.Mutex

	bindAddress string
	tlsConfig   *tls.Config
	node        Node
	files       Files
	tasks       Tasks
	logger      *logrus.Entry

	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewService ...
func NewService(bindAddress string,
	tlsConfig *tls.Config,
	n Node,
	f Files,
	t Tasks,
	logger *logrus.Entry,
) *Service {
	service := Service{
		bindAddress: bindAddress,
		tlsConfig:   tlsConfig,
		node:        n,
		files:       f,
		tasks:       t,
		logger:      logger,
		mux:         http.NewServeMux(),
	}

	service.registerHandlers()

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering Control API handlers")
	s.handle("/stats", "stats", s.GetStats)
	s.handle("/peers", "peers", s.GetPeers)
	s.handle(files.FilesPath, "files", s.Files)
	s.handle("/tasks", "tasks", s.Tasks)
	s.handle("/sync", "sync", s.Sync)
	s.handle("/clear", "clear", s.Clear)
	s.mux.Handle("/metrics", telemetry.Instrument("metrics", telemetry.MetricsHandler()))
}

func (s *Service) handle(pattern, op string, fn func(http.ResponseWriter, *http.Request)) {
	s.mux.Handle(pattern, telemetry.Instrument(op, s.makeHandler(fn)))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Handler returns the route multiplexer.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Start binds the listener and serves in the background. Bind errors are
// returned.
func (s *Service) Start() error {
	s.Lock()
	defer s.Unlock()

	if s.server != nil {
		return nil
	}

	l, err := tls.Listen("tcp", s.bindAddress, s.tlsConfig)
	if err != nil {
		return err
	}

	s.listener = l
	s.server = &http.Server{Handler: s.mux}
	s.done = make(chan struct{})

	s.logger.WithField("bind_address", l.Addr().String()).Info("Serving Control API")

	go func(server *http.Server, done chan struct{}) {
		defer close(done)
		if err := server.Serve(l); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Control API")
		}
	}(s.server, s.done)

	return nil
}

// Stop shuts the server down gracefully. It is a no-op when the server is not
// started.
func (s *Service) Stop() error {
	s.Lock()
	defer s.Unlock()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	<-s.done

	s.server = nil
	s.listener = nil

	return err
}

// Addr returns the bound address, or the configured one before Start.
func (s *Service) Addr() string {
	s.Lock()
	defer s.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.bindAddress
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	writeJSON(w, s.node.GetStats())
}

// GetPeers ...
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	list := s.node.GetPeers()

	infos := make([]peers.Info, 0, len(list))
	for _, p := range list {
		infos = append(infos, p.Info())
	}

	writeJSON(w, infos)
}

// Files serves the archive on GET and accepts a new one on POST. A successful
// upload is broadcast to every peer.
func (s *Service) Files(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f, err := s.files.Open()
		if errors.Is(err, files.ErrNoFile) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			s.logger.WithError(err).Error("Opening archive")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", "application/gzip")
		if _, err := io.Copy(w, f); err != nil {
			s.logger.WithError(err).Warn("Serving archive")
		}

	case http.MethodPost:
		err := s.files.Store(r.Body)
		if errors.Is(err, files.ErrNotFileMaster) {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		if err != nil {
			s.logger.WithError(err).Error("Storing archive")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.node.AskAllPeersToSync()

		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// Tasks returns the task metadata and the running group on GET. POST replaces
// the metadata, restarts the local group, and asks every peer to sync when
// this node is the file master.
func (s *Service) Tasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]interface{}{
			"meta":  s.tasks.GetTaskMeta(),
			"tasks": s.tasks.Tasks(),
		})

	case http.MethodPost:
		var meta tasks.Meta
		if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if meta == nil {
			meta = tasks.Meta{}
		}

		err := s.tasks.InitTaskGroup(r.Context(), meta.WithBaseFolder(s.files.GetFilePath()))
		if err != nil {
			s.logger.WithError(err).Error("Starting task group")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if s.files.IsFileMaster() {
			s.node.AskAllPeersToSync()
		}

		writeJSON(w, s.tasks.Tasks())

	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// Sync asks every peer to sync.
func (s *Service) Sync(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	s.node.AskAllPeersToSync()

	w.WriteHeader(http.StatusNoContent)
}

// Clear asks every peer to clear its files.
func (s *Service) Clear(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	s.node.AskAllPeersToClear()

	w.WriteHeader(http.StatusNoContent)
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	methodNotAllowed(w, method)
	return false
}

func methodNotAllowed(w http.ResponseWriter, methods ...string) {
	for _, m := range methods {
		w.Header().Add("Allow", m)
	}
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(v)
}
