package wamp

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"github.com/gammazero/nexus/v3/router"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/sirupsen/logrus"
)

// Server is a WAMP router served over secured web-sockets. It relays the
// announcements of Discoverers joined to its realm.
type Server struct {
	address    string
	router     router.Router
	httpServer *http.Server
	listener   net.Listener
	logger     *logrus.Entry
}

// NewServer instantiates a new Server which can be run at a specified address.
// The TLS configuration must carry the server certificate.
func NewServer(address string,
	realm string,
	tlsConfig *tls.Config,
	logger *logrus.Entry) (*Server, error) {

	// Create router instance.
	routerConfig := &router.Config{
		RealmConfigs: []*router.RealmConfig{
			{
				URI:           wamp.URI(realm),
				AnonymousAuth: true,
			},
		},
	}

	nxr, err := router.NewRouter(routerConfig, logger)
	if err != nil {
		return nil, err
	}

	wss := router.NewWebsocketServer(nxr)

	// The router only needs a server certificate; clients are not
	// authenticated at the TLS level.
	serverTLS := tlsConfig.Clone()
	serverTLS.ClientAuth = tls.NoClientCert

	httpServer := &http.Server{
		Handler:   wss,
		Addr:      address,
		TLSConfig: serverTLS,
	}

	res := &Server{
		address:    address,
		router:     nxr,
		httpServer: httpServer,
		logger:     logger,
	}

	return res, nil
}

// Listen binds the server address. Addr returns the bound address afterwards.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	s.listener = l
	s.address = l.Addr().String()
	return nil
}

// Run serves the WAMP websocket server until Shutdown. It binds the address
// first if Listen was not called.
func (s *Server) Run() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	// The certificates have already been loaded in the TLSConfig of the
	// server in the constructor
	err := s.httpServer.ServeTLS(s.listener, "", "")
	if err != nil && err != http.ErrServerClosed {
		s.logger.WithError(err).Error("Run")
		return err
	}
	return nil
}

// Shutdown stops the websocket server, and the wamp router
func (s *Server) Shutdown() {
	defer s.router.Close()

	if err := s.httpServer.Shutdown(context.Background()); err != nil {
		s.logger.WithError(err).Error("Shutting down http server")
	}
}

// Addr returns the address of the server
func (s *Server) Addr() string {
	return s.address
}
