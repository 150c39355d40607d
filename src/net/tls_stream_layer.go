package net

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/mosaicnetworks/cloudsync/src/common"
)

var (
	// ErrNoFreePort is returned when no port of the range can be bound.
	ErrNoFreePort = errors.New("no free port in range")

	errNotAdvertisable = errors.New("local bind address is not advertisable")
	errBadPortRange    = errors.New("invalid port range")
)

// TLSStreamLayer implements the StreamLayer interface over mutually
// authenticated TLS.
type TLSStreamLayer struct {
	advertise string
	listener  net.Listener
	dialer    *tls.Dialer
}

// Dial implements the StreamLayer interface. The TLS handshake is complete
// when it returns.
func (t *TLSStreamLayer) Dial(ctx context.Context, address string) (net.Conn, error) {
	return t.dialer.DialContext(ctx, "tcp", address)
}

// Accept implements the net.Listener interface.
func (t *TLSStreamLayer) Accept() (c net.Conn, err error) {
	return t.listener.Accept()
}

// Close implements the net.Listener interface.
func (t *TLSStreamLayer) Close() (err error) {
	return t.listener.Close()
}

// Addr implements the net.Listener interface.
func (t *TLSStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}

// AdvertiseAddr implements the StreamLayer interface.
func (t *TLSStreamLayer) AdvertiseAddr() string {
	return t.advertise
}

// NewTLSStreamLayer binds a TLS listener on bindAddr. When advertiseHost is
// empty, the bound host is advertised, or the local network address if the
// listener is bound to all interfaces.
func NewTLSStreamLayer(
	bindAddr string,
	advertiseHost string,
	tlsConfig *tls.Config,
	dialTimeout time.Duration,
) (*TLSStreamLayer, error) {

	list, err := tls.Listen("tcp", bindAddr, tlsConfig)
	if err != nil {
		return nil, err
	}

	addr, ok := list.Addr().(*net.TCPAddr)
	if !ok {
		list.Close()
		return nil, errNotAdvertisable
	}

	host := advertiseHost
	if host == "" {
		if addr.IP.IsUnspecified() {
			host = common.LocalAddress()
		} else {
			host = addr.IP.String()
		}
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		list.Close()
		return nil, errNotAdvertisable
	}

	stream := &TLSStreamLayer{
		advertise: net.JoinHostPort(host, strconv.Itoa(addr.Port)),
		listener:  list,
		dialer: &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: dialTimeout},
			Config:    tlsConfig,
		},
	}

	return stream, nil
}

// ListenPortRange binds a TLSStreamLayer on the first free port of ports.
func ListenPortRange(
	bindHost string,
	ports PortRange,
	advertiseHost string,
	tlsConfig *tls.Config,
	dialTimeout time.Duration,
) (*TLSStreamLayer, error) {

	if !ports.Valid() {
		return nil, fmt.Errorf("%w: %d-%d", errBadPortRange, ports.Min, ports.Max)
	}

	for port := ports.Min; port <= ports.Max; port++ {
		bindAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))

		stream, err := NewTLSStreamLayer(bindAddr, advertiseHost, tlsConfig, dialTimeout)
		if err == nil {
			return stream, nil
		}
		if errors.Is(err, errNotAdvertisable) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w %d-%d", ErrNoFreePort, ports.Min, ports.Max)
}
