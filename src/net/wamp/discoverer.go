package wamp

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/sirupsen/logrus"
)

// AnnounceTopic is the topic nodes publish their address on.
const AnnounceTopic = "cloudsync.announce"

// DefaultInterval is the pause between two announcements.
const DefaultInterval = 5 * time.Second

// Discoverer implements the net.Discoverer interface through a WAMP router.
type Discoverer struct {
	// Server is the host:port of the router.
	Server string

	// Realm is the WAMP realm to join.
	Realm string

	// Namespace filters the announcements this node listens to.
	Namespace string

	// TLS verifies the router certificate. The cluster credentials are
	// normally used, so a router serving the cluster certificate is trusted
	// without touching the platform roots.
	TLS *tls.Config

	// Interval is the pause between two announcements.
	Interval time.Duration

	// ResponseTimeout bounds router requests.
	ResponseTimeout time.Duration

	Logger *logrus.Entry
}

func (d *Discoverer) connect(ctx context.Context) (*client.Client, error) {
	cfg := client.Config{
		Realm:           d.Realm,
		ResponseTimeout: d.ResponseTimeout,
		Logger:          d.Logger,
		TlsCfg:          d.TLS,
	}

	return client.ConnectNet(ctx, fmt.Sprintf("wss://%s", d.Server), cfg)
}

// Run implements the net.Discoverer interface. It subscribes to the announce
// topic and publishes self every Interval.
func (d *Discoverer) Run(ctx context.Context, self string, out chan<- string) error {
	if d.Logger == nil {
		d.Logger = logrus.NewEntry(logrus.New())
	}

	cli, err := d.connect(ctx)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", d.Server, err)
	}
	defer cli.Close()

	found := make(chan string, 16)

	handler := func(ev *wamp.Event) {
		ns, addr, ok := parseAnnouncement(ev.Arguments)
		if !ok {
			d.Logger.WithField("args", ev.Arguments).Debug("Ignoring malformed announcement")
			return
		}
		if ns != d.Namespace || addr == self {
			return
		}
		select {
		case found <- addr:
		default:
			// the next announcement of that node will get through
		}
	}

	if err := cli.Subscribe(AnnounceTopic, handler, nil); err != nil {
		return fmt.Errorf("subscribing to %s: %w", AnnounceTopic, err)
	}

	d.Logger.WithFields(logrus.Fields{
		"server": d.Server,
		"realm":  d.Realm,
	}).Debug("Joined signalling realm")

	interval := d.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	publish := func() error {
		return cli.Publish(AnnounceTopic, nil, wamp.List{d.Namespace, self}, nil)
	}

	if err := publish(); err != nil {
		return fmt.Errorf("publishing announcement: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cli.Done():
			return fmt.Errorf("disconnected from %s", d.Server)
		case addr := <-found:
			select {
			case out <- addr:
			case <-ctx.Done():
				return nil
			}
		case <-ticker.C:
			if err := publish(); err != nil {
				d.Logger.WithError(err).Warn("Publishing announcement")
			}
		}
	}
}

func parseAnnouncement(args wamp.List) (ns string, addr string, ok bool) {
	if len(args) < 2 {
		return "", "", false
	}

	ns, ok = wamp.AsString(args[0])
	if !ok {
		return "", "", false
	}

	addr, ok = wamp.AsString(args[1])
	if !ok || addr == "" {
		return "", "", false
	}

	return ns, addr, true
}
