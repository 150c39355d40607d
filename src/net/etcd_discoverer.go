package net

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultEtcdTTL is the lease TTL, in seconds, used when none is set.
const DefaultEtcdTTL = 10

// EtcdDiscoverer registers the local node in etcd under
// /cloudsync/<namespace>/nodes/<node id>, bound to a lease kept alive for the
// lifetime of Run, and announces every address registered under the same
// prefix, including those added later.
type EtcdDiscoverer struct {
	Endpoints   []string
	Namespace   string
	NodeID      string
	TTL         int64
	DialTimeout time.Duration
	Logger      *zap.Logger
}

func (e *EtcdDiscoverer) prefix() string {
	return fmt.Sprintf("/cloudsync/%s/nodes/", e.Namespace)
}

func (e *EtcdDiscoverer) newClient() (*clientv3.Client, error) {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialTimeout := e.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	return clientv3.New(clientv3.Config{
		Endpoints:   e.Endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger,
	})
}

// Run implements the Discoverer interface.
func (e *EtcdDiscoverer) Run(ctx context.Context, self string, out chan<- string) error {
	cli, err := e.newClient()
	if err != nil {
		return fmt.Errorf("creating etcd client: %w", err)
	}
	defer cli.Close()

	ttl := e.TTL
	if ttl <= 0 {
		ttl = DefaultEtcdTTL
	}

	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("granting lease: %w", err)
	}

	defer func() {
		// ctx is done at this point
		revokeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cli.Revoke(revokeCtx, lease.ID)
	}()

	key := e.prefix() + e.NodeID
	if _, err := cli.Put(ctx, key, self, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registering node: %w", err)
	}

	keepAlive, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keeping lease alive: %w", err)
	}

	resp, err := cli.Get(ctx, e.prefix(), clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}

	for _, kv := range resp.Kvs {
		if string(kv.Key) == key {
			continue
		}
		if !announce(ctx, out, string(kv.Value)) {
			return nil
		}
	}

	watch := cli.Watch(ctx, e.prefix(), clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-keepAlive:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("lease %x expired", lease.ID)
			}
		case wr, ok := <-watch:
			if !ok {
				return nil
			}
			if err := wr.Err(); err != nil {
				return fmt.Errorf("watching nodes: %w", err)
			}
			for _, ev := range wr.Events {
				if ev.Type != mvccpb.PUT || string(ev.Kv.Key) == key {
					continue
				}
				if !announce(ctx, out, string(ev.Kv.Value)) {
					return nil
				}
			}
		}
	}
}
