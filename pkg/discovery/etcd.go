// Package discovery provides optional etcd-backed dynamic membership:
// each node registers itself under a leased key and watches the prefix so
// the registry tracks nodes joining and leaving without config pushes.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const nodePrefix = "/gpumon/nodes/"

// NewClient dials etcd.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "etcd client")
	}
	return cli, nil
}

// Register puts this node under the mesh prefix with a kept-alive lease of
// ttl seconds. The returned release func stops the keepalive and revokes
// the lease; peers then see the node disappear within the TTL.
func Register(ctx context.Context, cli *clientv3.Client, id, addr string, ttl int64, log *zap.Logger) (func(), error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return nil, errors.Wrap(err, "grant lease")
	}

	key := nodePrefix + id
	if _, err := cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return nil, errors.Wrapf(err, "register %s", key)
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return nil, errors.Wrap(err, "keepalive")
	}
	go func() {
		for range ch {
			// drain keepalive acks until the channel closes
		}
		log.Debug("etcd keepalive channel closed", zap.String("node", id))
	}()

	release := func() {
		kaCancel()
		rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, err := cli.Revoke(rctx, lease.ID); err != nil {
			log.Warn("lease revoke failed", zap.Error(err))
		}
	}
	return release, nil
}

// FetchPeers reads the current membership under the mesh prefix.
func FetchPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(ctx, nodePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "fetch peers")
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), nodePrefix)
		peers[id] = string(kv.Value)
	}
	return peers, nil
}

// WatchPeers invokes fn with the full membership map after every change
// under the mesh prefix, starting with the current state. Runs until ctx
// is cancelled.
func WatchPeers(ctx context.Context, cli *clientv3.Client, log *zap.Logger, fn func(peers map[string]string)) error {
	peers, err := FetchPeers(ctx, cli)
	if err != nil {
		return err
	}
	fn(peers)

	watch := cli.Watch(ctx, nodePrefix, clientv3.WithPrefix())
	go func() {
		for resp := range watch {
			if resp.Err() != nil {
				log.Warn("peer watch error", zap.Error(resp.Err()))
				continue
			}
			changed := false
			for _, ev := range resp.Events {
				id := strings.TrimPrefix(string(ev.Kv.Key), nodePrefix)
				switch ev.Type {
				case clientv3.EventTypePut:
					peers[id] = string(ev.Kv.Value)
					changed = true
				case clientv3.EventTypeDelete:
					delete(peers, id)
					changed = true
				}
			}
			if changed {
				snapshot := make(map[string]string, len(peers))
				for id, addr := range peers {
					snapshot[id] = addr
				}
				log.Info("membership changed", zap.Int("peers", len(snapshot)))
				fn(snapshot)
			}
		}
	}()
	return nil
}

// Key returns the etcd key a node registers under; exported for tooling.
func Key(id string) string { return fmt.Sprintf("%s%s", nodePrefix, id) }
