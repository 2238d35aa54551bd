package registry

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// KeyPrefix is the root of every worker key:
//
//	Key:   /proof-rpc/workers/{name}/{addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if the worker crashes, the lease expires
// and the entry disappears, so clients never resolve a dead worker for long.
const KeyPrefix = "/proof-rpc/workers/"

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, xerrors.Errorf("connect etcd: %w", err)
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

func key(name, addr string) string {
	return KeyPrefix + name + "/" + addr
}

// Register stores instance under name with a lease of ttl seconds and keeps
// the lease alive until Deregister or Close.
//
// The lease ID stays local so one EtcdRegistry can serve several workers.
func (r *EtcdRegistry) Register(ctx context.Context, name string, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return xerrors.Errorf("grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	if _, err := r.client.Put(ctx, key(name, instance.Addr), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return xerrors.Errorf("put %s: %w", name, err)
	}

	// KeepAlive must outlive the registration call, so it gets its own context.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return xerrors.Errorf("keep lease alive: %w", err)
	}

	// Drain responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("name", name), zap.String("addr", instance.Addr))
	}()
	return nil
}

// Deregister removes a worker address. Called before the worker stops listening.
func (r *EtcdRegistry) Deregister(ctx context.Context, name string, addr string) error {
	if _, err := r.client.Delete(ctx, key(name, addr)); err != nil {
		return xerrors.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// Discover returns every worker registered under name.
func (r *EtcdRegistry) Discover(ctx context.Context, name string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, KeyPrefix+name+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed worker entry", zap.ByteString("key", kv.Key))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
