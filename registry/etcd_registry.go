package registry

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/juju/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix roots every registry key:
//
//	Key:   /amqp-rpc/commands/{command}/{id}
//	Value: JSON-encoded Instance
const KeyPrefix = "/amqp-rpc/commands/"

// EtcdRegistry implements Registry on etcd v3. Entries are attached to a TTL lease kept
// alive in the background, so a crashed server drops out of the catalog on its own.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease
	ctx    context.Context             // Parent of every keep-alive
	cancel context.CancelFunc
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Annotate(err, "connecting to etcd")
	}
	return NewEtcdRegistryFromClient(c, logger), nil
}

// NewEtcdRegistryFromClient wraps an existing client. Close closes it.
func NewEtcdRegistryFromClient(c *clientv3.Client, logger *zap.Logger) *EtcdRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		logger: logger.With(zap.String("component", "registry")),
		leases: make(map[string]clientv3.LeaseID),
		ctx:    ctx,
		cancel: cancel,
	}
}

func commandPrefix(command string) string {
	return KeyPrefix + command + "/"
}

func instanceKey(command, id string) string {
	return path.Join(KeyPrefix, command, id)
}

// Register puts the instance under a fresh lease and keeps the lease alive until
// Deregister or Close. Registering the same id again replaces the previous entry.
func (r *EtcdRegistry) Register(ctx context.Context, command string, instance Instance, ttl int64) error {
	if command == "" || instance.ID == "" {
		return errors.NotValidf("registry entry %q/%q", command, instance.ID)
	}
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Annotatef(err, "granting lease for %q", command)
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Trace(err)
	}
	key := instanceKey(command, instance.ID)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Annotatef(err, "registering %q", key)
	}

	// The keep-alive outlives the caller's ctx; it is bound to the registry instead.
	alive, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return errors.Annotatef(err, "keeping %q alive", key)
	}
	go func() {
		for range alive {
		}
	}()

	r.mu.Lock()
	old, replaced := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if replaced {
		r.revoke(ctx, old)
	}
	return nil
}

// Deregister removes the entry and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, command, id string) error {
	key := instanceKey(command, id)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Annotatef(err, "deregistering %q", key)
	}
	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		r.revoke(ctx, lease)
	}
	return nil
}

func (r *EtcdRegistry) revoke(ctx context.Context, lease clientv3.LeaseID) {
	if _, err := r.client.Revoke(ctx, lease); err != nil {
		r.logger.Warn("revoking lease failed", zap.Int64("lease", int64(lease)), zap.Error(err))
	}
}

// Discover returns the instances registered for command, in key order.
func (r *EtcdRegistry) Discover(ctx context.Context, command string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, commandPrefix(command), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Annotatef(err, "discovering %q", command)
	}
	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch re-reads the instance list on every change under the command's prefix. The
// returned channel is closed when ctx is done or the registry is closed.
func (r *EtcdRegistry) Watch(ctx context.Context, command string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-r.ctx.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		events := r.client.Watch(ctx, commandPrefix(command), clientv3.WithPrefix())
		for range events {
			instances, err := r.Discover(ctx, command)
			if err != nil {
				r.logger.Warn("refreshing watched command failed", zap.String("command", command), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops every keep-alive and closes the etcd client. Entries expire with their
// leases unless deregistered first.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return errors.Trace(r.client.Close())
}
