package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newEtcdRegistry(t *testing.T) *EtcdRegistry {
	endpoints := os.Getenv("AMQP_RPC_TEST_ETCD")
	if endpoints == "" {
		t.Skip("AMQP_RPC_TEST_ETCD not set")
	}
	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newEtcdRegistry(t)
	ctx := context.Background()
	command := "test-" + uuid.NewString()

	inst1 := Instance{ID: "server-1", Queue: command, Version: "1.0"}
	inst2 := Instance{ID: "server-2", Queue: command, Version: "1.0"}

	if err := reg.Register(ctx, command, inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, command, inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, command)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister(ctx, command, inst1.ID); err != nil {
		t.Fatal(err)
	}
	instances, err = reg.Discover(ctx, command)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0] != inst2 {
		t.Fatalf("expect %+v, got %+v", inst2, instances[0])
	}

	reg.Deregister(ctx, command, inst2.ID)
}

func TestEtcdWatch(t *testing.T) {
	reg := newEtcdRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	command := "test-" + uuid.NewString()

	updates := reg.Watch(ctx, command)
	// Give the watch time to be established before writing.
	time.Sleep(100 * time.Millisecond)
	if err := reg.Register(ctx, command, Instance{ID: "server-1", Queue: command}, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(context.Background(), command, "server-1")

	select {
	case instances := <-updates:
		if len(instances) != 1 || instances[0].ID != "server-1" {
			t.Fatalf("unexpected watch update %+v", instances)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no watch update")
	}
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	reg := NewEtcdRegistryFromClient(nil, nil)
	defer reg.cancel()
	if err := reg.Register(context.Background(), "foo", Instance{}, 10); err == nil {
		t.Fatal("expect error for empty instance id")
	}
}
