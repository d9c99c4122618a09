package registry

import (
	"context"
	"testing"
	"time"

	"github.com/HectorEspejo/iris/pkg/types"
)

type fakeSender struct{ closed bool }

func (f *fakeSender) Send([]byte) error { return nil }
func (f *fakeSender) Close() error      { f.closed = true; return nil }

type alwaysVerifier struct{ ref string }

func (a alwaysVerifier) Verify(ctx context.Context, nodeID, proof string) (string, bool) {
	if proof == "" {
		return "", false
	}
	return a.ref, true
}

func TestRegisterDerivesTierAndInserts(t *testing.T) {
	cfg := DefaultConfig()
	reg := NewMemory(cfg, alwaysVerifier{ref: "acct-1"}, nil)
	defer reg.Close()

	res, err := reg.Register(context.Background(), Handshake{
		NodeID:       "node-1",
		AccountProof: "proof",
		Capabilities: types.Capabilities{ParamsBillions: 34, TokensPerSecond: 40, Quantization: "Q4"},
		Conn:         &fakeSender{},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.Tier != types.TierPro {
		t.Fatalf("expected PRO tier, got %s", res.Tier)
	}

	snap, err := reg.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 1 || snap[0].ID != "node-1" {
		t.Fatalf("expected one node in snapshot, got %+v", snap)
	}
}

func TestRegisterRejectsInvalidProof(t *testing.T) {
	reg := NewMemory(DefaultConfig(), alwaysVerifier{ref: "acct-1"}, nil)
	defer reg.Close()

	_, err := reg.Register(context.Background(), Handshake{
		NodeID:       "node-1",
		AccountProof: "",
		Capabilities: types.Capabilities{ParamsBillions: 1},
		Conn:         &fakeSender{},
	})
	if err != ErrAuth {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestDisplacementClosesOldConnection(t *testing.T) {
	reg := NewMemory(DefaultConfig(), alwaysVerifier{ref: "acct-1"}, nil)
	defer reg.Close()

	old := &fakeSender{}
	if _, err := reg.Register(context.Background(), Handshake{
		NodeID: "node-1", AccountProof: "p", Capabilities: types.Capabilities{ParamsBillions: 1}, Conn: old,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := reg.Register(context.Background(), Handshake{
		NodeID: "node-1", AccountProof: "p", Capabilities: types.Capabilities{ParamsBillions: 1}, Conn: &fakeSender{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Displaced {
		t.Fatal("expected displacement")
	}
	if !old.closed {
		t.Fatal("expected old connection to be closed")
	}
}

func TestLoadNeverGoesNegative(t *testing.T) {
	reg := NewMemory(DefaultConfig(), nil, nil)
	defer reg.Close()

	if _, err := reg.Register(context.Background(), Handshake{
		NodeID: "node-1", Capabilities: types.Capabilities{ParamsBillions: 1}, Conn: &fakeSender{},
	}); err != nil {
		t.Fatal(err)
	}
	reg.DecrementLoad("node-1")
	reg.DecrementLoad("node-1")

	snap, _ := reg.Snapshot(context.Background())
	if snap[0].EffectiveLoad < 0 {
		t.Fatalf("load went negative: %d", snap[0].EffectiveLoad)
	}
}

func TestUpdateReputationReflectsInSnapshot(t *testing.T) {
	reg := NewMemory(DefaultConfig(), nil, nil)
	defer reg.Close()

	if _, err := reg.Register(context.Background(), Handshake{
		NodeID: "node-1", Capabilities: types.Capabilities{ParamsBillions: 1}, Conn: &fakeSender{},
	}); err != nil {
		t.Fatal(err)
	}

	reg.UpdateReputation("node-1", 87.5)
	snap, _ := reg.Snapshot(context.Background())
	if snap[0].Reputation != 87.5 {
		t.Fatalf("expected reputation 87.5, got %v", snap[0].Reputation)
	}
}

func TestHeartbeatTimeoutReapsNode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatIntervalS = 1
	cfg.HeartbeatTimeoutMultiple = 1
	cfg.ReapInterval = 10 * time.Millisecond
	reg := NewMemory(cfg, nil, nil)
	defer reg.Close()

	if _, err := reg.Register(context.Background(), Handshake{
		NodeID: "node-1", Capabilities: types.Capabilities{ParamsBillions: 1}, Conn: &fakeSender{},
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-reg.NodeLost():
		if ev.NodeID != "node-1" {
			t.Fatalf("unexpected node-lost event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected NodeLost event after heartbeat timeout")
	}
}
