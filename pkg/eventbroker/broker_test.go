package eventbroker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/relaycore/scheduled/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(Config{
		RedisAddr:         "127.0.0.1:0", // never dialed by the tests below
		InstanceID:        "self",
		HeartbeatInterval: 10 * time.Millisecond,
	})
	b.pid = 100
	return b
}

func TestBroker_SubscribeUnsubscribeLocalBroadcast(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe()

	msg := &types.BrokerMessage{Type: types.BrokerEvent, InstanceID: "peer", Payload: []byte("hello")}
	b.broadcastLocal(msg)

	select {
	case got := <-sub:
		require.Equal(t, []byte("hello"), got.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected local subscriber to receive broadcast event")
	}

	b.Unsubscribe(sub)
	_, open := <-sub
	require.False(t, open)
}

func TestBroker_HandleInbound_IgnoresSelf(t *testing.T) {
	b := newTestBroker(t)
	sub := b.Subscribe()

	msg := types.BrokerMessage{Type: types.BrokerEvent, InstanceID: "self", Payload: []byte("x")}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	b.handleInbound(string(data))

	select {
	case <-sub:
		t.Fatal("self-originated event must not be re-delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_HandleInbound_HeartbeatAndShutdown(t *testing.T) {
	b := newTestBroker(t)

	hb := types.BrokerMessage{Type: types.BrokerHeartbeat, InstanceID: "peer-1", PID: 50, Address: "10.0.0.1:9000"}
	data, _ := json.Marshal(hb)
	b.handleInbound(string(data))

	require.Equal(t, 1, b.AliveCount())
	require.True(t, b.IsLeader() == (100 < 50)) // lowest pid wins; peer-1's pid 50 beats self's 100
	require.False(t, b.IsLeader())

	sd := types.BrokerMessage{Type: types.BrokerShutdown, InstanceID: "peer-1", PID: 50}
	data, _ = json.Marshal(sd)
	b.handleInbound(string(data))

	require.Equal(t, 0, b.AliveCount())
	require.True(t, b.IsLeader())
}

func TestBroker_EvictStale(t *testing.T) {
	b := newTestBroker(t)
	b.alive["peer-1"] = instanceInfo{PID: 1, LastSeen: time.Now().Add(-time.Hour)}
	b.alive["peer-2"] = instanceInfo{PID: 2, LastSeen: time.Now()}

	changed := b.evictStale()
	require.True(t, changed)
	require.Equal(t, 1, b.AliveCount())
	if _, ok := b.alive["peer-2"]; !ok {
		t.Fatal("peer-2 should survive eviction")
	}
}

func TestBroker_RecomputeLeader_SoleInstanceIsLeader(t *testing.T) {
	b := newTestBroker(t)
	b.recomputeLeader()
	require.True(t, b.IsLeader())
}
