package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRegistry(t *testing.T) (*Registry, *bus.Client) {
	t.Helper()
	busCfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	busCfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), busCfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	reg, err := NewRegistry(context.Background(), config.NodeConfig{ID: "scribe-1", HeartbeatTimeout: 1000}, client, newLogger())
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	return reg, client
}

func TestRegistryTracksAnnouncedCapability(t *testing.T) {
	reg, client := newRegistry(t)
	require.False(t, reg.Available("stt.stream"))

	payload, err := json.Marshal(AnnounceMessage{
		NodeID:       "whisper-1",
		Role:         "recognizer",
		Capabilities: []Capability{{Name: "stt.stream", Tier: "balanced"}},
	})
	require.NoError(t, err)
	require.NoError(t, client.Conn().Publish(SubjectAnnounce, payload))
	require.NoError(t, client.Conn().Flush())

	assert.Eventually(t, func() bool { return reg.Available("stt.stream") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, reg.Available("tts.stream"))

	nodes := reg.Query(nil)
	require.Len(t, nodes, 1)
	assert.Equal(t, "recognizer", nodes[0].Role)
}

func TestRegistryMarksSilentNodesUnhealthy(t *testing.T) {
	reg, _ := newRegistry(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.clock = func() time.Time { return now }

	reg.updateNode("whisper-1", "recognizer", []Capability{{Name: "stt.stream"}}, now)
	require.True(t, reg.Available("stt.stream"))

	now = now.Add(2 * time.Second)
	reg.evaluateHealth()
	assert.False(t, reg.Available("stt.stream"))

	reg.updateNode("whisper-1", "", nil, now)
	assert.True(t, reg.Available("stt.stream"), "heartbeat keeps previously announced capabilities")
}

func TestRegistryIgnoresOwnNodeID(t *testing.T) {
	reg, client := newRegistry(t)

	own, err := json.Marshal(AnnounceMessage{
		NodeID:       "scribe-1",
		Capabilities: []Capability{{Name: "stt.stream"}},
	})
	require.NoError(t, err)
	other, err := json.Marshal(AnnounceMessage{
		NodeID:       "whisper-2",
		Capabilities: []Capability{{Name: "stt.batch"}},
	})
	require.NoError(t, err)
	require.NoError(t, client.Conn().Publish(SubjectAnnounce, own))
	require.NoError(t, client.Conn().Publish(SubjectAnnounce, other))
	require.NoError(t, client.Conn().Flush())

	assert.Eventually(t, func() bool { return reg.Available("stt.batch") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, reg.Available("stt.stream"), "a node never counts itself as a recognizer")
	assert.Len(t, reg.Query(nil), 1)
}
