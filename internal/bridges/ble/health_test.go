package ble

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/ble-mqtt-bridge/internal/registry"
	"github.com/nerrad567/ble-mqtt-bridge/internal/relay"
	"github.com/nerrad567/ble-mqtt-bridge/internal/session"
)

type stubSource struct {
	devices []DeviceStatus
	stats   relay.Stats
	unknown int64
}

func (s *stubSource) Devices() []DeviceStatus { return s.devices }
func (s *stubSource) RelayStats() relay.Stats { return s.stats }
func (s *stubSource) UnknownTopics() int64    { return s.unknown }

func device(id string, state session.State, abandoned bool) DeviceStatus {
	return DeviceStatus{DeviceStatus: registry.DeviceStatus{ID: id, State: state, Abandoned: abandoned}}
}

func newTestReporter(pub *mockMQTT, src healthSource) *HealthReporter {
	return NewHealthReporter(HealthReporterConfig{
		BridgeID:  "bridge-1",
		Version:   "1.2.3",
		Topic:     "ble/bridge/health",
		QoS:       1,
		Interval:  time.Hour,
		Publisher: pub,
		Source:    src,
	})
}

func TestHealthReporter_DetermineStatus(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		devices   []DeviceStatus
		want      HealthStatus
		reason    string
	}{
		{
			name:      "all active",
			connected: true,
			devices:   []DeviceStatus{device("a", session.StateActive, false), device("b", session.StateActive, false)},
			want:      HealthHealthy,
		},
		{
			name:      "no devices",
			connected: true,
			want:      HealthHealthy,
		},
		{
			name:      "mqtt down",
			connected: false,
			devices:   []DeviceStatus{device("a", session.StateActive, false)},
			want:      HealthDegraded,
			reason:    "MQTT disconnected",
		},
		{
			name:      "abandoned",
			connected: true,
			devices:   []DeviceStatus{device("a", session.StateActive, false), device("b", session.StateAbandoned, true)},
			want:      HealthDegraded,
			reason:    "1 device(s) abandoned",
		},
		{
			name:      "reconnecting",
			connected: true,
			devices:   []DeviceStatus{device("a", session.StateConnecting, false)},
			want:      HealthDegraded,
			reason:    "1 device(s) not connected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := newMockMQTT()
			pub.connected.Store(tt.connected)
			h := newTestReporter(pub, &stubSource{devices: tt.devices})

			msg := h.Snapshot()
			assert.Equal(t, tt.want, msg.Status)
			assert.Equal(t, tt.reason, msg.Reason)
			assert.Equal(t, len(tt.devices), msg.DevicesTotal)
		})
	}
}

func TestHealthReporter_PublishFailuresDegradeOneReport(t *testing.T) {
	pub := newMockMQTT()
	src := &stubSource{devices: []DeviceStatus{device("a", session.StateActive, false)}}
	h := newTestReporter(pub, src)

	src.stats.PublishFailures = 2
	// Snapshots do not move the baseline.
	assert.Equal(t, HealthDegraded, h.Snapshot().Status)
	assert.Equal(t, HealthDegraded, h.Snapshot().Status)

	require.NoError(t, h.PublishNow())
	p, ok := pub.last("ble/bridge/health")
	require.True(t, ok)
	var msg HealthMessage
	require.NoError(t, json.Unmarshal([]byte(p.payload), &msg))
	assert.Equal(t, HealthDegraded, msg.Status)
	assert.Contains(t, msg.Reason, "2 publish failure(s)")

	require.NoError(t, h.PublishNow())
	p, _ = pub.last("ble/bridge/health")
	require.NoError(t, json.Unmarshal([]byte(p.payload), &msg))
	assert.Equal(t, HealthHealthy, msg.Status)
}

func TestHealthReporter_MessageContents(t *testing.T) {
	pub := newMockMQTT()
	src := &stubSource{
		devices: []DeviceStatus{
			device("a", session.StateActive, false),
			device("b", session.StateAbandoned, true),
		},
		stats:   relay.Stats{Published: 7, Dropped: 1},
		unknown: 3,
	}
	h := newTestReporter(pub, src)
	h.startTime = time.Now().Add(-90 * time.Second)

	require.NoError(t, h.PublishNow())
	p, ok := pub.last("ble/bridge/health")
	require.True(t, ok)
	assert.True(t, p.retained)
	assert.Equal(t, byte(1), p.qos)

	var msg HealthMessage
	require.NoError(t, json.Unmarshal([]byte(p.payload), &msg))
	assert.Equal(t, "bridge-1", msg.BridgeID)
	assert.Equal(t, "1.2.3", msg.Version)
	assert.True(t, msg.MQTTConnected)
	assert.GreaterOrEqual(t, msg.UptimeSeconds, int64(90))
	assert.Equal(t, 2, msg.DevicesTotal)
	assert.Equal(t, 1, msg.DevicesActive)
	assert.Equal(t, 1, msg.DevicesAbandoned)
	assert.Equal(t, int64(7), msg.Relay.Published)
	assert.Equal(t, int64(3), msg.UnknownTopics)
	require.Len(t, msg.Devices, 2)
	assert.Equal(t, "abandoned", msg.Devices[1].State)
	assert.True(t, msg.Devices[1].Abandoned)
}

func TestHealthReporter_LifecycleAndKick(t *testing.T) {
	pub := newMockMQTT()
	h := newTestReporter(pub, &stubSource{})

	require.NoError(t, h.PublishStarting())
	h.Start(context.Background())

	// Initial report.
	require.Eventually(t, func() bool { return len(pub.on("ble/bridge/health")) == 2 }, time.Second, 5*time.Millisecond)

	h.Kick()
	require.Eventually(t, func() bool { return len(pub.on("ble/bridge/health")) == 3 }, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()

	reports := pub.on("ble/bridge/health")
	require.Len(t, reports, 4)

	var first, last HealthMessage
	require.NoError(t, json.Unmarshal([]byte(reports[0].payload), &first))
	require.NoError(t, json.Unmarshal([]byte(reports[3].payload), &last))
	assert.Equal(t, HealthStarting, first.Status)
	assert.Equal(t, HealthStopping, last.Status)
}

func TestHealthReporter_NilPublisher(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{})
	assert.NoError(t, h.PublishNow())
	assert.Equal(t, DefaultHealthInterval, h.interval)
}
