package ble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/mqtt"
)

func TestParseScanDuration(t *testing.T) {
	tests := []struct {
		payload string
		want    time.Duration
		wantErr bool
	}{
		{"", 7 * time.Second, false},
		{"  ", 7 * time.Second, false},
		{"5", 5 * time.Second, false},
		{"0.5", 500 * time.Millisecond, false},
		{"300", 5 * time.Minute, false},
		{"301", 0, true},
		{"0", 0, true},
		{"-3", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := parseScanDuration([]byte(tt.payload), 7*time.Second)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newTestScanRunner(sc Scanner, pub *mockMQTT, cfg ScanConfig) *scanRunner {
	return newScanRunner(sc, pub, mqtt.NewTopics("ble"), 0, cfg, logging.Discard())
}

func TestScanRunner_ErrorIsPublished(t *testing.T) {
	pub := newMockMQTT()
	sc := &mockScanner{err: errors.New("adapter busy")}
	r := newTestScanRunner(sc, pub, ScanConfig{Duration: time.Second})

	r.run(context.Background(), time.Second)

	p, ok := pub.last("ble/scanning/error")
	require.True(t, ok)
	assert.Equal(t, "adapter busy", p.payload)
	assert.False(t, p.retained)
}

func TestScanRunner_BadCommandIsReported(t *testing.T) {
	pub := newMockMQTT()
	r := newTestScanRunner(&mockScanner{}, pub, ScanConfig{Duration: time.Second})

	require.NoError(t, r.handleCommand("ble/scan/commands", []byte("forever")))

	_, ok := pub.last("ble/scanning/error")
	assert.True(t, ok)
	assert.Empty(t, r.requests)
}

func TestScanRunner_RequestsCoalesce(t *testing.T) {
	r := newTestScanRunner(&mockScanner{}, newMockMQTT(), ScanConfig{Duration: time.Second})

	assert.True(t, r.request(time.Second))
	assert.False(t, r.request(2*time.Second))
	assert.Equal(t, time.Second, <-r.requests)
}

func TestScanRunner_Loop(t *testing.T) {
	sc := &mockScanner{}
	r := newTestScanRunner(sc, newMockMQTT(), ScanConfig{
		Loop:     true,
		Interval: 10 * time.Millisecond,
		Duration: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.start(ctx)
	require.Eventually(t, func() bool { return len(sc.calls()) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	r.wait()
}
