package natstransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectForKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		subject string
		ok      bool
	}{
		{"concrete", "sensor/temp/room1", "sensor.temp.room1", true},
		{"single chunk", "alpha", "alpha", true},
		{"single wild", "sensor/*/room1", "sensor.*.room1", true},
		{"trailing multi wild", "sensor/**", "sensor.>", true},
		{"bare multi wild", "**", ">", true},
		{"reserved namespace", "@hb/a1b2/7", "@hb.a1b2.7", true},
		{"interior multi wild", "sensor/**/room1", "", false},
		{"dot in chunk", "sensor/a.b", "", false},
		{"space in chunk", "sensor/a b", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, ok := SubjectForKey(tt.key)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.subject, subject)
		})
	}
}

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestConnectRejectsEmptyPrefix(t *testing.T) {
	_, err := Connect("nats://localhost:4222", "")
	assert.Error(t, err)
}

func TestWithJetStreamRejectsEmptyName(t *testing.T) {
	tr := &Transport{}
	assert.Error(t, WithJetStream("")(tr))
	assert.NoError(t, WithJetStream("KEYMESH")(tr))
	assert.Equal(t, "KEYMESH", tr.streamName)
}
