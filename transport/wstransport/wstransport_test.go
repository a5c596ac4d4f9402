package wstransport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keymesh/keyexpr"
	"github.com/c360/keymesh/sample"
	"github.com/c360/keymesh/transport"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub, err := Serve("127.0.0.1:0", WithSendQueue(64))
	require.NoError(t, err)
	t.Cleanup(func() { hub.Close() })
	return hub
}

func dialClient(t *testing.T, hub *Hub) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, hub.URL())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func recvEnvelope(t *testing.T, ch <-chan transport.Envelope) transport.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return transport.Envelope{}
	}
}

func sampleEnvelope(key string) transport.Envelope {
	return transport.Envelope{
		Kind:   transport.KindSample,
		Sender: "aa01",
		Key:    key,
		Sample: &sample.Sample{
			Key:     keyexpr.MustNew(key),
			Payload: []byte("v"),
			Kind:    sample.KindPut,
		},
	}
}

func TestClientToHubDelivery(t *testing.T) {
	hub := startHub(t)
	got := make(chan transport.Envelope, 4)
	hub.OnReceive(func(env transport.Envelope) { got <- env })

	client := dialClient(t, hub)
	require.NoError(t, client.Send(sampleEnvelope("sensor/temp")))

	env := recvEnvelope(t, got)
	assert.Equal(t, transport.KindSample, env.Kind)
	assert.Equal(t, "sensor/temp", env.Key)
	require.NotNil(t, env.Sample)
	assert.Equal(t, []byte("v"), env.Sample.Payload)
}

func TestHubRelaysBetweenClients(t *testing.T) {
	hub := startHub(t)

	a := dialClient(t, hub)
	b := dialClient(t, hub)

	fromA := make(chan transport.Envelope, 4)
	fromB := make(chan transport.Envelope, 4)
	a.OnReceive(func(env transport.Envelope) { fromA <- env })
	b.OnReceive(func(env transport.Envelope) { fromB <- env })

	require.NoError(t, a.Send(sampleEnvelope("k1")))

	env := recvEnvelope(t, fromB)
	assert.Equal(t, "k1", env.Key)

	// The sender never sees its own envelope.
	select {
	case env := <-fromA:
		t.Fatalf("sender received its own envelope: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubSendReachesAllClients(t *testing.T) {
	hub := startHub(t)

	a := dialClient(t, hub)
	b := dialClient(t, hub)

	fromA := make(chan transport.Envelope, 4)
	fromB := make(chan transport.Envelope, 4)
	a.OnReceive(func(env transport.Envelope) { fromA <- env })
	b.OnReceive(func(env transport.Envelope) { fromB <- env })

	require.NoError(t, hub.Send(sampleEnvelope("announce")))

	assert.Equal(t, "announce", recvEnvelope(t, fromA).Key)
	assert.Equal(t, "announce", recvEnvelope(t, fromB).Key)
}

func TestClientSendAfterCloseFails(t *testing.T) {
	hub := startHub(t)
	client := dialClient(t, hub)

	require.NoError(t, client.Close())
	assert.Error(t, client.Send(sampleEnvelope("k")))
	assert.NoError(t, client.Close())
}

func TestHubCloseIdempotent(t *testing.T) {
	hub, err := Serve("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, hub.Close())
	assert.NoError(t, hub.Close())
	assert.Error(t, hub.Send(sampleEnvelope("k")))
}

func TestHubURLUsesConfiguredPath(t *testing.T) {
	hub, err := Serve("127.0.0.1:0", WithPath("/relay"))
	require.NoError(t, err)
	defer hub.Close()
	assert.Contains(t, hub.URL(), "/relay")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, hub.URL())
	require.NoError(t, err)
	c.Close()
}
