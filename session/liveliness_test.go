package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keymesh/sample"
	"github.com/c360/keymesh/transport"
)

func TestTokenLifecycleObservedBySubscriber(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	sink := mustChannelSink(t)
	_, err = s.Liveliness().DeclareSubscriber("node/**", sink)
	require.NoError(t, err)

	tok, err := s.Liveliness().DeclareToken("node/alpha")
	require.NoError(t, err)

	smp, err := sink.Recv(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, sample.KindPut, smp.Kind)
	assert.Equal(t, "node/alpha", smp.Key.String(), "reserved prefix stripped on delivery")

	require.NoError(t, tok.Undeclare())
	require.NoError(t, tok.Undeclare(), "undeclare is idempotent")

	smp, err = sink.Recv(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, sample.KindDelete, smp.Kind)
	assert.Equal(t, "node/alpha", smp.Key.String())
}

func TestTokenRequiresConcreteKey(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Liveliness().DeclareToken("node/*")
	assert.Error(t, err)
}

func TestHistoryDeliversAliveTokensFirst(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Liveliness().DeclareToken("node/alpha")
	require.NoError(t, err)

	sink := mustChannelSink(t)
	_, err = s.Liveliness().DeclareSubscriber("node/**", sink, WithHistory(true))
	require.NoError(t, err)

	// The snapshot precedes any live event.
	smp, err := sink.Recv(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, sample.KindPut, smp.Kind)
	assert.Equal(t, "node/alpha", smp.Key.String())

	tok, err := s.Liveliness().DeclareToken("node/beta")
	require.NoError(t, err)
	_ = tok

	smp, err = sink.Recv(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "node/beta", smp.Key.String())
	_, ok := sink.TryRecv()
	assert.False(t, ok, "no duplicate for the snapshot token")
}

func TestHistoryDisabledSkipsSnapshot(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Liveliness().DeclareToken("node/alpha")
	require.NoError(t, err)

	sink := mustChannelSink(t)
	_, err = s.Liveliness().DeclareSubscriber("node/**", sink)
	require.NoError(t, err)

	_, ok := sink.TryRecv()
	assert.False(t, ok)
}

func TestLivelinessGetReturnsAliveTokens(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Liveliness().DeclareToken("node/alpha")
	require.NoError(t, err)
	beta, err := s.Liveliness().DeclareToken("node/beta")
	require.NoError(t, err)
	_, err = s.Liveliness().DeclareToken("other/gamma")
	require.NoError(t, err)

	replies, err := s.Liveliness().Get(testContext(t), "node/**")
	require.NoError(t, err)
	keys := make(map[string]bool)
	for _, r := range replies.Collect(testContext(t)) {
		keys[r.Sample.Key.String()] = true
	}
	assert.Equal(t, map[string]bool{"node/alpha": true, "node/beta": true}, keys)

	require.NoError(t, beta.Undeclare())

	replies, err = s.Liveliness().Get(testContext(t), "node/**")
	require.NoError(t, err)
	out := replies.Collect(testContext(t))
	require.Len(t, out, 1)
	assert.Equal(t, "node/alpha", out[0].Sample.Key.String())
}

func TestSessionCloseUndeclaresTokens(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	s1, err := Open(WithTransport(bus.Endpoint()))
	require.NoError(t, err)
	s2, err := Open(WithTransport(bus.Endpoint()))
	require.NoError(t, err)
	defer s2.Close()

	sink := mustChannelSink(t)
	_, err = s2.Liveliness().DeclareSubscriber("node/**", sink)
	require.NoError(t, err)

	_, err = s1.Liveliness().DeclareToken("node/alpha")
	require.NoError(t, err)

	smp, err := sink.Recv(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, sample.KindPut, smp.Kind)

	require.NoError(t, s1.Close())

	smp, err = sink.Recv(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, sample.KindDelete, smp.Kind, "closing the session retires its tokens")
	assert.Equal(t, "node/alpha", smp.Key.String())
}

func TestRemoteLivelinessQuery(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	s1, err := Open(WithTransport(bus.Endpoint()))
	require.NoError(t, err)
	defer s1.Close()
	s2, err := Open(WithTransport(bus.Endpoint()))
	require.NoError(t, err)
	defer s2.Close()

	_, err = s2.Liveliness().DeclareToken("node/remote")
	require.NoError(t, err)

	// Wait for the token PUT to reach s1's alive registry.
	watch := mustChannelSink(t)
	_, err = s1.Liveliness().DeclareSubscriber("node/**", watch, WithHistory(true))
	require.NoError(t, err)
	_, err = watch.Recv(testContext(t))
	require.NoError(t, err)

	// Both the local registry and the remote peer answer; latest
	// consolidation collapses them to one reply per token.
	replies, err := s1.Liveliness().Get(testContext(t), "node/**",
		WithExpectedPeers(1), WithConsolidation(ConsolidationLatest))
	require.NoError(t, err)
	out := replies.Collect(testContext(t))
	require.Len(t, out, 1)
	assert.Equal(t, "node/remote", out[0].Sample.Key.String())
}

func TestTokenCountReflectedInInfo(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	tok, err := s.Liveliness().DeclareToken("node/alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Info().Tokens)

	require.NoError(t, tok.Undeclare())
	assert.Equal(t, 0, s.Info().Tokens)
}
