package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kmerrors "github.com/c360/keymesh/errors"
	"github.com/c360/keymesh/sample"
	"github.com/c360/keymesh/transport"
)

// declareReplier registers a queryable answering every query with a fixed
// key and payload, then releasing.
func declareReplier(t *testing.T, s *Session, key, replyKey string, payload []byte, opts ...QueryableOption) *Queryable {
	t.Helper()
	sink, err := NewCallbackSink[*Query](func(q *Query) {
		defer q.Release()
		require.NoError(t, q.Reply(replyKey, payload))
	})
	require.NoError(t, err)
	qa, err := s.DeclareQueryable(key, sink, opts...)
	require.NoError(t, err)
	return qa
}

func TestGetSingleQueryable(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	declareReplier(t, s, "inventory/**", "inventory/widgets", []byte("42"))

	replies, err := s.Get(testContext(t), "inventory/widgets")
	require.NoError(t, err)
	out := replies.Collect(testContext(t))
	require.Len(t, out, 1)
	assert.Equal(t, "inventory/widgets", out[0].Sample.Key.String())
	assert.Equal(t, []byte("42"), out[0].Sample.Payload)
	assert.False(t, out[0].IsError())
	assert.False(t, out[0].Sample.Timestamp.IsZero(), "replies stamped by the answering session")
}

func TestGetFansOutToAllMatching(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	declareReplier(t, s, "inventory/widgets", "inventory/widgets", []byte("a"))
	declareReplier(t, s, "inventory/**", "inventory/gadgets", []byte("b"))

	replies, err := s.Get(testContext(t), "inventory/**",
		WithTarget(TargetAll), WithConsolidation(ConsolidationNone))
	require.NoError(t, err)
	out := replies.Collect(testContext(t))
	assert.Len(t, out, 2)
}

func TestGetTargetAllCompleteFiltersIncomplete(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	declareReplier(t, s, "inventory/**", "inventory/a", []byte("incomplete"))
	declareReplier(t, s, "inventory/**", "inventory/b", []byte("complete"), WithComplete(true))

	replies, err := s.Get(testContext(t), "inventory/**",
		WithTarget(TargetAllComplete), WithConsolidation(ConsolidationNone))
	require.NoError(t, err)
	out := replies.Collect(testContext(t))
	require.Len(t, out, 1)
	assert.Equal(t, []byte("complete"), out[0].Sample.Payload)
}

func TestGetBestMatchingPrefersCompleteCover(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	declareReplier(t, s, "inventory/**", "inventory/widgets", []byte("partial"))
	declareReplier(t, s, "inventory/**", "inventory/widgets", []byte("cover"), WithComplete(true))

	replies, err := s.Get(testContext(t), "inventory/widgets",
		WithConsolidation(ConsolidationNone))
	require.NoError(t, err)
	out := replies.Collect(testContext(t))
	require.Len(t, out, 1, "a complete queryable covering the key answers alone")
	assert.Equal(t, []byte("cover"), out[0].Sample.Payload)
}

func TestGetNoQueryables(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	replies, err := s.Get(testContext(t), "inventory/widgets")
	require.NoError(t, err)
	assert.Empty(t, replies.Collect(testContext(t)))
}

func TestGetLatestConsolidationAcrossQueryables(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	old := s.clock.Now()
	sink1, err := NewCallbackSink[*Query](func(q *Query) {
		defer q.Release()
		require.NoError(t, q.Reply("inventory/widgets", []byte("stale"), WithReplyTimestamp(old)))
	})
	require.NoError(t, err)
	_, err = s.DeclareQueryable("inventory/**", sink1)
	require.NoError(t, err)
	declareReplier(t, s, "inventory/widgets", "inventory/widgets", []byte("fresh"))

	replies, err := s.Get(testContext(t), "inventory/widgets",
		WithTarget(TargetAll), WithConsolidation(ConsolidationLatest))
	require.NoError(t, err)
	out := replies.Collect(testContext(t))
	require.Len(t, out, 1, "one reply per key after consolidation")
	assert.Equal(t, []byte("fresh"), out[0].Sample.Payload)
}

func TestReplyKeyMustIntersectQuery(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	sink, err := NewCallbackSink[*Query](func(q *Query) {
		defer q.Release()
		err := q.Reply("other/key", []byte("v"))
		assert.ErrorIs(t, err, kmerrors.ErrKeyMismatch)
		assert.Error(t, q.Reply("inventory/*", []byte("v")), "wildcard reply keys rejected")
		require.NoError(t, q.Reply("inventory/widgets", []byte("v")))
	})
	require.NoError(t, err)
	_, err = s.DeclareQueryable("inventory/**", sink)
	require.NoError(t, err)

	replies, err := s.Get(testContext(t), "inventory/widgets")
	require.NoError(t, err)
	assert.Len(t, replies.Collect(testContext(t)), 1)
}

func TestAnyKeyParameterAllowsDisjointReplies(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	sink, err := NewCallbackSink[*Query](func(q *Query) {
		defer q.Release()
		require.NoError(t, q.Reply("other/key", []byte("v")))
	})
	require.NoError(t, err)
	_, err = s.DeclareQueryable("inventory/**", sink)
	require.NoError(t, err)

	replies, err := s.Get(testContext(t), "inventory/widgets?_anyke")
	require.NoError(t, err)
	out := replies.Collect(testContext(t))
	require.Len(t, out, 1)
	assert.Equal(t, "other/key", out[0].Sample.Key.String())
}

func TestErrorRepliesBypassConsolidation(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	sink, err := NewCallbackSink[*Query](func(q *Query) {
		defer q.Release()
		require.NoError(t, q.ReplyErr([]byte("backend down")))
	})
	require.NoError(t, err)
	_, err = s.DeclareQueryable("inventory/**", sink)
	require.NoError(t, err)
	declareReplier(t, s, "inventory/**", "inventory/widgets", []byte("42"))

	replies, err := s.Get(testContext(t), "inventory/widgets",
		WithTarget(TargetAll), WithConsolidation(ConsolidationLatest))
	require.NoError(t, err)
	out := replies.Collect(testContext(t))
	require.Len(t, out, 2)

	var sawErr, sawValue bool
	for _, r := range out {
		if r.IsError() {
			sawErr = true
			assert.Equal(t, []byte("backend down"), r.Error)
		} else {
			sawValue = true
		}
	}
	assert.True(t, sawErr, "error reply delivered alongside data")
	assert.True(t, sawValue)
}

func TestQueryPayloadAndParametersReachQueryable(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	sink, err := NewCallbackSink[*Query](func(q *Query) {
		defer q.Release()
		assert.Equal(t, []byte("body"), q.Payload())
		v, ok := q.Parameters().Get("limit")
		assert.True(t, ok)
		assert.Equal(t, "10", v)
		require.NoError(t, q.Reply("inventory/widgets", nil))
	})
	require.NoError(t, err)
	_, err = s.DeclareQueryable("inventory/**", sink)
	require.NoError(t, err)

	replies, err := s.Get(testContext(t), "inventory/widgets?limit=10",
		WithQueryPayload([]byte("body"), sample.EncodingBytes))
	require.NoError(t, err)
	assert.Len(t, replies.Collect(testContext(t)), 1)
}

func TestGetTimeoutFinalizesUnreleasedQuery(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	// The queryable buffers the query and never services it.
	hold, err := NewChannelSink[*Query](4)
	require.NoError(t, err)
	_, err = s.DeclareQueryable("inventory/**", hold)
	require.NoError(t, err)

	start := time.Now()
	replies, err := s.Get(testContext(t), "inventory/widgets",
		WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, replies.Collect(testContext(t)))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestQueryReleaseIsIdempotent(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	sink, err := NewCallbackSink[*Query](func(q *Query) {
		require.NoError(t, q.Reply("inventory/widgets", nil))
		q.Release()
		q.Release()
	})
	require.NoError(t, err)
	_, err = s.DeclareQueryable("inventory/**", sink)
	require.NoError(t, err)

	replies, err := s.Get(testContext(t), "inventory/widgets")
	require.NoError(t, err)
	assert.Len(t, replies.Collect(testContext(t)), 1)
}

func TestCancellationTokenStopsQueries(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	hold, err := NewChannelSink[*Query](4)
	require.NoError(t, err)
	_, err = s.DeclareQueryable("inventory/**", hold)
	require.NoError(t, err)

	tok := NewCancellationToken()
	replies, err := s.Get(testContext(t), "inventory/widgets",
		WithCancellation(tok))
	require.NoError(t, err)

	done := make(chan []Reply, 1)
	go func() { done <- replies.Collect(testContext(t)) }()

	tok.Cancel()
	assert.True(t, tok.Cancelled())

	select {
	case out := <-done:
		assert.Empty(t, out)
	case <-time.After(2 * time.Second):
		t.Fatal("reply stream did not terminate after cancellation")
	}

	_, err = s.Get(testContext(t), "inventory/widgets", WithCancellation(tok))
	assert.Error(t, err, "cancelled token rejects new queries")
}

func TestReplySinkRoutesRepliesElsewhere(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	declareReplier(t, s, "inventory/**", "inventory/widgets", []byte("42"))

	sink, err := NewChannelSink[Reply](8)
	require.NoError(t, err)
	replies, err := s.Get(testContext(t), "inventory/widgets", WithReplySink(sink))
	require.NoError(t, err)
	assert.Nil(t, replies, "receiver handle is nil when a sink is supplied")

	r, err := sink.Recv(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), r.Sample.Payload)
}

func TestQuerierReusesDefaults(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	defer s.Close()

	declareReplier(t, s, "inventory/**", "inventory/widgets", []byte("42"))

	qr, err := s.DeclareQuerier("inventory/widgets",
		WithTarget(TargetAll), WithConsolidation(ConsolidationNone))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		replies, err := qr.Get(testContext(t))
		require.NoError(t, err)
		assert.Len(t, replies.Collect(testContext(t)), 1)
	}
}

func TestRemoteQueryOverMemoryBus(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	s1, err := Open(WithTransport(bus.Endpoint()))
	require.NoError(t, err)
	defer s1.Close()
	s2, err := Open(WithTransport(bus.Endpoint()))
	require.NoError(t, err)
	defer s2.Close()

	declareReplier(t, s2, "inventory/**", "inventory/widgets", []byte("remote"))

	replies, err := s1.Get(testContext(t), "inventory/widgets",
		WithConsolidation(ConsolidationNone), WithExpectedPeers(1))
	require.NoError(t, err)
	out := replies.Collect(testContext(t))
	require.Len(t, out, 1)
	assert.Equal(t, []byte("remote"), out[0].Sample.Payload)
	assert.Equal(t, s2.Zid(), out[0].Replier.Zid, "replier identity survives the wire")
}

func TestRemotePeerWithoutMatchReleasesQuery(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	s1, err := Open(WithTransport(bus.Endpoint()))
	require.NoError(t, err)
	defer s1.Close()
	s2, err := Open(WithTransport(bus.Endpoint()))
	require.NoError(t, err)
	defer s2.Close()

	start := time.Now()
	replies, err := s1.Get(testContext(t), "inventory/widgets",
		WithExpectedPeers(1), WithTimeout(3*time.Second))
	require.NoError(t, err)
	assert.Empty(t, replies.Collect(testContext(t)))
	assert.Less(t, time.Since(start), 2*time.Second,
		"peer with no matching queryable finalizes the query before the timeout")
}
