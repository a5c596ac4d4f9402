package advanced

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keymesh/keyexpr"
	"github.com/c360/keymesh/sample"
	"github.com/c360/keymesh/session"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func openSession(t *testing.T, opts ...session.Option) *session.Session {
	t.Helper()
	s, err := session.Open(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPublisherStampsPerKeySequences(t *testing.T) {
	s := openSession(t)

	sink, err := session.NewChannelSink[*sample.Sample](16)
	require.NoError(t, err)
	_, err = s.DeclareSubscriber("sensor/**", sink)
	require.NoError(t, err)

	pub, err := NewPublisher(s, "sensor/**")
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.PutTo("sensor/temp", []byte("a")))
	require.NoError(t, pub.PutTo("sensor/hum", []byte("b")))
	require.NoError(t, pub.PutTo("sensor/temp", []byte("c")))

	seqs := make(map[string][]uint64)
	ctx := testContext(t)
	for i := 0; i < 3; i++ {
		smp, err := sink.Recv(ctx)
		require.NoError(t, err)
		require.NotNil(t, smp.SourceInfo)
		assert.Equal(t, pub.ID(), smp.SourceInfo.ID)
		seqs[smp.Key.String()] = append(seqs[smp.Key.String()], smp.SourceInfo.Seq)
	}
	assert.Equal(t, []uint64{1, 2}, seqs["sensor/temp"], "each key counts independently")
	assert.Equal(t, []uint64{1}, seqs["sensor/hum"])
}

func TestPublisherRejectsKeysOutsideExpression(t *testing.T) {
	s := openSession(t)

	pub, err := NewPublisher(s, "sensor/**")
	require.NoError(t, err)
	defer pub.Close()

	assert.Error(t, pub.PutTo("actuator/valve", []byte("v")))
	assert.Error(t, pub.PutTo("sensor/*", []byte("v")), "publication keys must be concrete")
	assert.Error(t, pub.Put([]byte("v")), "wildcard declaration has no single key to put on")
}

func TestCacheRetainsMostRecentPerKey(t *testing.T) {
	s := openSession(t)

	pub, err := NewPublisher(s, "sensor/temp", WithCache(CacheConfig{MaxSamples: 2}))
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Put([]byte("v1")))
	require.NoError(t, pub.Put([]byte("v2")))
	require.NoError(t, pub.Put([]byte("v3")))

	replies, err := s.Get(testContext(t), cacheKey(pub.ID(), "sensor/temp"),
		session.WithConsolidation(session.ConsolidationNone))
	require.NoError(t, err)
	out := replies.Collect(testContext(t))
	require.Len(t, out, 2, "third put evicts the oldest cached sample")
	assert.Equal(t, []byte("v2"), out[0].Sample.Payload)
	assert.Equal(t, []byte("v3"), out[1].Sample.Payload)
	require.NotNil(t, out[1].Sample.SourceInfo)
	assert.EqualValues(t, 3, out[1].Sample.SourceInfo.Seq, "replay keeps original sequencing")
}

func TestCacheSequenceRangeFilter(t *testing.T) {
	s := openSession(t)

	pub, err := NewPublisher(s, "sensor/temp", WithCache(CacheConfig{MaxSamples: 10}))
	require.NoError(t, err)
	defer pub.Close()

	for _, v := range []string{"v1", "v2", "v3", "v4"} {
		require.NoError(t, pub.Put([]byte(v)))
	}

	replies, err := s.Get(testContext(t), cacheKey(pub.ID(), "sensor/temp")+"?_sn=2..3",
		session.WithConsolidation(session.ConsolidationNone))
	require.NoError(t, err)
	out := replies.Collect(testContext(t))
	require.Len(t, out, 2)
	assert.Equal(t, []byte("v2"), out[0].Sample.Payload)
	assert.Equal(t, []byte("v3"), out[1].Sample.Payload)
}

func TestCacheBoundsDistinctKeys(t *testing.T) {
	s := openSession(t)

	pub, err := NewPublisher(s, "sensor/**",
		WithCache(CacheConfig{MaxSamples: 4, MaxKeys: 2}))
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.PutTo("sensor/a", []byte("1")))
	require.NoError(t, pub.PutTo("sensor/b", []byte("2")))
	require.NoError(t, pub.PutTo("sensor/c", []byte("3")))

	replies, err := s.Get(testContext(t), cacheKey(pub.ID(), "sensor/**"),
		session.WithConsolidation(session.ConsolidationNone))
	require.NoError(t, err)
	out := replies.Collect(testContext(t))
	require.Len(t, out, 2, "least recently written key evicted")
	keys := map[string]bool{}
	for _, r := range out {
		keys[r.Sample.Key.String()] = true
	}
	assert.False(t, keys[cacheKey(pub.ID(), "sensor/a")])
}

func TestPublisherDeclaresPresenceToken(t *testing.T) {
	s := openSession(t)

	pub, err := NewPublisher(s, "sensor/temp", WithCache(CacheConfig{MaxSamples: 2}))
	require.NoError(t, err)

	replies, err := s.Liveliness().Get(testContext(t), presenceKey(pub.ID()))
	require.NoError(t, err)
	assert.Len(t, replies.Collect(testContext(t)), 1)

	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close(), "close is idempotent")

	replies, err = s.Liveliness().Get(testContext(t), presenceKey(pub.ID()))
	require.NoError(t, err)
	assert.Empty(t, replies.Collect(testContext(t)), "closing retires the presence token")

	assert.Error(t, pub.Put([]byte("v")))
}

func TestHeartbeatAnnouncesLatestSequence(t *testing.T) {
	s := openSession(t)

	hbSink, err := session.NewChannelSink[*sample.Sample](16)
	require.NoError(t, err)
	_, err = s.DeclareSubscriber(heartbeatPrefix+"/*/*", hbSink)
	require.NoError(t, err)

	pub, err := NewPublisher(s, "sensor/temp",
		WithMissDetection(PeriodicHeartbeat{Period: 20 * time.Millisecond}))
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Put([]byte("v1")))
	require.NoError(t, pub.Put([]byte("v2")))

	ctx := testContext(t)
	for {
		smp, err := hbSink.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, heartbeatKey(pub.ID()), smp.Key.String())
		var latest map[string]uint64
		require.NoError(t, json.Unmarshal(smp.Payload, &latest))
		if latest["sensor/temp"] == 2 {
			return
		}
	}
}

func TestMissDetectionRequiresPositivePeriod(t *testing.T) {
	s := openSession(t)

	_, err := NewPublisher(s, "sensor/temp", WithMissDetection(PeriodicHeartbeat{}))
	assert.Error(t, err)
	_, err = NewPublisher(s, "sensor/temp", WithCache(CacheConfig{MaxSamples: 0, MaxKeys: -1}))
	require.NoError(t, err, "zero max_samples disables the cache entirely")
}

func TestSeqRangeRoundTrip(t *testing.T) {
	first, last, err := parseSeqRange(formatSeqRange(4, 9))
	require.NoError(t, err)
	assert.EqualValues(t, 4, first)
	assert.EqualValues(t, 9, last)

	_, _, err = parseSeqRange("9..4")
	assert.Error(t, err)
	_, _, err = parseSeqRange("4-9")
	assert.Error(t, err)
}

func TestSourceFromKeyReservedForms(t *testing.T) {
	id := openSession(t).AllocEntityID()

	// Heartbeat and presence keys end at the identity.
	for _, key := range []string{heartbeatKey(id), presenceKey(id)} {
		prefix := heartbeatPrefix
		if key == presenceKey(id) {
			prefix = presencePrefix
		}
		source, suffix, ok := sourceFromKey(keyexpr.MustNew(key), prefix)
		require.True(t, ok, "key %q", key)
		assert.Equal(t, id, source)
		assert.Equal(t, "", suffix.String())
	}

	// Cache keys carry the cached key as a suffix.
	source, suffix, ok := sourceFromKey(keyexpr.MustNew(cacheKey(id, "sensor/temp")), cachePrefix)
	require.True(t, ok)
	assert.Equal(t, id, source)
	assert.Equal(t, "sensor/temp", suffix.String())

	// A bare prefix or a foreign key is rejected.
	_, _, ok = sourceFromKey(keyexpr.MustNew(heartbeatPrefix+"/lonely"), heartbeatPrefix)
	assert.False(t, ok)
	_, _, ok = sourceFromKey(keyexpr.MustNew("sensor/temp"), heartbeatPrefix)
	assert.False(t, ok)
}
