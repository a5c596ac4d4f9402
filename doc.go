// Package keymesh provides key-expression based publish/subscribe and
// query/reply messaging for Go processes, in one process or across a
// mesh of peers.
//
// # Key Expressions
//
// Every value flowing through keymesh is addressed by a key expression,
// a "/"-separated path that may carry wildcards: "*" matches exactly one
// chunk, "**" matches any number of chunks including none. Two
// expressions intersect when some concrete key matches both; one
// includes another when every key matching the second also matches the
// first. The keyexpr package implements the algebra, the selector
// package layers query parameters on top of it.
//
// # Sessions and Entities
//
// A Session is the unit of connectivity. Entities are declared against
// it:
//
//   - Publishers write timestamped samples on a fixed key.
//   - Subscribers receive every sample whose key intersects theirs,
//     through a pluggable Sink (FIFO channel, latest-wins ring, or
//     direct callback).
//   - Queryables answer queries on the keys they serve.
//   - Queriers issue queries and collect consolidated replies.
//
// A session without a transport routes locally. With a transport
// attached (in-memory bus, NATS subjects, or a WebSocket hub) the same
// declarations span every peer on the mesh.
//
// # Liveliness
//
// The liveliness subsystem tracks which peers are present: a token
// declared on a key is visible to liveliness subscribers and queries for
// as long as its session is alive, and retracted when the session
// closes.
//
// # Advanced Publishers and Subscribers
//
// The advanced package builds reliability on top of the core: publishers
// cache their recent samples and announce sequence watermarks by
// heartbeat; subscribers detect gaps in per-source sequence numbers,
// report them as misses, and recover the missing samples from the
// publisher caches. Late-joining subscribers can fetch history the same
// way.
//
// # Binary
//
// The keymesh command opens a session over the configured transport and
// runs one operation against the mesh:
//
//	# Subscribe over a NATS mesh
//	KEYMESH_MODE=nats keymesh --op=sub --key='sensor/**'
//
//	# Publish a value once a second
//	keymesh --op=pub --key=sensor/temp --value=21.5
package keymesh
