package session

import (
	"sync/atomic"

	"github.com/c360/keymesh/selector"
	"github.com/c360/keymesh/transport"
)

// remoteQuery tracks the local instances of a query that arrived over the
// transport. When the last instance is released, the querier's peer gets a
// final marker so it can stop waiting on this session.
type remoteQuery struct {
	s    *Session
	corr string
	refs atomic.Int32
}

func (rq *remoteQuery) reply(r Reply) error {
	env := transport.Envelope{
		Kind:    transport.KindReply,
		Sender:  rq.s.zid.String(),
		Corr:    rq.corr,
		Replier: r.Replier,
		Sample:  r.Sample,
		Error:   r.Error,
	}
	return rq.s.tr.Send(env)
}

func (rq *remoteQuery) release() {
	if rq.refs.Add(-1) > 0 {
		return
	}
	env := transport.Envelope{
		Kind:   transport.KindQueryFinal,
		Sender: rq.s.zid.String(),
		Corr:   rq.corr,
	}
	if err := rq.s.tr.Send(env); err != nil {
		rq.s.logger.Debug("query final send failed", "corr", rq.corr, "error", err)
	}
}

// handleRemoteQuery fans an inbound query out to matching local queryables
// and wires their replies back to the requesting peer.
func (s *Session) handleRemoteQuery(env transport.Envelope) {
	sel, err := selector.Parse(env.Selector)
	if err != nil {
		s.logger.Warn("inbound query has invalid selector", "selector", env.Selector, "error", err)
		return
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	matched := s.matchQueryablesLocked(sel.KeyExpr, parseTarget(env.Target))
	s.mu.RUnlock()

	rq := &remoteQuery{s: s, corr: env.Corr}
	if len(matched) == 0 {
		rq.refs.Store(1)
		rq.release()
		return
	}
	rq.refs.Store(int32(len(matched)))

	for _, qa := range matched {
		inst := &Query{
			sel:        sel,
			payload:    env.Payload,
			encoding:   env.Encoding,
			attachment: env.Attachment,
			replier:    qa.id,
			clock:      s.clock,
			replyFn:    rq.reply,
			releaseFn:  rq.release,
		}
		if err := qa.sink.Accept(inst); err != nil {
			s.logger.Warn("inbound query delivery failed", "queryable", qa.id.String(), "error", err)
			rq.release()
		}
	}
}
