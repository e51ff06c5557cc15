package httpx

import (
	"io"
	"sync/atomic"
	"time"

	"dqx0.com/go/httpengine/httpx/internal/http1"
)

// attempt counts what one transmission of a request put on the wire.
// Writer goroutines add to it before each write, so the engine may
// overestimate but never miss bytes sent.
type attempt struct {
	bytesWritten atomic.Int64
	bodyRead     atomic.Int64
}

const (
	authOrigin = 0
	authProxy  = 1
)

type authState struct {
	entry       *authEntry
	triedCached bool
	supplied    bool
}

// pair ties a request to its reply while the engine owns it. At any
// moment it sits in exactly one place: a priority queue, a channel's
// in-flight list, the credentials wait set, or nowhere once done.
type pair struct {
	req   *Request
	reply *Reply
	seq   uint64
	high  bool

	ch        *channel
	att       *attempt
	body      io.Reader
	bodyOwned bool
	retries   int
	started   time.Time

	responseStarted bool
	decompress      bool
	pipelined       bool
	streamID        uint32
	head            *http1.Head

	intercept *Challenge
	awaiting  *Challenge
	auth      [2]authState

	stopCtx func() bool
	done    bool
}

func newPair(req *Request, reply *Reply) *pair {
	return &pair{
		req:   req,
		reply: reply,
		high:  req.Priority == PriorityHigh,
		body:  req.Body,
		att:   &attempt{},
	}
}

// retriable reports whether the request can be sent again without the
// server having seen a non-repeatable part of it.
func (p *pair) retriable() bool {
	if p.responseStarted || p.att.bodyRead.Load() > 0 {
		return false
	}
	return p.att.bytesWritten.Load() == 0 || p.req.idempotent()
}

func (p *pair) resetAttempt() {
	p.ch = nil
	p.att = &attempt{}
	p.responseStarted = false
	p.pipelined = false
	p.streamID = 0
	p.head = nil
	p.intercept = nil
}

// rewind prepares a fresh body when the last attempt consumed any of
// the current one.
func (p *pair) rewind() error {
	if p.att.bodyRead.Load() == 0 {
		return nil
	}
	body, err := p.req.replayBody()
	if err != nil {
		return err
	}
	p.closeBody()
	p.body = body
	p.bodyOwned = p.req.GetBody != nil
	return nil
}

func (p *pair) closeBody() {
	if !p.bodyOwned {
		return
	}
	if c, ok := p.body.(io.Closer); ok {
		_ = c.Close()
	}
	p.bodyOwned = false
}

// pairQueue is a FIFO with front insertion for requeued pairs.
type pairQueue struct {
	items []*pair
}

func (q *pairQueue) len() int { return len(q.items) }

func (q *pairQueue) pushBack(p *pair) { q.items = append(q.items, p) }

func (q *pairQueue) pushFront(p *pair) {
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = p
}

func (q *pairQueue) peek() *pair {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *pairQueue) remove(p *pair) bool {
	for i, x := range q.items {
		if x == p {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

func (q *pairQueue) drain() []*pair {
	out := q.items
	q.items = nil
	return out
}
