package replication

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/parksync/parksync/internal/player"
)

// frame is one encoded message of the replicated stream. Markers carry the
// order key they are anchored at.
type frame struct {
	key    uint64
	tick   uint64
	marker bool
	data   []byte
}

// follows reports whether f belongs after a checkpoint at key and tick.
func (f frame) follows(key, tick uint64) bool {
	if f.marker {
		return f.tick >= tick
	}
	return f.key > key
}

// peer is the authority's side of one connection. The fields below mu in
// Hub are guarded by the hub's lock.
type peer struct {
	conn    *ws.Conn
	name    string
	key     string
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	id          player.ID
	joined      bool
	pending     []frame
	acked       uint64
	behindSince time.Time
	dropped     atomic.Uint64

	pingSent atomic.Int64
	rtt      atomic.Int64
}

func newPeer(conn *ws.Conn, hello helloInfo, cfg Config) *peer {
	return &peer{
		conn:    conn,
		name:    hello.name,
		key:     hello.key,
		send:    make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst),
	}
}

type helloInfo struct {
	name string
	key  string
}

// label identifies the peer in logs and desync reports.
func (p *peer) label() string {
	return fmt.Sprintf("%s#%d", p.name, p.id)
}

// push queues data for the write loop without blocking. A full queue drops
// the frame; the peer notices the gap and asks for a resend.
func (p *peer) push(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

func (p *peer) close() {
	p.once.Do(func() { close(p.done) })
}

// writeLoop is the only writer on the connection once the peer has joined.
func (p *peer) writeLoop(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case <-p.done:
			p.flush(writeWait)
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
			return
		case data := <-p.send:
			if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := p.conn.WriteMessage(ws.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			p.pingSent.Store(time.Now().UnixNano())
			if err := p.conn.WriteMessage(ws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// pong records the round trip of the last ping.
func (p *peer) pong(now time.Time) {
	if sent := p.pingSent.Load(); sent != 0 {
		p.rtt.Store(now.UnixNano() - sent)
	}
}

// ping returns the last measured round trip.
func (p *peer) ping() time.Duration {
	return time.Duration(p.rtt.Load())
}

// flush writes what is already queued, such as a final error message.
func (p *peer) flush(writeWait time.Duration) {
	for {
		select {
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(ws.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
