package dispatcher

import (
	"fmt"
	"time"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/snapshot"
)

// Event identifies what a Notification reports.
type Event uint8

const (
	// EventApplied: a submission was accepted and applied locally.
	EventApplied Event = iota
	// EventRejected: a submission failed authorization or validation.
	EventRejected
	// EventReplicated: a replicated command was applied on a peer, or the
	// authority handed an accepted command to every connected peer.
	EventReplicated
	// EventAcknowledged: the acknowledgement watermark advanced.
	EventAcknowledged
	// EventDesync: fingerprints diverged; the session is untrustworthy.
	EventDesync
	// EventPeerDropped: a peer connection was closed by a fault.
	EventPeerDropped
	// EventResync: a peer reloaded state from the authority.
	EventResync
)

var eventNames = [...]string{"applied", "rejected", "replicated", "acknowledged", "desync", "peer_dropped", "resync"}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

// Notification is delivered to the UI layer. Fields not relevant to the
// event are zero.
type Notification struct {
	Event    Event
	OrderKey action.OrderKey
	Tick     uint64
	Command  action.Command
	Result   action.Result
	Err      error
	Peer     string
	Report   *snapshot.Report
	At       time.Time
}

func (n Notification) String() string {
	switch n.Event {
	case EventRejected, EventPeerDropped:
		return fmt.Sprintf("%s %s: %v", n.Event, n.Peer, n.Err)
	case EventDesync:
		if n.Report != nil {
			return fmt.Sprintf("desync at tick %d with %s", n.Report.Tick, n.Report.Peer)
		}
	}
	return fmt.Sprintf("%s key=%d tick=%d", n.Event, n.OrderKey, n.Tick)
}
