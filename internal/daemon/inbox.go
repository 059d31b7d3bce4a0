package daemon

import (
	"net/netip"
	"time"

	"meshvpn/internal/debuglog"
	"meshvpn/internal/engine"
)

type frame struct {
	from    netip.AddrPort
	payload []byte
}

// Inbox queues frames from the transport's receive loops for the inbound
// workers. When it is full new frames are dropped, not blocked on.
type Inbox struct {
	ch      chan frame
	traffic engine.SharedTraffic
}

func NewInbox(depth int, traffic engine.SharedTraffic) *Inbox {
	if depth < 1 {
		depth = 1
	}
	return &Inbox{ch: make(chan frame, depth), traffic: traffic.Clone()}
}

// Push has the network.Handler signature.
func (in *Inbox) Push(from netip.AddrPort, payload []byte) {
	select {
	case in.ch <- frame{from: from, payload: payload}:
	default:
		in.traffic.CountDroppedPayload(len(payload))
		debuglog.RateLimitedf("inbox-full", 10*time.Second, "daemon: inbox full, dropping frame from %s", from)
	}
}

func (in *Inbox) Len() int { return len(in.ch) }
