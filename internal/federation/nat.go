package federation

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pion/stun/v3"

	"github.com/cis-node/cis/internal/cerr"
	"github.com/cis-node/cis/internal/federation/cloudanchor"
)

// TraversalOutcome is the result of attempting to establish a reachable
// address for this node (spec §4.7 NAT traversal: "direct connection
// established, or relay required").
type TraversalOutcome int

const (
	OutcomeDirect TraversalOutcome = iota
	OutcomeRelayRequired
)

// TraversalResult carries the discovered/mapped address when direct
// connectivity was established.
type TraversalResult struct {
	Outcome     TraversalOutcome
	PublicAddr  string
	Method      string // "upnp", "stun", "hole-punch"
}

// UPnPMapper requests a port mapping from a local UPnP/IGD gateway. No
// vendored UPnP client exists in this retrieval pack (the corpus carries
// pion's STUN/ICE/TURN stack but no IGD/SSDP implementation), so this is
// a contract-only interface: a real deployment supplies an implementation,
// and the Coordinator degrades gracefully to STUN/hole-punch when none is
// configured (see DESIGN.md).
type UPnPMapper interface {
	MapPort(ctx context.Context, internalPort int) (externalAddr string, err error)
}

// HolePunchCoordinator performs the anchor-coordinated double-sided UDP
// exchange (spec §4.7 "a double-sided UDP exchange coordinated by the
// anchor").
type HolePunchCoordinator struct {
	Anchor *cloudanchor.Client
}

// Coordinate asks the anchor to set up a punch session with peerNodeID,
// waits until PunchAfter, then fires a burst of UDP packets at PeerAddr
// from localConn and reports the outcome back to the anchor.
func (h HolePunchCoordinator) Coordinate(ctx context.Context, peerNodeID string, localConn *net.UDPConn) (TraversalResult, error) {
	if h.Anchor == nil {
		return TraversalResult{}, cerr.New(cerr.KindConfiguration, "federation.nat", "no cloud anchor configured for hole-punch")
	}
	coord, err := h.Anchor.RequestHolePunch(ctx, peerNodeID)
	if err != nil {
		return TraversalResult{}, err
	}

	wait := time.Until(coord.PunchAfter)
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return TraversalResult{}, ctx.Err()
		}
	}

	peerAddr, err := net.ResolveUDPAddr("udp", coord.PeerAddr)
	if err != nil {
		_ = h.Anchor.ReportHolePunchOutcome(ctx, coord.SessionID, false)
		return TraversalResult{}, cerr.Wrap(cerr.KindInvalidInput, "federation.nat", "resolve peer addr", err)
	}

	const punchBurst = 5
	var lastErr error
	for i := 0; i < punchBurst; i++ {
		if _, err := localConn.WriteToUDP([]byte("punch"), peerAddr); err != nil {
			lastErr = err
		}
		time.Sleep(50 * time.Millisecond)
	}

	succeeded := lastErr == nil
	_ = h.Anchor.ReportHolePunchOutcome(ctx, coord.SessionID, succeeded)
	if !succeeded {
		return TraversalResult{Outcome: OutcomeRelayRequired}, nil
	}
	return TraversalResult{Outcome: OutcomeDirect, PublicAddr: peerAddr.String(), Method: "hole-punch"}, nil
}

// StunDiscoverReflexiveAddr performs a single STUN Binding request against
// stunServer (e.g. "stun.l.google.com:19302") over localConn to learn this
// node's server-reflexive (public-facing) address, using the same
// Binding-Request/XORMappedAddress exchange pion's own STUN/ICE/TURN stack
// (already in the retrieval pack's dependency surface) implements.
func StunDiscoverReflexiveAddr(ctx context.Context, localConn *net.UDPConn, stunServer string) (TraversalResult, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", stunServer)
	if err != nil {
		return TraversalResult{}, cerr.Wrap(cerr.KindInvalidInput, "federation.nat", "resolve stun server", err)
	}

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return TraversalResult{}, cerr.Wrap(cerr.KindInternal, "federation.nat", "build stun binding request", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = localConn.SetDeadline(deadline)
	} else {
		_ = localConn.SetDeadline(time.Now().Add(5 * time.Second))
	}
	defer localConn.SetDeadline(time.Time{})

	if _, err := localConn.WriteToUDP(msg.Raw, serverAddr); err != nil {
		return TraversalResult{}, cerr.Wrap(cerr.KindUnavailable, "federation.nat", "send stun request", err)
	}

	buf := make([]byte, 1500)
	n, _, err := localConn.ReadFromUDP(buf)
	if err != nil {
		return TraversalResult{Outcome: OutcomeRelayRequired}, nil
	}

	var resp stun.Message
	resp.Raw = buf[:n]
	if err := resp.Decode(); err != nil {
		return TraversalResult{}, cerr.Wrap(cerr.KindInvalidInput, "federation.nat", "decode stun response", err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(&resp); err != nil {
		return TraversalResult{Outcome: OutcomeRelayRequired}, nil
	}
	return TraversalResult{
		Outcome:    OutcomeDirect,
		PublicAddr: net.JoinHostPort(xorAddr.IP.String(), strconv.Itoa(xorAddr.Port)),
		Method:     "stun",
	}, nil
}

// Coordinator runs the traversal strategy ladder in spec order: UPnP, then
// STUN, then hole-punch, stopping at the first direct outcome and falling
// back to relay-required if every strategy fails.
type Coordinator struct {
	UPnP       UPnPMapper // optional
	StunServer string     // optional, e.g. "stun.l.google.com:19302"
	HolePunch  *HolePunchCoordinator // optional
}

// Traverse attempts UPnP, then STUN, then hole-punch coordination with
// peerNodeID, returning the first successful TraversalResult or
// OutcomeRelayRequired if none succeed.
func (c Coordinator) Traverse(ctx context.Context, internalPort int, conn *net.UDPConn, peerNodeID string) TraversalResult {
	if c.UPnP != nil {
		if addr, err := c.UPnP.MapPort(ctx, internalPort); err == nil {
			return TraversalResult{Outcome: OutcomeDirect, PublicAddr: addr, Method: "upnp"}
		}
	}
	if c.StunServer != "" && conn != nil {
		if res, err := StunDiscoverReflexiveAddr(ctx, conn, c.StunServer); err == nil && res.Outcome == OutcomeDirect {
			return res
		}
	}
	if c.HolePunch != nil && conn != nil {
		if res, err := c.HolePunch.Coordinate(ctx, peerNodeID, conn); err == nil && res.Outcome == OutcomeDirect {
			return res
		}
	}
	return TraversalResult{Outcome: OutcomeRelayRequired}
}
