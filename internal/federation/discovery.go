package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cis-node/cis/internal/cerr"
	"github.com/cis-node/cis/internal/federation/cloudanchor"
)

// Discoverer finds candidate peers (spec §4.7 "three strategies composable
// in priority order"). Callers run each configured Discoverer in priority
// order and merge the results into the peer Directory.
type Discoverer interface {
	Discover(ctx context.Context) ([]PeerInfo, error)
}

// StaticList is the highest-priority, always-available discovery strategy:
// an operator-supplied fixed peer list.
type StaticList struct {
	Peers []PeerInfo
}

func (s StaticList) Discover(context.Context) ([]PeerInfo, error) {
	return s.Peers, nil
}

// lanAnnounce is the payload broadcast over LAN multicast discovery.
type lanAnnounce struct {
	NodeID    string `json:"node_id"`
	Endpoint  string `json:"endpoint"`
	PublicKey []byte `json:"public_key"`
}

// lanMulticastAddr and lanMulticastPort define the local discovery group.
// pion/mdns/v2's true RFC 6762 implementation was not wired here: its
// Server/Config surface could not be verified against this retrieval pack
// (no vendored source to confirm exact symbol names), and the spec itself
// only asks for something "mDNS-like" for LAN discovery rather than full
// mDNS/DNS-SD compliance — a plain UDP multicast announce/listen loop meets
// that bar without guessing at an unverified API (see DESIGN.md).
const (
	lanMulticastAddr = "239.255.76.68"
	lanMulticastPort = 42424
)

// LANMulticast discovers peers on the local network by periodically
// broadcasting a self-announcement over UDP multicast and collecting
// announcements from others during a single listen window.
type LANMulticast struct {
	Self       lanAnnounceSelf
	ListenTime time.Duration
}

// lanAnnounceSelf carries this node's own announce fields.
type lanAnnounceSelf struct {
	NodeID    string
	Endpoint  string
	PublicKey []byte
}

func (l LANMulticast) Discover(ctx context.Context) ([]PeerInfo, error) {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", lanMulticastAddr, lanMulticastPort))
	if err != nil {
		return nil, cerr.Wrap(cerr.KindConfiguration, "federation.discovery", "resolve multicast addr", err)
	}

	listenTime := l.ListenTime
	if listenTime <= 0 {
		listenTime = 2 * time.Second
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, cerr.Wrap(cerr.KindUnavailable, "federation.discovery", "listen multicast", err)
	}
	defer conn.Close()

	announce, err := json.Marshal(lanAnnounce{
		NodeID: l.Self.NodeID, Endpoint: l.Self.Endpoint, PublicKey: l.Self.PublicKey,
	})
	if err != nil {
		return nil, err
	}
	sendConn, err := net.DialUDP("udp4", nil, addr)
	if err == nil {
		_, _ = sendConn.Write(announce)
		sendConn.Close()
	}

	deadline := time.Now().Add(listenTime)
	conn.SetReadDeadline(deadline)

	var found []PeerInfo
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		default:
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			break // deadline exceeded or socket closed: listen window is over
		}
		var a lanAnnounce
		if err := json.Unmarshal(buf[:n], &a); err != nil || a.NodeID == "" || a.NodeID == l.Self.NodeID {
			continue
		}
		found = append(found, PeerInfo{NodeID: a.NodeID, Endpoint: a.Endpoint, PublicKey: a.PublicKey, Status: PeerUnknown})
	}
	return found, nil
}

// CloudAnchorDiscoverer delegates peer discovery to a registered Cloud
// Anchor rendezvous server (spec §4.7 "fetches peer lists").
type CloudAnchorDiscoverer struct {
	Client *cloudanchor.Client
	RoomID string
}

func (c CloudAnchorDiscoverer) Discover(ctx context.Context) ([]PeerInfo, error) {
	if c.Client == nil {
		return nil, cerr.New(cerr.KindConfiguration, "federation.discovery", "no cloud anchor client configured")
	}
	records, err := c.Client.ListPeers(ctx, c.RoomID)
	if err != nil {
		return nil, err
	}
	out := make([]PeerInfo, len(records))
	for i, r := range records {
		out[i] = PeerInfo{NodeID: r.NodeID, Endpoint: r.Endpoint, PublicKey: r.PublicKey, Status: PeerUnknown}
	}
	return out, nil
}

// DiscoverAll runs every Discoverer in priority order, merging results
// (later strategies' duplicate node_ids do not override earlier ones,
// matching "composable in priority order": the static list always wins).
func DiscoverAll(ctx context.Context, strategies ...Discoverer) []PeerInfo {
	seen := map[string]PeerInfo{}
	var order []string
	for _, s := range strategies {
		peers, err := s.Discover(ctx)
		if err != nil {
			continue
		}
		for _, p := range peers {
			if _, ok := seen[p.NodeID]; ok {
				continue
			}
			seen[p.NodeID] = p
			order = append(order, p.NodeID)
		}
	}
	out := make([]PeerInfo, 0, len(order))
	for _, id := range order {
		out = append(out, seen[id])
	}
	return out
}
