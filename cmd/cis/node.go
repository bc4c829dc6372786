package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cis-node/cis/internal/cerr"
	"github.com/cis-node/cis/internal/certpin"
	"github.com/cis-node/cis/internal/federation"
	"github.com/cis-node/cis/internal/persistence"
)

func runNodeCommand(ctx context.Context, rt *runtime, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "cis: node requires a subcommand (ls, inspect, ping, stats, bind)")
		return 1
	}
	raw, rest := rawFlag(args[1:])
	sub, rest := args[0], rest

	switch sub {
	case "ls":
		return nodeLs(ctx, rt, raw)
	case "inspect":
		return nodeInspect(ctx, rt, raw, rest)
	case "ping":
		return nodePing(ctx, rt, raw, rest)
	case "stats":
		return nodeStats(ctx, rt, raw, rest)
	case "bind":
		return nodeBind(ctx, rt, raw, rest)
	default:
		fmt.Fprintf(os.Stderr, "cis: unknown node subcommand %q\n", sub)
		return 1
	}
}

func nodeLs(ctx context.Context, rt *runtime, raw bool) int {
	peers := rt.peers.List()
	return printResult(raw, peers, func() string {
		if len(peers) == 0 {
			return "no known peers"
		}
		var b strings.Builder
		for _, p := range peers {
			fmt.Fprintf(&b, "%s\t%s\t%s\ttrust=%.2f\n", p.NodeID, p.ServerName, p.Status, p.TrustScore)
		}
		return strings.TrimRight(b.String(), "\n")
	})
}

func lookupPeer(rt *runtime, nodeID string) (federation.PeerInfo, bool) {
	if p, ok := rt.peers.Get(nodeID); ok {
		return p, true
	}
	rec, err := rt.store.GetPeer(context.Background(), nodeID)
	if err != nil || rec == nil {
		return federation.PeerInfo{}, false
	}
	info := federation.PeerInfo{
		NodeID:     rec.NodeID,
		ServerName: rec.ServerName,
		Endpoint:   rec.Endpoint,
		PublicKey:  rec.PublicKey,
		Status:     federation.PeerStatus(rec.Status),
		TrustScore: rec.TrustScore,
	}
	if rec.LastSeen != nil {
		info.LastSeen = *rec.LastSeen
	}
	return info, true
}

func nodeInspect(ctx context.Context, rt *runtime, raw bool, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "cis: node inspect requires exactly one <id>")
		return 1
	}
	info, ok := lookupPeer(rt, args[0])
	if !ok {
		return reportCLIError(raw, cerr.New(cerr.KindNotFound, "cli", fmt.Sprintf("peer %q not found", args[0])), 2)
	}
	return printResult(raw, info, func() string {
		return fmt.Sprintf("node_id=%s server_name=%s endpoint=%s status=%s trust=%.2f last_seen=%s",
			info.NodeID, info.ServerName, info.Endpoint, info.Status, info.TrustScore, info.LastSeen.Format(time.RFC3339))
	})
}

// nodePing measures reachability by opening and closing a connection to the
// peer's endpoint host:port, mirroring the liveness signal the federation
// transport's heartbeat loop already relies on (spec §4.8). Secure
// endpoints (wss://, https://) additionally run the TLS handshake through
// the TOFU certificate pin store (spec §6, §8 scenario 5): a first contact
// pins the peer's certificate, and a later mismatch — not a dial failure —
// is what now quarantines the peer, since that is the failure mode pinning
// exists to catch.
func nodePing(ctx context.Context, rt *runtime, raw bool, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "cis: node ping requires exactly one <id>")
		return 1
	}
	info, ok := lookupPeer(rt, args[0])
	if !ok {
		return reportCLIError(raw, cerr.New(cerr.KindNotFound, "cli", fmt.Sprintf("peer %q not found", args[0])), 2)
	}
	secure := strings.HasPrefix(info.Endpoint, "wss://") || strings.HasPrefix(info.Endpoint, "https://")
	host := info.Endpoint
	for _, prefix := range []string{"wss://", "ws://", "https://", "http://"} {
		host = strings.TrimPrefix(host, prefix)
	}
	domain := host
	if idx := strings.IndexByte(domain, '/'); idx >= 0 {
		domain = domain[:idx]
	}
	if idx := strings.IndexByte(domain, ':'); idx >= 0 {
		domain = domain[:idx]
	}
	addr := host
	if idx := strings.IndexByte(addr, '/'); idx >= 0 {
		addr = addr[:idx]
	}
	if !strings.Contains(addr, ":") {
		if secure {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}

	dialer := net.Dialer{Timeout: 5 * time.Second}
	start := time.Now()

	var pinResult certpin.Result
	var conn net.Conn
	var err error
	if secure {
		cfg := rt.certpins.TLSConfig(ctx, domain)
		verify := cfg.VerifyPeerCertificate
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, chains [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return verify(rawCerts, chains)
			}
			leaf, parseErr := x509.ParseCertificate(rawCerts[0])
			if parseErr != nil {
				return verify(rawCerts, chains)
			}
			var verifyErr error
			pinResult, verifyErr = rt.certpins.VerifyAndPin(ctx, domain, leaf)
			if verifyErr == nil && pinResult == certpin.Expired {
				verifyErr = cerr.New(cerr.KindVerification, "cli",
					fmt.Sprintf("pin for %q expired; re-pin before trusting a new certificate", domain))
			}
			return verifyErr
		}
		conn, err = tls.DialWithDialer(&dialer, "tcp", addr, cfg)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	latency := time.Since(start)
	if err != nil {
		rt.peers.MarkQuarantined(info.NodeID)
		kind := cerr.KindUnavailable
		if pinResult == certpin.Mismatch || pinResult == certpin.Expired {
			kind = cerr.KindVerification
		}
		return reportCLIError(raw, cerr.Wrap(kind, "cli", "dial failed", err), 3)
	}
	_ = conn.Close()
	rt.peers.Touch(info.NodeID)

	result := map[string]any{
		"node_id":    info.NodeID,
		"endpoint":   info.Endpoint,
		"latency_ms": latency.Milliseconds(),
	}
	if secure {
		result["cert_pin"] = string(pinResult)
	}
	return printResult(raw, result, func() string {
		if secure {
			return fmt.Sprintf("%s reachable at %s (%dms, cert_pin=%s)", info.NodeID, info.Endpoint, latency.Milliseconds(), pinResult)
		}
		return fmt.Sprintf("%s reachable at %s (%dms)", info.NodeID, info.Endpoint, latency.Milliseconds())
	})
}

func nodeStats(ctx context.Context, rt *runtime, raw bool, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "cis: node stats requires exactly one <id>")
		return 1
	}
	info, ok := lookupPeer(rt, args[0])
	if !ok {
		return reportCLIError(raw, cerr.New(cerr.KindNotFound, "cli", fmt.Sprintf("peer %q not found", args[0])), 2)
	}
	var eventCount int64
	for _, roomID := range rt.rooms.RoomIDs() {
		n, err := rt.store.RoomEventCount(ctx, roomID)
		if err == nil {
			eventCount += n
		}
	}
	stats := map[string]any{
		"node_id":        info.NodeID,
		"status":         info.Status,
		"trust_score":    info.TrustScore,
		"last_seen":      info.LastSeen,
		"rooms_observed": len(rt.rooms.RoomIDs()),
		"events_seen":    eventCount,
	}
	return printResult(raw, stats, func() string {
		return fmt.Sprintf("node_id=%s status=%s trust=%.2f rooms=%d events=%d",
			info.NodeID, info.Status, info.TrustScore, len(rt.rooms.RoomIDs()), eventCount)
	})
}

func nodeBind(ctx context.Context, rt *runtime, raw bool, args []string) int {
	endpoint, did, err := parseBindArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cis: %v\n", err)
		return 1
	}
	nodeID := did
	if nodeID == "" {
		nodeID = endpoint
	}

	info := federation.PeerInfo{
		NodeID:     nodeID,
		ServerName: nodeID,
		Endpoint:   endpoint,
		Status:     federation.PeerUnknown,
		LastSeen:   time.Now(),
	}
	rt.peers.Upsert(info)

	rec := persistence.PeerRecord{
		NodeID:     info.NodeID,
		ServerName: info.ServerName,
		Endpoint:   info.Endpoint,
		Status:     string(info.Status),
		LastSeen:   &info.LastSeen,
	}
	if err := rt.store.UpsertPeer(ctx, rec); err != nil {
		return reportCLIError(raw, err, 1)
	}
	return printResult(raw, info, func() string { return fmt.Sprintf("bound %s -> %s", nodeID, endpoint) })
}

// parseBindArgs extracts the endpoint positional and an optional --did
// value from args, which may appear in either order ('node bind <endpoint>
// [--did <did>]' per the CLI surface puts the flag after the positional,
// which the standard flag package can't parse since it stops at the first
// non-flag token).
func parseBindArgs(args []string) (endpoint, did string, err error) {
	var positional []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--did" || args[i] == "-did" {
			if i+1 >= len(args) {
				return "", "", fmt.Errorf("--did requires a value")
			}
			did = args[i+1]
			i++
			continue
		}
		positional = append(positional, args[i])
	}
	if len(positional) != 1 {
		return "", "", fmt.Errorf("node bind requires exactly one <endpoint>")
	}
	return positional[0], did, nil
}
