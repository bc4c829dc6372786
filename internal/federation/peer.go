package federation

import "time"

// PeerStatus is a peer's last-known reachability (spec §3 PeerInfo.status).
type PeerStatus string

const (
	PeerOnline      PeerStatus = "online"
	PeerOffline     PeerStatus = "offline"
	PeerQuarantined PeerStatus = "quarantined"
	PeerUnknown     PeerStatus = "unknown"
)

// PeerInfo describes a known remote node (spec §3 PeerInfo). The peer
// directory exclusively owns PeerInfo; federation code holds read
// references only.
type PeerInfo struct {
	NodeID     string     `json:"node_id"`
	ServerName string     `json:"server_name"`
	Endpoint   string     `json:"endpoint"`
	PublicKey  []byte     `json:"public_key"`
	Status     PeerStatus `json:"status"`
	TrustScore float64    `json:"trust_score"`
	LastSeen   time.Time  `json:"last_seen"`
}
