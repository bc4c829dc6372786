package federation

import (
	"sort"
	"sync"
	"time"
)

// HeartbeatTimeout is how long a peer may go without being seen before the
// directory marks it Offline (spec §4.8 "absence of heartbeats beyond a
// threshold marks the remote as Offline").
const HeartbeatTimeout = 90 * time.Second

// Directory is the peer directory: read-mostly, with writers (heartbeat,
// registration) taking a brief write-lock (spec §5 shared-resource policy).
type Directory struct {
	mu    sync.RWMutex
	peers map[string]*PeerInfo
}

// NewDirectory returns an empty peer Directory.
func NewDirectory() *Directory {
	return &Directory{peers: map[string]*PeerInfo{}}
}

// Upsert inserts or replaces the PeerInfo for info.NodeID, stamping LastSeen
// to now unless the caller already set it.
func (d *Directory) Upsert(info PeerInfo) {
	if info.LastSeen.IsZero() {
		info.LastSeen = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := info
	d.peers[info.NodeID] = &cp
}

// Touch records a liveness signal (e.g. a heartbeat or accepted handshake)
// for nodeID, clearing any Offline status back to Online.
func (d *Directory) Touch(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[nodeID]
	if !ok {
		return
	}
	p.LastSeen = time.Now()
	if p.Status == PeerOffline || p.Status == PeerUnknown {
		p.Status = PeerOnline
	}
}

// Get returns a copy of the PeerInfo for nodeID.
func (d *Directory) Get(nodeID string) (PeerInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[nodeID]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

// List returns a sorted-by-node_id snapshot of all known peers, first
// sweeping for and marking any peer whose LastSeen has exceeded
// HeartbeatTimeout as Offline.
func (d *Directory) List() []PeerInfo {
	d.mu.Lock()
	now := time.Now()
	for _, p := range d.peers {
		if p.Status != PeerQuarantined && p.Status != PeerOffline && now.Sub(p.LastSeen) > HeartbeatTimeout {
			p.Status = PeerOffline
		}
	}
	out := make([]PeerInfo, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// MarkQuarantined flags nodeID as quarantined (restricted privileges,
// spec §4.7 handshake step 3).
func (d *Directory) MarkQuarantined(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[nodeID]; ok {
		p.Status = PeerQuarantined
	}
}

// Remove deletes nodeID from the directory.
func (d *Directory) Remove(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, nodeID)
}
