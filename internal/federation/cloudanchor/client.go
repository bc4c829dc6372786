// Package cloudanchor implements the HTTP client for the Cloud Anchor
// rendezvous/relay service (spec §6 "Cloud Anchor HTTP API"): registration,
// heartbeat (with token rotation), peer discovery, hole-punch coordination,
// and store-and-forward relay for NAT-bound nodes.
package cloudanchor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cis-node/cis/internal/cerr"
)

// Client is a thin HTTP client over the Cloud Anchor API, holding the
// short-lived bearer token issued at registration and rotated on heartbeat.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu       sync.RWMutex
	nodeID   string
	token    string
}

// NewClient returns a Client pointed at baseURL (e.g. "https://anchor.example.org").
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// RegisterResponse is the body of POST /nodes/register.
type RegisterResponse struct {
	Token  string `json:"token"`
	NodeID string `json:"node_id"`
}

// Register enrolls this node with the anchor, storing the returned token
// and node_id for subsequent authenticated calls.
func (c *Client) Register(ctx context.Context, nodeDID, endpoint string) (RegisterResponse, error) {
	var out RegisterResponse
	body := map[string]string{"node_did": nodeDID, "endpoint": endpoint}
	if err := c.doJSON(ctx, http.MethodPost, "/nodes/register", "", body, &out); err != nil {
		return RegisterResponse{}, err
	}
	c.mu.Lock()
	c.nodeID, c.token = out.NodeID, out.Token
	c.mu.Unlock()
	return out, nil
}

// HeartbeatResponse is the body of POST /nodes/{id}/heartbeat.
type HeartbeatResponse struct {
	NewToken string `json:"new_token,omitempty"`
}

// Heartbeat keeps this node's registration alive, rotating the bearer token
// if the server returns one.
func (c *Client) Heartbeat(ctx context.Context) (HeartbeatResponse, error) {
	nodeID, token := c.credentials()
	var out HeartbeatResponse
	path := fmt.Sprintf("/nodes/%s/heartbeat", nodeID)
	if err := c.doJSON(ctx, http.MethodPost, path, token, nil, &out); err != nil {
		return HeartbeatResponse{}, err
	}
	if out.NewToken != "" {
		c.mu.Lock()
		c.token = out.NewToken
		c.mu.Unlock()
	}
	return out, nil
}

// Unregister deregisters this node from the anchor.
func (c *Client) Unregister(ctx context.Context) error {
	nodeID, token := c.credentials()
	path := fmt.Sprintf("/nodes/%s/unregister", nodeID)
	return c.doJSON(ctx, http.MethodPost, path, token, nil, nil)
}

// PeerRecord is a directory entry returned by GET /nodes and GET /nodes/{id}.
type PeerRecord struct {
	NodeID    string `json:"node_id"`
	Endpoint  string `json:"endpoint"`
	PublicKey []byte `json:"public_key"`
}

// ListPeers fetches the peer list for a room via GET /nodes?room_id=<id>.
func (c *Client) ListPeers(ctx context.Context, roomID string) ([]PeerRecordAsPeerInfo, error) {
	_, token := c.credentials()
	var out []PeerRecord
	path := fmt.Sprintf("/nodes?room_id=%s", roomID)
	if err := c.doJSON(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return nil, err
	}
	result := make([]PeerRecordAsPeerInfo, len(out))
	for i, p := range out {
		result[i] = PeerRecordAsPeerInfo(p)
	}
	return result, nil
}

// PeerRecordAsPeerInfo is an alias kept distinct from PeerRecord so callers
// in package federation can convert to federation.PeerInfo without this
// package importing federation (which would create an import cycle, since
// federation imports cloudanchor).
type PeerRecordAsPeerInfo PeerRecord

// PunchCoordination is the anchor's response to a hole-punch request,
// describing how both sides should time their simultaneous UDP sends.
type PunchCoordination struct {
	SessionID  string    `json:"session_id"`
	PeerAddr   string    `json:"peer_addr"`
	PunchAfter time.Time `json:"punch_after"`
}

// RequestHolePunch asks the anchor to coordinate NAT traversal with peerNodeID.
func (c *Client) RequestHolePunch(ctx context.Context, peerNodeID string) (PunchCoordination, error) {
	_, token := c.credentials()
	var out PunchCoordination
	body := map[string]string{"peer_node_id": peerNodeID}
	if err := c.doJSON(ctx, http.MethodPost, "/hole-punch/request", token, body, &out); err != nil {
		return PunchCoordination{}, err
	}
	return out, nil
}

// PendingHolePunchRequests polls for inbound hole-punch requests targeting this node.
func (c *Client) PendingHolePunchRequests(ctx context.Context) ([]PunchCoordination, error) {
	nodeID, token := c.credentials()
	var out []PunchCoordination
	path := fmt.Sprintf("/hole-punch/requests/%s", nodeID)
	if err := c.doJSON(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptHolePunch confirms participation in a coordinated punch session.
func (c *Client) AcceptHolePunch(ctx context.Context, sessionID string) error {
	_, token := c.credentials()
	path := fmt.Sprintf("/hole-punch/accept/%s", sessionID)
	return c.doJSON(ctx, http.MethodPost, path, token, nil, nil)
}

// ReportHolePunchOutcome tells the anchor whether a punch attempt succeeded,
// so it can fall back to relay for this pair if not.
func (c *Client) ReportHolePunchOutcome(ctx context.Context, sessionID string, succeeded bool) error {
	_, token := c.credentials()
	body := map[string]any{"session_id": sessionID, "succeeded": succeeded}
	return c.doJSON(ctx, http.MethodPost, "/hole-punch/report", token, body, nil)
}

// Relay sends payload to peerNodeID via the anchor's store-and-forward path
// (subject to a per-node quota enforced server-side).
func (c *Client) Relay(ctx context.Context, peerNodeID string, payload []byte) error {
	_, token := c.credentials()
	body := map[string]string{
		"peer_node_id": peerNodeID,
		"payload":      base64.StdEncoding.EncodeToString(payload),
	}
	err := c.doJSON(ctx, http.MethodPost, "/relay", token, body, nil)
	if cerr.KindOf(err) == cerr.KindResourceLimit {
		// Quota-exceeded surfaces to the caller per spec §7 propagation
		// policy; it is not retried here. Callers may fall back to direct
		// transport.
		return err
	}
	return err
}

// PollRelay fetches any payloads relayed to this node.
func (c *Client) PollRelay(ctx context.Context) ([][]byte, error) {
	nodeID, token := c.credentials()
	var out []struct {
		Payload string `json:"payload"`
	}
	path := fmt.Sprintf("/relay/%s", nodeID)
	if err := c.doJSON(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return nil, err
	}
	result := make([][]byte, 0, len(out))
	for _, r := range out {
		decoded, err := base64.StdEncoding.DecodeString(r.Payload)
		if err != nil {
			continue
		}
		result = append(result, decoded)
	}
	return result, nil
}

func (c *Client) credentials() (nodeID, token string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeID, c.token
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return cerr.Wrap(cerr.KindInternal, "cloudanchor", "marshal request", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return cerr.Wrap(cerr.KindInternal, "cloudanchor", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cerr.Wrap(cerr.KindUnavailable, "cloudanchor", fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return cerr.New(cerr.KindResourceLimit, "cloudanchor", "quota exceeded")
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return cerr.New(cerr.KindUnavailable, "cloudanchor", fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return cerr.Wrap(cerr.KindInternal, "cloudanchor", "decode response", err)
	}
	return nil
}
