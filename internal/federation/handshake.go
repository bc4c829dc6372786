package federation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cis-node/cis/internal/cerr"
)

// HandshakeTimeout bounds each handshake phase (spec §4.7 "each handshake
// phase has a default 30s bound; on expiry the session fails").
const HandshakeTimeout = 30 * time.Second

// nonceTTL matches HandshakeTimeout: a nonce outlives at most one handshake
// attempt before it is evicted from the single-use store.
const nonceTTL = HandshakeTimeout

// DidChallenge is the server's opening handshake frame (spec §4.7 step 1).
type DidChallenge struct {
	Nonce         string    `json:"nonce"` // 128-bit random, hex-encoded
	ChallengerDID string    `json:"challenger_did"`
	Timestamp     time.Time `json:"timestamp"`
}

// DidResponse is the client's reply (spec §4.7 step 2). PublicKey lets the
// server verify ChallengeSignature without a prior key exchange; the DID
// itself is expected to be derived from (and checkable against) this key.
type DidResponse struct {
	ResponderDID       string `json:"responder_did"`
	PublicKey          []byte `json:"public_key"`
	ChallengeSignature []byte `json:"challenge_signature"`
}

// AuthResult is the server's final verdict (spec §4.7 step 4).
type AuthResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	PeerDID string `json:"peer_did,omitempty"`
}

// Decision is an ACL's verdict on a peer attempting to authenticate.
type Decision int

const (
	DecisionDeny Decision = iota
	DecisionAllow
	DecisionQuarantine
)

// ACL decides whether a verified peer DID may join this node's rooms, and
// with what privilege level (spec §4.7 step 3: "consults an ACL
// (allow/deny/quarantine)").
type ACL interface {
	Decide(peerDID string) Decision
}

// AllowAllACL accepts every peer at full privilege; useful for tests and
// single-trust-domain deployments.
type AllowAllACL struct{}

func (AllowAllACL) Decide(string) Decision { return DecisionAllow }

// signingTranscript binds a challenge signature to both parties' DIDs so a
// captured signature cannot be replayed against a different server (spec
// §4.7 "signatures bind to the local DID to prevent cross-server reuse").
func signingTranscript(nonce, challengerDID, responderDID string) []byte {
	return []byte(nonce + "|" + challengerDID + "|" + responderDID)
}

// newNonce returns a 128-bit random value, hex-encoded.
func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", cerr.Wrap(cerr.KindInternal, "federation.handshake", "generate nonce", err)
	}
	return hex.EncodeToString(b), nil
}

// HandshakeServer runs the server (accepting-peer) role of the handshake
// over conn: send DidChallenge, await DidResponse, verify the signature,
// consult acl, send AuthResult. On success it upserts the peer into dir.
func HandshakeServer(ctx context.Context, conn FrameConn, localDID string, acl ACL, dir *Directory, nonces *ttlCache[struct{}]) (AuthResult, error) {
	nonce, err := newNonce()
	if err != nil {
		return AuthResult{}, err
	}
	nonces.setWithTTL(nonce, struct{}{}, nonceTTL)

	challenge := DidChallenge{Nonce: nonce, ChallengerDID: localDID, Timestamp: time.Now()}
	frame, err := EncodeFrame("DidChallenge", challenge)
	if err != nil {
		return AuthResult{}, err
	}
	wctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	if err := conn.Write(wctx, frame); err != nil {
		return AuthResult{}, cerr.Wrap(cerr.KindUnavailable, "federation.handshake", "send challenge", err)
	}

	rctx, cancel2 := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel2()
	respFrame, err := conn.Read(rctx)
	if err != nil {
		return AuthResult{}, cerr.Wrap(cerr.KindTimeout, "federation.handshake", "await response", err)
	}
	var resp DidResponse
	if err := respFrame.Decode(&resp); err != nil {
		return AuthResult{}, err
	}

	if _, ok := nonces.Take(nonce); !ok {
		result := AuthResult{Success: false, Error: "nonce expired or reused"}
		d, _ := EncodeFrame("AuthResult", result)
		_ = conn.Write(ctx, d)
		return result, nil
	}

	if len(resp.PublicKey) != ed25519.PublicKeySize {
		result := AuthResult{Success: false, Error: "malformed public key"}
		d, _ := EncodeFrame("AuthResult", result)
		_ = conn.Write(ctx, d)
		return result, nil
	}
	transcript := signingTranscript(nonce, localDID, resp.ResponderDID)
	if !ed25519.Verify(resp.PublicKey, transcript, resp.ChallengeSignature) {
		result := AuthResult{Success: false, Error: "signature verification failed"}
		d, _ := EncodeFrame("AuthResult", result)
		_ = conn.Write(ctx, d)
		return result, nil
	}

	decision := acl.Decide(resp.ResponderDID)
	var result AuthResult
	switch decision {
	case DecisionAllow, DecisionQuarantine:
		result = AuthResult{Success: true, PeerDID: resp.ResponderDID}
		status := PeerOnline
		if decision == DecisionQuarantine {
			status = PeerQuarantined
		}
		if dir != nil {
			dir.Upsert(PeerInfo{NodeID: resp.ResponderDID, PublicKey: resp.PublicKey, Status: status})
		}
	default:
		result = AuthResult{Success: false, Error: "denied by policy"}
	}

	d, err := EncodeFrame("AuthResult", result)
	if err != nil {
		return AuthResult{}, err
	}
	if err := conn.Write(ctx, d); err != nil {
		return AuthResult{}, cerr.Wrap(cerr.KindUnavailable, "federation.handshake", "send auth result", err)
	}
	if !result.Success {
		return result, nil
	}
	return result, nil
}

// HandshakeClient runs the client (initiating-peer) role: await
// DidChallenge, sign the transcript, send DidResponse, await AuthResult.
func HandshakeClient(ctx context.Context, conn FrameConn, localDID string, priv ed25519.PrivateKey, pub ed25519.PublicKey) (AuthResult, error) {
	cctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	chFrame, err := conn.Read(cctx)
	if err != nil {
		return AuthResult{}, cerr.Wrap(cerr.KindTimeout, "federation.handshake", "await challenge", err)
	}
	var challenge DidChallenge
	if err := chFrame.Decode(&challenge); err != nil {
		return AuthResult{}, err
	}

	transcript := signingTranscript(challenge.Nonce, challenge.ChallengerDID, localDID)
	resp := DidResponse{
		ResponderDID:       localDID,
		PublicKey:          pub,
		ChallengeSignature: ed25519.Sign(priv, transcript),
	}
	respFrame, err := EncodeFrame("DidResponse", resp)
	if err != nil {
		return AuthResult{}, err
	}
	wctx, cancel2 := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel2()
	if err := conn.Write(wctx, respFrame); err != nil {
		return AuthResult{}, cerr.Wrap(cerr.KindUnavailable, "federation.handshake", "send response", err)
	}

	rctx, cancel3 := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel3()
	resFrame, err := conn.Read(rctx)
	if err != nil {
		return AuthResult{}, cerr.Wrap(cerr.KindTimeout, "federation.handshake", "await auth result", err)
	}
	var result AuthResult
	if err := resFrame.Decode(&result); err != nil {
		return AuthResult{}, err
	}
	if !result.Success {
		return result, cerr.New(cerr.KindVerification, "federation.handshake", fmt.Sprintf("handshake denied: %s", result.Error))
	}
	return result, nil
}

// NewNonceStore returns a fresh single-use nonce tracker for a
// HandshakeServer to share across connections.
func NewNonceStore() *ttlCache[struct{}] {
	return newTTLCache[struct{}](nonceTTL)
}
