// Package certpin implements trust-on-first-use certificate pinning (spec
// §6 "Certificate pin store", §8 scenario 5): the first certificate seen for
// a domain is pinned, and every later connection is checked against that
// pin rather than the system CA roots. This is deliberately a contract-only
// collaborator (spec §1 Non-goals) — it does not replace a certificate
// authority, it only detects a change of identity on a channel the node has
// already decided to trust once.
package certpin

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cis-node/cis/internal/cerr"
	"github.com/cis-node/cis/internal/persistence"
)

// Result classifies the outcome of Verify (spec §8 scenario 5), grounded on
// the original node's CertificatePinning::verify contract, which returns
// this identical four-way outcome (PinVerification::{Valid, NewPin,
// Mismatch, Expired}).
type Result string

const (
	NewPin   Result = "new_pin"
	Valid    Result = "valid"
	Mismatch Result = "mismatch"
	Expired  Result = "expired"
)

// Store is the TOFU pin store, backed by internal/persistence's cert_pins
// table (spec §6 "Certificate pin store: (domain → fingerprint, algorithm,
// pinned_at, expires_at?)").
type Store struct {
	db  *persistence.Store
	ttl time.Duration // 0 disables pin expiry
}

// New returns a Store. ttl is the lifetime of a pin before it is treated as
// expired and eligible for re-pinning as if seen for the first time; zero
// means pins never expire.
func New(db *persistence.Store, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl}
}

// Fingerprint returns the hex-encoded SHA-256 digest of a certificate's DER
// encoding, the algorithm this package pins by.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Verify checks cert against the pin on file for domain. It never writes
// to the store — pinning a new certificate is Commit's job — so callers
// that only want to know where a connection stands (without committing a
// TOFU write) can call it on its own.
//
//   - No pin on file: returns NewPin.
//   - Pin on file but past its expires_at: returns Expired. Expiry is
//     checked before the fingerprint comparison and reported as its own
//     outcome rather than silently folded into NewPin — an expired pin is
//     not the same thing as a domain never seen before.
//   - Pin on file, not expired, fingerprint matches: returns Valid.
//   - Pin on file, not expired, fingerprint differs: returns Mismatch and
//     a cerr.KindVerification error.
func (s *Store) Verify(ctx context.Context, domain string, cert *x509.Certificate) (Result, error) {
	existing, err := s.db.GetCertPin(ctx, domain)
	if err != nil {
		return "", cerr.Wrap(cerr.KindInternal, "certpin", "load pin", err)
	}
	if existing == nil {
		return NewPin, nil
	}
	if s.expired(existing) {
		return Expired, nil
	}
	if existing.Fingerprint == Fingerprint(cert) {
		return Valid, nil
	}
	return Mismatch, cerr.New(cerr.KindVerification, "certpin",
		fmt.Sprintf("certificate for %q does not match pinned fingerprint", domain))
}

func (s *Store) expired(rec *persistence.CertPinRecord) bool {
	return rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt)
}

// Commit applies the trust-on-first-use write a Verify outcome calls for:
// only NewPin results in a write — cert is pinned and Valid is returned.
// Every other outcome passes through unchanged, most notably Expired:
// an expired pin is never silently re-pinned by Commit, since that would
// let a stale, unattended pin auto-renew itself against a changed
// certificate with no operator in the loop. An operator must Forget the
// domain first to make it eligible for a fresh NewPin.
func (s *Store) Commit(ctx context.Context, domain string, cert *x509.Certificate, result Result) (Result, error) {
	if result != NewPin {
		return result, nil
	}
	rec := persistence.CertPinRecord{
		Domain:      domain,
		Fingerprint: Fingerprint(cert),
		Algorithm:   "sha256",
		PinnedAt:    time.Now().UTC(),
	}
	if s.ttl > 0 {
		expires := rec.PinnedAt.Add(s.ttl)
		rec.ExpiresAt = &expires
	}
	if err := s.db.UpsertCertPin(ctx, rec); err != nil {
		return "", cerr.Wrap(cerr.KindInternal, "certpin", "save pin", err)
	}
	return Valid, nil
}

// VerifyAndPin runs Verify then Commit in one step: the common case for a
// caller that wants TOFU pinning applied automatically on first contact
// without separately inspecting the NewPin outcome (spec §8 scenario 5).
func (s *Store) VerifyAndPin(ctx context.Context, domain string, cert *x509.Certificate) (Result, error) {
	result, err := s.Verify(ctx, domain, cert)
	if err != nil {
		return result, err
	}
	return s.Commit(ctx, domain, cert, result)
}

// Forget removes any pin on file for domain, so the next Verify treats the
// domain as unseen. Used when an operator deliberately re-keys a peer.
func (s *Store) Forget(ctx context.Context, domain string) error {
	return s.db.DeleteCertPin(ctx, domain)
}

// VerifyConnection adapts Verify to tls.Config.VerifyPeerCertificate: it
// parses the leaf certificate from the raw chain presented during the
// handshake and pins/checks it against domain. Wire it into an
// *http.Client's Transport with InsecureSkipVerify=true — verification
// responsibility moves entirely to the pin store rather than the system CA
// pool, matching this package's TOFU contract rather than PKI trust.
func (s *Store) VerifyConnection(ctx context.Context, domain string) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return cerr.New(cerr.KindVerification, "certpin", "no certificate presented")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return cerr.Wrap(cerr.KindVerification, "certpin", "parse leaf certificate", err)
		}
		result, err := s.VerifyAndPin(ctx, domain, leaf)
		if err != nil {
			return err
		}
		if result == Expired {
			return cerr.New(cerr.KindVerification, "certpin",
				fmt.Sprintf("pin for %q expired; Forget it before a new certificate can be trusted", domain))
		}
		return nil
	}
}

// TLSConfig returns a *tls.Config for dialing domain under this store's
// TOFU policy: system certificate verification is disabled in favor of
// VerifyConnection, which is the only check performed.
func (s *Store) TLSConfig(ctx context.Context, domain string) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, // verification is delegated to VerifyPeerCertificate below
		VerifyPeerCertificate: func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
			return s.VerifyConnection(ctx, domain)(rawCerts, verifiedChains)
		},
	}
}
