package certpin_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/cis-node/cis/internal/certpin"
	"github.com/cis-node/cis/internal/cerr"
	"github.com/cis-node/cis/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "cis.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func selfSignedCert(t *testing.T, commonName string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

// TestVerifyAndPin_TOFULifecycle exercises spec §8 scenario 5 verbatim:
// first call pins, second call with the same cert is Valid, a differing
// cert is Mismatch.
func TestVerifyAndPin_TOFULifecycle(t *testing.T) {
	store := certpin.New(openTestStore(t), 0)
	ctx := context.Background()

	cert1 := selfSignedCert(t, "example.com")
	cert2 := selfSignedCert(t, "example.com")

	result, err := store.VerifyAndPin(ctx, "example.com", cert1)
	if err != nil || result != certpin.NewPin {
		t.Fatalf("first verify: result=%v err=%v, want NewPin/nil", result, err)
	}

	result, err = store.VerifyAndPin(ctx, "example.com", cert1)
	if err != nil || result != certpin.Valid {
		t.Fatalf("second verify (same cert): result=%v err=%v, want Valid/nil", result, err)
	}

	result, err = store.VerifyAndPin(ctx, "example.com", cert2)
	if result != certpin.Mismatch {
		t.Fatalf("third verify (different cert): result=%v, want Mismatch", result)
	}
	if !errors.Is(err, cerr.Sentinel(cerr.KindVerification)) {
		t.Fatalf("expected a KindVerification error, got %v", err)
	}

	// The mismatch must not have overwritten the pin.
	result, err = store.VerifyAndPin(ctx, "example.com", cert1)
	if err != nil || result != certpin.Valid {
		t.Fatalf("verify after mismatch attempt: result=%v err=%v, want Valid/nil", result, err)
	}
}

// TestVerify_ExpiredPinIsDistinctFromNewPin matches the original
// CertificatePinning::verify contract: an expired pin reports Expired, not
// NewPin, and Verify itself never writes — so calling it repeatedly past
// expiry keeps returning Expired rather than drifting back to NewPin.
func TestVerify_ExpiredPinIsDistinctFromNewPin(t *testing.T) {
	store := certpin.New(openTestStore(t), time.Millisecond)
	ctx := context.Background()
	cert1 := selfSignedCert(t, "stale.example.com")
	cert2 := selfSignedCert(t, "stale.example.com")

	if result, err := store.VerifyAndPin(ctx, "stale.example.com", cert1); err != nil || result != certpin.NewPin {
		t.Fatalf("first verify: result=%v err=%v", result, err)
	}

	time.Sleep(5 * time.Millisecond)

	if result, err := store.Verify(ctx, "stale.example.com", cert2); err != nil || result != certpin.Expired {
		t.Fatalf("verify after expiry: result=%v err=%v, want Expired/nil", result, err)
	}
	// Calling Verify again must not have mutated anything: still Expired.
	if result, err := store.Verify(ctx, "stale.example.com", cert2); err != nil || result != certpin.Expired {
		t.Fatalf("second verify after expiry: result=%v err=%v, want Expired/nil (Verify must not write)", result, err)
	}
}

// TestCommit_NeverRePinsAnExpiredResult mirrors handle_tofu in the original:
// Commit only writes on NewPin; an Expired result passes through untouched,
// so an operator must Forget a stale domain before it becomes pinnable
// again.
func TestCommit_NeverRePinsAnExpiredResult(t *testing.T) {
	store := certpin.New(openTestStore(t), time.Millisecond)
	ctx := context.Background()
	cert1 := selfSignedCert(t, "stale2.example.com")
	cert2 := selfSignedCert(t, "stale2.example.com")

	if _, err := store.VerifyAndPin(ctx, "stale2.example.com", cert1); err != nil {
		t.Fatalf("pin: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	result, err := store.Verify(ctx, "stale2.example.com", cert2)
	if err != nil || result != certpin.Expired {
		t.Fatalf("verify: result=%v err=%v, want Expired/nil", result, err)
	}
	committed, err := store.Commit(ctx, "stale2.example.com", cert2, result)
	if err != nil || committed != certpin.Expired {
		t.Fatalf("commit of an Expired result: got=%v err=%v, want Expired/nil unchanged", committed, err)
	}
	// Still Expired: Commit did not quietly re-pin cert2.
	if result, err := store.Verify(ctx, "stale2.example.com", cert2); err != nil || result != certpin.Expired {
		t.Fatalf("verify after no-op commit: result=%v err=%v, want Expired/nil", result, err)
	}
}

func TestForget_ResetsToUnseen(t *testing.T) {
	store := certpin.New(openTestStore(t), 0)
	ctx := context.Background()
	cert1 := selfSignedCert(t, "rekeyed.example.com")
	cert2 := selfSignedCert(t, "rekeyed.example.com")

	if _, err := store.VerifyAndPin(ctx, "rekeyed.example.com", cert1); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := store.Forget(ctx, "rekeyed.example.com"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	result, err := store.VerifyAndPin(ctx, "rekeyed.example.com", cert2)
	if err != nil || result != certpin.NewPin {
		t.Fatalf("verify after forget: result=%v err=%v, want NewPin/nil", result, err)
	}
}

func TestVerifyConnection_RejectsEmptyChain(t *testing.T) {
	store := certpin.New(openTestStore(t), 0)
	verify := store.VerifyConnection(context.Background(), "example.com")
	if err := verify(nil, nil); err == nil {
		t.Fatal("expected an error for an empty certificate chain")
	}
}
