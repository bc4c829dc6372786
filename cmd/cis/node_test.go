package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

func selfSignedTLSCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestNodeBindLsInspect(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	if code := runNodeCommand(ctx, rt, []string{"bind", "wss://node-b.example/fabric", "--did", "node-b"}); code != 0 {
		t.Fatalf("bind: got %d", code)
	}
	if code := runNodeCommand(ctx, rt, []string{"ls"}); code != 0 {
		t.Fatalf("ls: got %d", code)
	}
	if code := runNodeCommand(ctx, rt, []string{"inspect", "node-b"}); code != 0 {
		t.Fatalf("inspect: got %d", code)
	}
	if code := runNodeCommand(ctx, rt, []string{"inspect", "missing"}); code != 2 {
		t.Fatalf("inspect missing: got %d, want 2", code)
	}
	if code := runNodeCommand(ctx, rt, []string{"stats", "node-b"}); code != 0 {
		t.Fatalf("stats: got %d", code)
	}
}

func TestNodePingReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	rt := newTestRuntime(t)
	ctx := context.Background()
	endpoint := "ws://" + ln.Addr().String()
	if code := runNodeCommand(ctx, rt, []string{"bind", endpoint, "--did", "node-local"}); code != 0 {
		t.Fatalf("bind: got %d", code)
	}
	if code := runNodeCommand(ctx, rt, []string{"ping", "node-local"}); code != 0 {
		t.Fatalf("ping: got %d", code)
	}
}

func TestNodePingTLSPinning(t *testing.T) {
	cert := selfSignedTLSCert(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	rt := newTestRuntime(t)
	ctx := context.Background()
	endpoint := "wss://" + ln.Addr().String()
	if code := runNodeCommand(ctx, rt, []string{"bind", endpoint, "--did", "node-secure"}); code != 0 {
		t.Fatalf("bind: got %d", code)
	}

	// First ping pins the certificate.
	if code := runNodeCommand(ctx, rt, []string{"ping", "node-secure"}); code != 0 {
		t.Fatalf("first ping: got %d", code)
	}
	// Second ping against the same cert must still succeed (Valid, not Mismatch).
	if code := runNodeCommand(ctx, rt, []string{"ping", "node-secure"}); code != 0 {
		t.Fatalf("second ping: got %d", code)
	}
}

func TestNodePingUnreachable(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	if code := runNodeCommand(ctx, rt, []string{"bind", "ws://127.0.0.1:1", "--did", "node-dead"}); code != 0 {
		t.Fatalf("bind: got %d", code)
	}
	if code := runNodeCommand(ctx, rt, []string{"ping", "node-dead"}); code != 3 {
		t.Fatalf("got %d, want 3", code)
	}
}
