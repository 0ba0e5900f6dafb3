package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		t.Fatalf("failed to build ssh signer: %v", err)
	}
	return signer
}

func TestCreateJWTCarriesFingerprint(t *testing.T) {
	signer := newTestSigner(t)
	token, err := CreateJWT(signer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty token")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected a three-part token, got %q", token)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("failed to decode token payload: %v", err)
	}
	var claims JWTClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		t.Fatalf("failed to decode token claims: %v", err)
	}
	if want := ssh.FingerprintSHA256(signer.PublicKey()); claims.KeyFingerprint != want {
		t.Errorf("expected key_fingerprint %q, got %q", want, claims.KeyFingerprint)
	}
}

func TestBearerTransportAttachesAuthorizationHeader(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	signer := newTestSigner(t)
	client := &http.Client{Transport: NewBearerTransport(http.DefaultTransport, signer)}
	if _, err := client.Get(srv.URL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotHeader == "" || gotHeader[:7] != "Bearer " {
		t.Errorf("expected a Bearer authorization header, got %q", gotHeader)
	}
}

func TestMirrorTransportOnlyAuthenticatesConfiguredHosts(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	signer := newTestSigner(t)
	fp := ssh.FingerprintSHA256(signer.PublicKey())

	cfgPath := filepath.Join(t.TempDir(), "mirrors.txt")
	contents := srv.Listener.Addr().String() + " " + fp + " test-mirror\n"
	if err := os.WriteFile(cfgPath, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write mirror config: %v", err)
	}

	cfg, err := LoadMirrorConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	keys := []KeyInfo{{Source: "file", Fingerprint: fp, Signer: signer}}
	client := &http.Client{Transport: NewMirrorTransport(http.DefaultTransport, cfg, keys, nil)}
	if _, err := client.Get(srv.URL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotHeader == "" || gotHeader[:7] != "Bearer " {
		t.Errorf("expected a Bearer authorization header for configured mirror host, got %q", gotHeader)
	}
}

func TestMirrorTransportPassesThroughUnconfiguredHosts(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	cfg := &MirrorConfig{}
	client := &http.Client{Transport: NewMirrorTransport(http.DefaultTransport, cfg, nil, nil)}
	if _, err := client.Get(srv.URL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotHeader != "" {
		t.Errorf("expected no authorization header for an unconfigured host, got %q", gotHeader)
	}
}
