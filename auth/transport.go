package auth

import (
	"net/http"

	"golang.org/x/crypto/ssh"
)

// BearerTransport attaches a JWT, signed with an SSH key discovered via
// DiscoverSSHKeys, to every outgoing request. It is used when the index or an
// external constraint file is served from a mirror that requires auth.
type BearerTransport struct {
	Base   http.RoundTripper
	Signer ssh.Signer

	token string
}

func NewBearerTransport(base http.RoundTripper, signer ssh.Signer) *BearerTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &BearerTransport{Base: base, Signer: signer}
}

func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token == "" {
		token, err := CreateJWT(t.Signer)
		if err != nil {
			return nil, err
		}
		t.token = token
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.Base.RoundTrip(req)
}
