package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// MirrorTransport wraps a base transport, attaching a bearer JWT to any
// request whose host matches a configured mirror entry and for which a
// locally-discovered signing key (ssh-agent, gpg-agent, or ~/.ssh) matches
// the entry's fingerprint. Requests to unmatched hosts pass through
// unchanged.
type MirrorTransport struct {
	base   http.RoundTripper
	config *MirrorConfig
	keys   []KeyInfo
	log    *slog.Logger

	mu         sync.Mutex
	transports map[string]http.RoundTripper
}

// NewMirrorTransport builds a MirrorTransport. keys is typically the result
// of DiscoverSSHKeys, called once per process.
func NewMirrorTransport(base http.RoundTripper, config *MirrorConfig, keys []KeyInfo, log *slog.Logger) *MirrorTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &MirrorTransport{base: base, config: config, keys: keys, log: log, transports: make(map[string]http.RoundTripper)}
}

func (t *MirrorTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	entry, ok := t.config.EntryForHost(req.URL.Host)
	if !ok {
		return t.base.RoundTrip(req)
	}

	rt, err := t.transportForEntry(entry)
	if err != nil {
		if t.log != nil {
			t.log.Warn("no usable signing key for mirror host, fetching unauthenticated",
				slog.String("host", entry.Host), slog.Any("error", err))
		}
		return t.base.RoundTrip(req)
	}
	return rt.RoundTrip(req)
}

func (t *MirrorTransport) transportForEntry(entry MirrorEntry) (http.RoundTripper, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rt, ok := t.transports[entry.Host]; ok {
		return rt, nil
	}

	for _, k := range t.keys {
		if k.Fingerprint != entry.Fingerprint || k.Signer == nil {
			continue
		}
		rt := NewBearerTransport(t.base, k.Signer)
		t.transports[entry.Host] = rt
		return rt, nil
	}
	return nil, fmt.Errorf("no discovered key matches fingerprint %s required by %s", entry.Fingerprint, entry.Host)
}
