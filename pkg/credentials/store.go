package credentials

import (
	"net/http"
	"net/url"
	"sync"
)

// Realm is the authentication realm calibre content servers advertise.
const Realm = "calibre"

// Credential is a resolved username/password pair.
type Credential struct {
	Username string
	Password string
}

type key struct {
	host  string
	port  string
	realm string
}

// Store resolves credentials per (host, port, realm). Installs happen before
// a transfer's first request, so readers never race writers mid-transfer.
type Store struct {
	mu    sync.RWMutex
	creds map[key]Credential
}

func NewStore() *Store {
	return &Store{creds: map[key]Credential{}}
}

// Install registers credentials for the given server URL under the calibre
// realm. The port defaults from the URL scheme when not explicit.
func (s *Store) Install(serverURL *url.URL, username, password string) {
	k := key{serverURL.Hostname(), portOf(serverURL), Realm}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[k] = Credential{Username: username, Password: password}
}

// Lookup returns the credential installed for the given URL, if any.
func (s *Store) Lookup(u *url.URL) (Credential, bool) {
	k := key{u.Hostname(), portOf(u), Realm}

	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[k]
	return cred, ok
}

// Remove drops the credential for the given server URL, e.g. when the user
// deletes a server configuration.
func (s *Store) Remove(serverURL *url.URL) {
	k := key{serverURL.Hostname(), portOf(serverURL), Realm}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, k)
}

func portOf(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

// Transport returns an http.RoundTripper that attaches credentials from the
// store. HTTPS requests get Basic auth up front; plain HTTP requests answer
// Digest challenges instead, so the password never crosses the wire in the
// clear.
func (s *Store) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{store: s, base: base}
}

type authTransport struct {
	store *Store
	base  http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cred, ok := t.store.Lookup(req.URL)
	if !ok {
		return t.base.RoundTrip(req)
	}

	if req.URL.Scheme == "https" {
		clone := req.Clone(req.Context())
		clone.SetBasicAuth(cred.Username, cred.Password)
		return t.base.RoundTrip(clone)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge := parseDigestChallenge(resp.Header.Get("WWW-Authenticate"))
	if challenge == nil {
		return resp, nil
	}

	// Retry once with the digest answer. The body has to be replayable.
	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	} else if req.Body != nil {
		return resp, nil
	}

	resp.Body.Close()
	retry.Header.Set("Authorization", challenge.authorize(retry.Method, retry.URL.RequestURI(), cred))
	return t.base.RoundTrip(retry)
}
