package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func resolveIP(t *testing.T, remoteAddr, xff string, hops int) string {
	t.Helper()
	var got string
	h := ClientIPWithOptions(ClientIPOptions{TrustedHops: hops})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = ClientIPFromContext(r.Context())
		}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = remoteAddr
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	h.ServeHTTP(httptest.NewRecorder(), req)
	return got
}

func TestClientIP_DirectPeer(t *testing.T) {
	if got := resolveIP(t, "203.0.113.9:443", "", 0); got != "203.0.113.9" {
		t.Errorf("got %q", got)
	}
}

func TestClientIP_PublicPeerIgnoresXFF(t *testing.T) {
	// A public peer is not our load balancer; its XFF is attacker input.
	if got := resolveIP(t, "203.0.113.9:443", "10.0.0.1", 1); got != "203.0.113.9" {
		t.Errorf("got %q, want peer address", got)
	}
}

func TestClientIP_ZeroHopsIgnoresXFF(t *testing.T) {
	if got := resolveIP(t, "10.1.2.3:1234", "198.51.100.7", 0); got != "10.1.2.3" {
		t.Errorf("got %q, want peer address", got)
	}
}

func TestClientIP_SingleTrustedHop(t *testing.T) {
	if got := resolveIP(t, "10.1.2.3:1234", "198.51.100.7", 1); got != "198.51.100.7" {
		t.Errorf("got %q, want rightmost XFF entry", got)
	}
	// multiple entries: rightmost one is what the trusted proxy appended
	if got := resolveIP(t, "10.1.2.3:1234", "1.2.3.4, 198.51.100.7", 1); got != "198.51.100.7" {
		t.Errorf("got %q, want rightmost XFF entry", got)
	}
}

func TestClientIP_FewerEntriesThanHops_FailsClosed(t *testing.T) {
	if got := resolveIP(t, "10.1.2.3:1234", "198.51.100.7", 3); got != "10.1.2.3" {
		t.Errorf("got %q, want peer address (fail closed)", got)
	}
}

func TestClientIP_MalformedXFFEntry(t *testing.T) {
	if got := resolveIP(t, "10.1.2.3:1234", "not-an-ip", 1); got != "10.1.2.3" {
		t.Errorf("got %q, want peer address", got)
	}
}

func TestClientIP_StripsForwardedHeadersWhenUntrusted(t *testing.T) {
	var sawXFF string
	h := ClientIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawXFF = r.Header.Get("X-Forwarded-For")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "203.0.113.9:443"
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if sawXFF != "" {
		t.Errorf("X-Forwarded-For should be stripped, got %q", sawXFF)
	}
}
