package ws

import (
	"net/http/httptest"
	"testing"
)

func TestOriginPolicy_AllowList(t *testing.T) {
	t.Run("full origin match", func(t *testing.T) {
		p := OriginPolicy{Allowed: []string{"http://app.example.com:5173"}}
		if !p.Allows("http://app.example.com:5173") {
			t.Fatal("expected origin to be allowed")
		}
		if p.Allows("http://app.example.com") {
			t.Fatal("expected origin to be rejected")
		}
	})

	t.Run("hostname match ignores port", func(t *testing.T) {
		p := OriginPolicy{Allowed: []string{"app.example.com"}}
		if !p.Allows("https://app.example.com:5173") {
			t.Fatal("expected origin to be allowed")
		}
	})

	t.Run("host:port match", func(t *testing.T) {
		p := OriginPolicy{Allowed: []string{"app.example.com:5173"}}
		if !p.Allows("https://app.example.com:5173") {
			t.Fatal("expected origin to be allowed")
		}
		if p.Allows("https://app.example.com:9999") {
			t.Fatal("expected origin to be rejected")
		}
	})

	t.Run("wildcard matches base and subdomain", func(t *testing.T) {
		p := OriginPolicy{Allowed: []string{"*.example.com"}}
		if !p.Allows("https://example.com") {
			t.Fatal("expected base hostname to be allowed")
		}
		if !p.Allows("https://a.example.com") {
			t.Fatal("expected subdomain to be allowed")
		}
		if p.Allows("https://evilexample.com") {
			t.Fatal("expected lookalike to be rejected")
		}
	})

	t.Run("star admits everything", func(t *testing.T) {
		p := OriginPolicy{Allowed: []string{"*"}}
		if !p.Allows("https://anywhere.example.net") {
			t.Fatal("expected origin to be allowed")
		}
	})

	t.Run("null origin entry", func(t *testing.T) {
		p := OriginPolicy{Allowed: []string{"null"}}
		if !p.Allows("null") {
			t.Fatal("expected null origin to be allowed")
		}
	})

	t.Run("unlisted public origin rejected", func(t *testing.T) {
		p := OriginPolicy{Allowed: []string{"app.example.com"}}
		if p.Allows("https://other.example.net") {
			t.Fatal("expected origin to be rejected")
		}
	})
}

func TestOriginPolicy_LocalAndPrivate(t *testing.T) {
	p := OriginPolicy{} // Empty allow list.
	for _, origin := range []string{
		"http://localhost:5173",
		"http://app.localhost",
		"http://127.0.0.1:8080",
		"http://[::1]:5173",
		"http://192.168.1.20",
		"http://10.0.0.5:3000",
		"http://172.16.0.1",
	} {
		if !p.Allows(origin) {
			t.Errorf("expected local origin %q to be allowed", origin)
		}
	}
	if p.Allows("https://example.com") {
		t.Fatal("expected public origin to be rejected without allow list")
	}
}

func TestOriginPolicy_NoOrigin(t *testing.T) {
	r := httptest.NewRequest("GET", "http://host.local/ws", nil)
	if (OriginPolicy{}).CheckRequest(r) {
		t.Fatal("expected request without Origin to be rejected")
	}
	if !(OriginPolicy{AllowNoOrigin: true}).CheckRequest(r) {
		t.Fatal("expected request without Origin to be allowed")
	}
}
