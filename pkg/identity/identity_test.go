package identity

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveTrustedHeaders(t *testing.T) {
	r := New(DefaultHeaderNames())
	req := httptest.NewRequest(http.MethodGet, "/ack", nil)
	req.Header.Set("X-User-Email", "ada@example.com")
	req.Header.Set("X-User-Name", "Ada Lovelace")
	req.Header.Set("X-User-UPN", "ada@contoso.onmicrosoft.com")

	p := r.Resolve(req)
	if p == nil {
		t.Fatal("expected a resolved principal")
	}
	if p.Email != "ada@example.com" || p.DisplayName != "Ada Lovelace" || p.Upn != "ada@contoso.onmicrosoft.com" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestResolveReturnsNilWhenNoSourcePresent(t *testing.T) {
	r := New(DefaultHeaderNames())
	req := httptest.NewRequest(http.MethodGet, "/ack", nil)

	if p := r.Resolve(req); p != nil {
		t.Fatalf("expected nil, got %+v", p)
	}
}

func TestResolveClientPrincipalHeader(t *testing.T) {
	r := New(DefaultHeaderNames())
	req := httptest.NewRequest(http.MethodGet, "/ack", nil)

	payload := `{"claims":[{"typ":"name","val":"Ada Lovelace"},{"typ":"email","val":"ada@example.com"}]}`
	req.Header.Set(clientPrincipalHeader, base64.StdEncoding.EncodeToString([]byte(payload)))

	p := r.Resolve(req)
	if p == nil {
		t.Fatal("expected a resolved principal")
	}
	if p.DisplayName != "Ada Lovelace" || p.Email != "ada@example.com" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestResolveClaimsPrincipalTakesPriority(t *testing.T) {
	r := New(DefaultHeaderNames())
	req := httptest.NewRequest(http.MethodGet, "/ack", nil)
	req.Header.Set("X-User-Email", "fromheader@example.com")
	req = WithClaimsPrincipal(req, Principal{DisplayName: "From Claims", Email: "fromclaims@example.com"})

	p := r.Resolve(req)
	if p == nil || p.Email != "fromclaims@example.com" {
		t.Fatalf("expected the claims principal to win, got %+v", p)
	}
}

func TestResolveIgnoresMalformedClientPrincipalHeader(t *testing.T) {
	r := New(DefaultHeaderNames())
	req := httptest.NewRequest(http.MethodGet, "/ack", nil)
	req.Header.Set(clientPrincipalHeader, "not-valid-base64!!")

	if p := r.Resolve(req); p != nil {
		t.Fatalf("expected nil for malformed header, got %+v", p)
	}
}
