// Package identity implements the Identity collaborator of spec.md §6:
// resolving the caller's display name/UPN/email from an inbound HTTP
// request through one of three supported mechanisms, in priority order.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
)

// Principal is the resolved caller identity (spec.md §6).
type Principal struct {
	DisplayName string
	Upn         string
	Email       string
}

// HeaderNames configures the trusted front-proxy header mode (spec.md §6
// defaults: X-User-Email, X-User-Name, X-User-UPN).
type HeaderNames struct {
	Email string
	Name  string
	Upn   string
}

// DefaultHeaderNames returns the spec.md §6 default header names.
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{Email: "X-User-Email", Name: "X-User-Name", Upn: "X-User-UPN"}
}

// clientPrincipalHeader is the base64-JSON principal header name (spec.md
// §6, modeled on Azure App Service's EasyAuth header).
const clientPrincipalHeader = "X-MS-CLIENT-PRINCIPAL"

type clientPrincipalClaim struct {
	Typ string `json:"typ"`
	Val string `json:"val"`
}

type clientPrincipalPayload struct {
	Claims []clientPrincipalClaim `json:"claims"`
}

// Resolver resolves a Principal from a request, trying the claims
// principal (JWT bearer, via r.Context()), then the base64-JSON principal
// header, then the trusted front-proxy headers.
type Resolver struct {
	headers HeaderNames
}

// New constructs a Resolver using the given trusted front-proxy header
// names.
func New(headers HeaderNames) *Resolver {
	return &Resolver{headers: headers}
}

// Resolve returns the caller's Principal, or nil if none of the three
// mechanisms yields one.
func (r *Resolver) Resolve(req *http.Request) *Principal {
	if p := resolveClaimsPrincipal(req); p != nil {
		return p
	}
	if p := resolveClientPrincipalHeader(req); p != nil {
		return p
	}
	return r.resolveTrustedHeaders(req)
}

// claimsPrincipalKey is the context key a platform-injected JWT middleware
// is expected to set. Out of scope for this core (spec.md §1): no JWT
// verification is performed here, only consumption of an already-verified
// principal placed on the request context.
type claimsPrincipalKey struct{}

// WithClaimsPrincipal attaches an already-verified Principal to a request
// context, for use by a platform's own bearer-token middleware upstream
// of this handler.
func WithClaimsPrincipal(req *http.Request, p Principal) *http.Request {
	return req.WithContext(contextWithPrincipal(req, p))
}

func resolveClaimsPrincipal(req *http.Request) *Principal {
	p, ok := principalFromContext(req)
	if !ok {
		return nil
	}
	return &p
}

func resolveClientPrincipalHeader(req *http.Request) *Principal {
	raw := req.Header.Get(clientPrincipalHeader)
	if raw == "" {
		return nil
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil
	}

	var payload clientPrincipalPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil
	}

	p := Principal{}
	for _, c := range payload.Claims {
		switch c.Typ {
		case "name", "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name":
			p.DisplayName = c.Val
		case "preferred_username", "upn", "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/upn":
			p.Upn = c.Val
		case "email", "emails":
			p.Email = c.Val
		}
	}
	if p.DisplayName == "" && p.Upn == "" && p.Email == "" {
		return nil
	}
	return &p
}

func (r *Resolver) resolveTrustedHeaders(req *http.Request) *Principal {
	email := req.Header.Get(r.headers.Email)
	name := req.Header.Get(r.headers.Name)
	upn := req.Header.Get(r.headers.Upn)

	if email == "" && name == "" && upn == "" {
		return nil
	}
	return &Principal{DisplayName: name, Email: email, Upn: upn}
}
