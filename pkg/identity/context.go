package identity

import (
	"context"
	"net/http"
)

func contextWithPrincipal(req *http.Request, p Principal) context.Context {
	return context.WithValue(req.Context(), claimsPrincipalKey{}, p)
}

func principalFromContext(req *http.Request) (Principal, bool) {
	p, ok := req.Context().Value(claimsPrincipalKey{}).(Principal)
	return p, ok
}
