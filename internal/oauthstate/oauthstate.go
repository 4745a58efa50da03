// Package oauthstate decodes the URL fragment a third-party application
// sends when it asks for access, and encodes the redirect that hands the
// issued token back to it.
package oauthstate

import (
	"net/url"
	"strings"

	autherrors "github.com/alexjbarnes/rs-auth/internal/errors"
	"github.com/alexjbarnes/rs-auth/internal/scope"
)

// Request is an application's access request. Every field is optional
// until a redirect is built.
type Request struct {
	ClientID    string      `json:"client_id,omitempty"`
	RedirectURI string      `json:"redirect_uri,omitempty"`
	Scope       scope.Scope `json:"scope,omitempty"`
	State       string      `json:"state,omitempty"`
}

// Parse decodes a key=value&key=value fragment. Only client_id,
// redirect_uri, scope, and state are kept. Pairs that are unknown,
// lack an "=", or fail to decode are dropped without error. A leading
// "#" is ignored.
func Parse(fragment string) Request {
	var req Request

	fragment = strings.TrimPrefix(fragment, "#")

	for _, pair := range strings.Split(fragment, "&") {
		rawKey, rawValue, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}

		key, err := url.PathUnescape(rawKey)
		if err != nil {
			continue
		}

		value, err := url.PathUnescape(rawValue)
		if err != nil {
			continue
		}

		switch key {
		case "client_id":
			req.ClientID = value
		case "redirect_uri":
			req.RedirectURI = value
		case "scope":
			req.Scope = scope.Parse(value)
		case "state":
			req.State = value
		}
	}

	return req
}

// HasScope reports whether the request asks for any categories, which
// is what moves an authenticated client into the confirmation step.
func (r Request) HasScope() bool {
	return len(r.Scope) > 0
}

// BuildRedirect returns the request's redirect_uri with the token
// appended as #access_token=<token>.
func BuildRedirect(r Request, token string) (string, error) {
	if r.RedirectURI == "" {
		return "", autherrors.ErrMissingRedirectTarget
	}

	return r.RedirectURI + "#access_token=" + escape(token), nil
}

// escape percent-encodes s for use in a fragment component. Spaces
// become %20 so that Parse, which does not treat "+" as a space, can
// reverse it.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
