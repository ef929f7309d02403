package httpx

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/datalinkhq/datalink/pkg/config"
	"github.com/datalinkhq/datalink/pkg/errors"
)

// Authenticator attaches credentials to outbound requests.
type Authenticator interface {
	// Apply mutates the request headers in place.
	Apply(ctx context.Context, req *Request) error
}

// NewAuthenticator builds an authenticator from the auth configuration.
// A nil or "none" configuration yields a pass-through.
func NewAuthenticator(cfg *config.AuthConfig) (Authenticator, error) {
	if cfg == nil {
		return noopAuth{}, nil
	}
	switch cfg.Type {
	case "", "none":
		return noopAuth{}, nil
	case "bearer":
		if cfg.Token == "" {
			return nil, errors.New(errors.CategoryConfiguration, "AUTH_TOKEN_MISSING", "bearer auth requires a token")
		}
		return &staticAuth{header: "Authorization", value: "Bearer " + cfg.Token}, nil
	case "api_key":
		header := cfg.Header
		if header == "" {
			header = "X-API-Key"
		}
		if cfg.Token == "" {
			return nil, errors.New(errors.CategoryConfiguration, "AUTH_TOKEN_MISSING", "api_key auth requires a token")
		}
		return &staticAuth{header: header, value: cfg.Token}, nil
	case "oauth2":
		if cfg.OAuth2 == nil {
			return nil, errors.New(errors.CategoryConfiguration, "CFG_OAUTH2_MISSING", "oauth2 auth selected but oauth2 section absent")
		}
		return &oauth2Auth{
			cfg: clientcredentials.Config{
				TokenURL:     cfg.OAuth2.TokenURL,
				ClientID:     cfg.OAuth2.ClientID,
				ClientSecret: cfg.OAuth2.ClientSecret,
				Scopes:       cfg.OAuth2.Scopes,
			},
		}, nil
	default:
		return nil, errors.Newf(errors.CategoryConfiguration, "AUTH_TYPE_UNKNOWN", "unknown auth type %q", cfg.Type)
	}
}

type noopAuth struct{}

func (noopAuth) Apply(context.Context, *Request) error { return nil }

// staticAuth injects a fixed header value (bearer token or API key).
type staticAuth struct {
	header string
	value  string
}

func (a *staticAuth) Apply(_ context.Context, req *Request) error {
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers[a.header] = a.value
	return nil
}

// oauth2Auth acquires client-credentials tokens lazily and reuses them
// until expiry.
type oauth2Auth struct {
	cfg    clientcredentials.Config
	source oauth2.TokenSource
	mu     sync.Mutex
}

func (a *oauth2Auth) Apply(ctx context.Context, req *Request) error {
	a.mu.Lock()
	if a.source == nil {
		a.source = a.cfg.TokenSource(ctx)
	}
	source := a.source
	a.mu.Unlock()

	token, err := source.Token()
	if err != nil {
		return errors.Wrap(err, errors.CategoryAuthentication, "AUTH_TOKEN_FETCH_FAILED", "failed to obtain access token")
	}

	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["Authorization"] = token.Type() + " " + token.AccessToken
	return nil
}
