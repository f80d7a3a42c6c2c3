package adapters

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2CredentialResolver refreshes a bearer token via the OAuth2
// client-credentials flow instead of reading a static key. It satisfies the
// registry's CredentialResolver contract for providers whose credential is a
// refreshable token rather than a long-lived secret — e.g. an Azure-AD-fronted
// OpenAI deployment, where api_key_env names a token endpoint/client-id/secret
// triple rather than a literal key.
type OAuth2CredentialResolver struct {
	config *clientcredentials.Config
}

// NewOAuth2CredentialResolver builds a resolver for the given client
// credentials and token endpoint. scopes may be empty if the endpoint
// requires none.
func NewOAuth2CredentialResolver(tokenURL, clientID, clientSecret string, scopes []string) *OAuth2CredentialResolver {
	return &OAuth2CredentialResolver{
		config: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		},
	}
}

// ResolveCredential returns a valid bearer token, refreshing it if expired.
// The oauth2 TokenSource handles caching and refresh internally, so repeated
// calls within the token's lifetime are cheap.
func (r *OAuth2CredentialResolver) ResolveCredential(ctx context.Context) (string, error) {
	token, err := r.config.Token(ctx)
	if err != nil {
		return "", &Error{Tag: TagAuthentication, StatusCode: 401, Message: err.Error()}
	}
	return token.AccessToken, nil
}

// TokenSource exposes the underlying oauth2.TokenSource for callers that want
// to build an oauth2.Transport directly rather than re-resolving per request.
func (r *OAuth2CredentialResolver) TokenSource(ctx context.Context) oauth2.TokenSource {
	return r.config.TokenSource(ctx)
}
