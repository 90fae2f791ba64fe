package api

// Factory hands out authenticated clients that share one transport, one token
// source and one refresher. Each client carries its own interceptor, so
// concurrent 401s on different clients refresh independently unless the
// refresher coalesces them.
type Factory struct {
	client    *Client
	tokens    TokenSource
	refresher Refresher
}

// NewFactory creates a factory over client
func NewFactory(client *Client, tokens TokenSource, refresher Refresher) *Factory {
	return &Factory{
		client:    client,
		tokens:    tokens,
		refresher: refresher,
	}
}

// New returns a client bound to basePath, e.g. "/farms"
func (f *Factory) New(basePath string) *AuthenticatedClient {
	return NewAuthenticatedClient(f.client, basePath, f.tokens, f.refresher)
}
