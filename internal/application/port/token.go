package port

import "context"

// TokenProvider issues the access token used by REST and streaming clients
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}
