package auth

import "context"

// AuthVerifier verifica un token y devuelve claims o error.
type AuthVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// SessionSource expone el usuario de la sesión activa del daemon.
type SessionSource interface {
	Current(ctx context.Context) (Claims, bool)
}
