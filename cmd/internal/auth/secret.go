package auth

import (
	"context"
	"errors"
	"strings"

	"whisper/cmd/internal/paramstore"
)

var (
	ErrSecretMissing  = errors.New("auth: jwt secret not configured")
	ErrSecretTooShort = errors.New("auth: jwt secret too short")
)

// ResolveSecret returns the signing key: WHISPER_JWT_SECRET when set,
// otherwise the SSM parameter named by WHISPER_JWT_SECRET_PARAM.
func ResolveSecret(ctx context.Context, cfg Config, params paramstore.Getter) ([]byte, error) {
	secret := strings.TrimSpace(cfg.JWTSecret)
	if secret == "" && cfg.JWTSecretParam != "" {
		if params == nil {
			return nil, errors.New("auth: jwt secret parameter set but no parameter store")
		}
		v, err := params.GetParameter(ctx, cfg.JWTSecretParam)
		if err != nil {
			return nil, err
		}
		secret = strings.TrimSpace(v)
	}
	if secret == "" {
		return nil, ErrSecretMissing
	}
	if len(secret) < MinSecretBytes {
		return nil, ErrSecretTooShort
	}
	return []byte(secret), nil
}
