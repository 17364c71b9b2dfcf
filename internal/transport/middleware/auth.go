package middleware

import (
	"crypto/rsa"
	"errors"
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/frahmantamala/member-payments/internal"
	"github.com/frahmantamala/member-payments/internal/transport"
	"github.com/frahmantamala/member-payments/pkg/logger"
)

// Authenticator checks caller bearer tokens issued by the membership platform. It only verifies
// them; tokens are never minted here.
type Authenticator struct {
	*transport.BaseHandler
	publicKey *rsa.PublicKey
	issuer    string
}

func NewAuthenticator(publicKey *rsa.PublicKey, issuer string, lg *slog.Logger) *Authenticator {
	return &Authenticator{
		BaseHandler: transport.NewBaseHandler(lg),
		publicKey:   publicKey,
		issuer:      issuer,
	}
}

// Middleware puts the token subject into the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := a.ExtractTokenFromHeader(r)
		if token == "" {
			a.HandleError(w, apperrors.ErrInvalidToken)
			return
		}

		subject, err := a.subject(token)
		if err != nil {
			logger.From(r.Context()).Warn("caller token rejected", "error", err)
			if errors.Is(err, jwt.ErrTokenExpired) {
				a.HandleError(w, apperrors.ErrTokenExpired)
				return
			}
			a.HandleError(w, apperrors.ErrInvalidToken)
			return
		}

		ctx := apperrors.ContextWithSubject(r.Context(), subject)
		ctx = logger.With(ctx, "subject_id", subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) subject(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return a.publicKey, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}
