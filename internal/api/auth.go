package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-booking/internal/booking"
)

const callerKey contextKey = "caller"

const (
	passHeader = "X-Captcha-Pass"
	passCookie = "captcha_pass"
	roleAdmin  = "admin"
)

var (
	errInvalidAuthFormat = errors.New("invalid authorization format")
	errInvalidToken      = errors.New("invalid token")
)

// Claims are the bearer token claims issued to signed-in patients and staff.
type Claims struct {
	jwt.RegisteredClaims
	IDNumber  string `json:"id_number"`
	BirthDate string `json:"birth_date"`
	Role      string `json:"role"`
}

// CaptchaPasses issues and checks short-lived "captcha already passed"
// tokens.
type CaptchaPasses interface {
	Issue(ctx context.Context) (string, error)
	Valid(ctx context.Context, token string) (bool, error)
	TTL() time.Duration
}

// CallerMiddleware resolves the booking.Caller for the request. A bearer
// token is verified with secret (HS256); an empty secret disables bearer auth
// and every caller is anonymous. A valid captcha pass from the header or
// cookie marks the caller CaptchaVerified.
func CallerMiddleware(secret []byte, passes CaptchaPasses, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var caller booking.Caller

			if len(secret) > 0 {
				if header := r.Header.Get("Authorization"); header != "" {
					c, err := parseBearer(header, secret)
					if err != nil {
						writeError(w, http.StatusUnauthorized, "invalid_token", err.Error())
						return
					}
					caller = c
				}
			}

			ctx := r.Context()
			if token := passToken(r); token != "" && passes != nil {
				ok, err := passes.Valid(ctx, token)
				if err != nil {
					// Fall back to asking for a captcha.
					logger.Warn().Err(err).Str("request_id", GetRequestID(ctx)).Msg("captcha pass check failed")
				}
				caller.CaptchaVerified = ok
			}

			ctx = context.WithValue(ctx, callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseBearer(header string, secret []byte) (booking.Caller, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return booking.Caller{}, errInvalidAuthFormat
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return booking.Caller{}, errInvalidToken
	}

	caller := booking.Caller{
		Authenticated: true,
		Admin:         claims.Role == roleAdmin,
		IDNumber:      claims.IDNumber,
	}
	if claims.BirthDate != "" {
		bd, err := time.Parse(dateLayout, claims.BirthDate)
		if err != nil {
			return booking.Caller{}, errInvalidToken
		}
		caller.BirthDate = bd
	}
	if !caller.Admin && (caller.IDNumber == "" || caller.BirthDate.IsZero()) {
		return booking.Caller{}, errInvalidToken
	}
	return caller, nil
}

// CallerFromContext returns the caller set by CallerMiddleware, or an
// anonymous caller.
func CallerFromContext(ctx context.Context) booking.Caller {
	c, _ := ctx.Value(callerKey).(booking.Caller)
	return c
}

// SignToken issues an HS256 bearer token for the given identity. Used by
// tooling and tests; the service itself never logs anyone in.
func SignToken(secret []byte, idNumber string, birthDate time.Time, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   idNumber,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		IDNumber: idNumber,
		Role:     role,
	}
	if !birthDate.IsZero() {
		claims.BirthDate = birthDate.Format(dateLayout)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func passToken(r *http.Request) string {
	if t := r.Header.Get(passHeader); t != "" {
		return t
	}
	if c, err := r.Cookie(passCookie); err == nil {
		return c.Value
	}
	return ""
}

// issuePass hands an anonymous caller who just solved a captcha a pass for
// follow-up requests. Failure only costs the caller another captcha.
func issuePass(w http.ResponseWriter, r *http.Request, passes CaptchaPasses, logger zerolog.Logger) {
	if passes == nil {
		return
	}
	token, err := passes.Issue(r.Context())
	if err != nil {
		logger.Warn().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("issue captcha pass")
		return
	}
	w.Header().Set(passHeader, token)
	http.SetCookie(w, &http.Cookie{
		Name:     passCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(passes.TTL().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
