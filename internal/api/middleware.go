package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type callerKey struct{}

// CallerFrom returns the authenticated caller stored by Authenticate.
func CallerFrom(ctx context.Context) (models.Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(models.Caller)
	return c, ok
}

func withCaller(ctx context.Context, c models.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// Authenticate resolves the bearer token into a caller. The subject claim is the
// user id; the remote IP comes from the connection after RealIP has run.
func Authenticate(secret string, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := utils.ParseCallerToken(strings.TrimSpace(token), secret)
			if err != nil {
				logger.Debugf("rejected token from %s: %v", r.RemoteAddr, err)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			caller := models.Caller{
				UserID:   claims.Subject,
				IsAdmin:  claims.IsAdmin(),
				RemoteIP: remoteIP(r),
			}
			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
		})
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequestLogger logs one line per request through logrus.
func RequestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.WithFields(logrus.Fields{
					"request_id": middleware.GetReqID(r.Context()),
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     ww.Status(),
					"bytes":      ww.BytesWritten(),
					"duration":   time.Since(start).String(),
					"remote_ip":  remoteIP(r),
				}).Info("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
