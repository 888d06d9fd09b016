package ws

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"go_acmebot/internal/auth"
)

// WrapWithAuth validates the JWT of socket.io handshake requests before
// they reach next
func WrapWithAuth(next http.Handler, logger *logrus.Entry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 仅校验握手请求: GET /socket.io/?EIO=4&transport=polling
		if r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/socket.io/") {
			token := auth.TokenFromRequest(r)
			if token == "" {
				logger.WithField("remote", r.RemoteAddr).Warn("Handshake rejected: no token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := auth.ParseToken(token)
			if err != nil {
				logger.WithField("remote", r.RemoteAddr).WithError(err).Warn("Handshake rejected: invalid token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			logger.WithField("user", claims.Username).Debug("Handshake accepted")
		}

		next.ServeHTTP(w, r)
	})
}
