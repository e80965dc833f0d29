package ws

import (
	"net"
	"net/http"
	"strings"

	"github.com/ember-chat/ember-chat/auth"
	"github.com/ember-chat/ember-chat/globals"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and runs the connection pumps. An optional
// token query parameter carrying a valid moderator token marks the connection
// as a moderator session (it receives moderation notices).
func ServeWS(hub *Hub, jwtSecret []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		isModerator := false
		if token := r.URL.Query().Get("token"); token != "" && len(jwtSecret) > 0 {
			claims, err := auth.VerifyToken(jwtSecret, token)
			if err != nil {
				globals.AppLogger.Debug("ignoring invalid moderator token", "error", err)
			} else {
				isModerator = auth.HasPermission(claims.Role, auth.PermViewMessages)
			}
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			globals.AppLogger.Error("could not upgrade connection", "error", err)
			return
		}
		client := NewClient(hub, conn, uuid.NewString(), originAddress(r), isModerator)
		go client.WriteLoop()
		client.ReadLoop()
	}
}

// originAddress resolves the client address the way a proxied deployment
// needs it: the first entry of X-Forwarded-For wins, otherwise the remote
// address of the connection.
func originAddress(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if addr := strings.TrimSpace(strings.Split(forwarded, ",")[0]); addr != "" {
			return addr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
