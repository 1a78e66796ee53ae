package wsadapter

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sdan/sandboxd/internal/controlauth"
	"github.com/sdan/sandboxd/internal/logx"
	"github.com/sdan/sandboxd/internal/ptyctl"
)

// Adapter upgrades HTTP connections to the control-plane WebSocket and
// routes every frame to either the HTTP router (request frames) or the
// PTY Manager (pty_input/pty_resize frames).
type Adapter struct {
	router   http.Handler
	ptys     *ptyctl.Manager
	auth     *controlauth.Manager
	upgrader websocket.Upgrader

	log *logx.Logger
}

func New(router http.Handler, ptys *ptyctl.Manager, auth *controlauth.Manager) *Adapter {
	return &Adapter{
		router: router,
		ptys:   ptys,
		auth:   auth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logx.New("WS"),
	}
}

// ServeHTTP handles the `/ws` (alias `/api/ws`) upgrade (spec §6).
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.auth != nil {
		if err := a.auth.ValidateToken(r.URL.Query().Get("token")); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Printf("upgrade failed: %v", err)
		return
	}

	c := newConnection(conn, a)
	c.run()
}
