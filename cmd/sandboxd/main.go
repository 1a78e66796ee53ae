// Command sandboxd is the sandbox container runtime's server: it wires
// the config, session, process, PTY, auth, and HTTP/WS layers together
// and serves the control plane, following the teacher's main.go
// composition-root shape (config.Load, construct managers, server.New,
// Run) generalized beyond a single terminal.Manager to the full service
// set spec.md describes.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sdan/sandboxd/internal/config"
	"github.com/sdan/sandboxd/internal/controlauth"
	"github.com/sdan/sandboxd/internal/handler"
	"github.com/sdan/sandboxd/internal/process"
	"github.com/sdan/sandboxd/internal/ptyctl"
	"github.com/sdan/sandboxd/internal/session"
	"github.com/sdan/sandboxd/internal/wsadapter"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		runAdmin(os.Args[2:])
		return
	}

	configPath := flag.String("config", config.DefaultPath(), "config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		if err := config.Save(cfg, *configPath); err != nil {
			log.Fatalf("writing default config: %v", err)
		}
	} else if err != nil {
		log.Fatalf("config: %v", err)
	}

	if changed, err := cfg.EnsureJWTSecret(); err != nil {
		log.Fatalf("jwt secret: %v", err)
	} else if changed {
		if err := config.Save(cfg, *configPath); err != nil {
			log.Fatalf("saving config: %v", err)
		}
	}

	sessions := session.NewManager(cfg.ScratchRoot, cfg.CommandTimeout(), cfg.LabelersDoneTimeout())
	procs := process.NewService(sessions)
	ptys := ptyctl.NewManager(cfg.PTYDisconnectTimeout())
	procs.SetPTYChecker(ptys)

	var auth *controlauth.Manager
	if cfg.AdminTokenHash != "" {
		jwtSecret, err := cfg.DecodeJWTSecret()
		if err != nil {
			log.Fatalf("invalid jwt_secret in config: %v", err)
		}
		auth = controlauth.NewManager(cfg.AdminTokenHash, jwtSecret, 24*time.Hour)
	} else {
		log.Printf("no admin_token_hash configured; control plane is unauthenticated (run 'sandboxd admin set-token' to secure it)")
	}

	h := handler.New(sessions, procs, ptys, auth, cfg.DefaultSessionID, cfg.PTYDisconnectTimeout())
	mux := h.Mux()

	ws := wsadapter.New(mux, ptys, auth)
	mux.HandleFunc("/ws", ws.ServeHTTP)
	mux.HandleFunc("/api/ws", ws.ServeHTTP)

	addr := net.JoinHostPort("", strconv.Itoa(cfg.Port))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Printf("sandboxd listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	procs.KillAllProcesses()
	ptys.KillAll()
	sessions.DestroyAll()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
