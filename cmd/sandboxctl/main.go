// Command sandboxctl is a debug CLI client for sandboxd: it exchanges an
// admin token for a control-plane JWT, runs one-shot foreground commands,
// and can attach a raw local terminal to a remote PTY session over the
// WebSocket control plane — grounded on the teacher's CLI-side
// term.ReadPassword usage (config.RunFirstSetup) and the streamsh client
// pack example's raw-terminal-attach idiom (term.MakeRaw/term.Restore
// around a PTY-bridging network connection).
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"golang.org/x/term"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "sandboxd address")
	token := flag.String("token", os.Getenv("SANDBOXCTL_TOKEN"), "admin token")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: sandboxctl [-addr host:port] [-token TOKEN] <exec|pty> ...")
		os.Exit(2)
	}

	jwt, err := exchangeToken(*addr, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth: %v\n", err)
		os.Exit(1)
	}

	switch args[0] {
	case "exec":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: sandboxctl exec <session> <command>")
			os.Exit(2)
		}
		if err := runExec(*addr, jwt, args[1], strings.Join(args[2:], " ")); err != nil {
			fmt.Fprintf(os.Stderr, "exec: %v\n", err)
			os.Exit(1)
		}
	case "pty":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: sandboxctl pty <session>")
			os.Exit(2)
		}
		if err := runPty(*addr, jwt, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "pty: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func exchangeToken(addr, adminToken string) (string, error) {
	if adminToken == "" {
		return "", nil
	}
	body, _ := json.Marshal(map[string]string{"adminToken": adminToken})
	resp, err := http.Post(fmt.Sprintf("http://%s/api/auth/token", addr), "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func runExec(addr, jwt, sessionID, command string) error {
	body, _ := json.Marshal(map[string]string{"sessionId": sessionID, "command": command})
	req, err := http.NewRequest("POST", fmt.Sprintf("http://%s/api/execute", addr), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	fmt.Print(out["stdout"])
	fmt.Fprint(os.Stderr, out["stderr"])
	return nil
}

// runPty attaches the local controlling terminal to a remote PTY session,
// putting stdin into raw mode for the duration (restored on exit via
// term.Restore, matching the streamsh client's attach/detach discipline).
func runPty(addr, jwt, sessionID string) error {
	q := url.Values{}
	if jwt != "" {
		q.Set("token", jwt)
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws", RawQuery: q.Encode()}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	attachBody, _ := json.Marshal(map[string]any{})
	if err := conn.WriteJSON(map[string]any{
		"type":   "request",
		"id":     "attach",
		"method": "POST",
		"path":   "/api/pty/attach/" + sessionID,
		"body":   json.RawMessage(attachBody),
		"headers": map[string]string{"Authorization": "Bearer " + jwt},
	}); err != nil {
		return err
	}

	var ptyID string
	for ptyID == "" {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg["type"] == "response" && msg["id"] == "attach" {
			if b, ok := msg["body"].(map[string]any); ok {
				if id, ok := b["id"].(string); ok {
					ptyID = id
				}
			}
		}
	}

	fd := int(syscall.Stdin)
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)

	go func() {
		reader := bufio.NewReader(os.Stdin)
		buf := make([]byte, 1024)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				conn.WriteJSON(map[string]any{
					"type":  "pty_input",
					"ptyId": ptyID,
					"data":  string(buf[:n]),
				})
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return nil
		}
		if msg["type"] != "stream" {
			continue
		}
		data, _ := msg["data"].(map[string]any)
		if data == nil {
			continue
		}
		if s, ok := data["data"].(string); ok {
			io.WriteString(os.Stdout, s)
		}
		if _, exited := data["exitCode"]; exited {
			return nil
		}
	}
}
