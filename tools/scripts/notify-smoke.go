// Package main provides a CI-friendly smoke test for a running notifyd.
//
// It validates:
//   - TCP connect and the welcome notification
//   - heartbeat -> heartbeat_ack
//   - control API send -> notification on the push connection
//   - notification_response recorded in the event log
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	v1 "notifyd/contracts/notify/v1"
)

// smokeClient speaks the newline-delimited JSON framing; json.Encoder terminates
// every value with a newline and json.Decoder reads consecutive values.
type smokeClient struct {
	conn net.Conn
	dec  *json.Decoder
	enc  *json.Encoder
}

type eventView struct {
	Kind     string `json:"kind"`
	ClientID string `json:"client_id"`
	Detail   string `json:"detail"`
}

func main() {
	var (
		addr    = flag.String("addr", "127.0.0.1:8765", "Push listener address")
		api     = flag.String("api", "http://127.0.0.1:8080", "Control API base URL (empty skips the API steps)")
		title   = flag.String("title", "Smoke", "Title for the API-triggered notification")
		text    = flag.String("text", "notifyd smoke 🔔", "Body for the API-triggered notification")
		timeout = flag.Duration("timeout", 5*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	c := mustConnect(*addr, *timeout)
	defer c.conn.Close()

	welcome := c.mustRead(*timeout, v1.TypeNotification)
	if *verbose {
		fmt.Printf("welcome: id=%s title=%q link=%q\n", welcome.ID, welcome.Title, welcome.Link)
	}

	sent := time.Now()
	c.mustWrite(*timeout, v1.NewHeartbeat(sent))
	ack := c.mustRead(*timeout, v1.TypeHeartbeatAck)
	if ack.Time().Before(sent.Add(-time.Second)) {
		fatalf("heartbeat_ack: timestamp %v is older than the heartbeat %v", ack.Time(), sent)
	}

	if strings.TrimSpace(*api) == "" {
		fmt.Printf("OK: addr=%s welcome=%s (api skipped)\n", *addr, welcome.ID)
		return
	}
	base := strings.TrimRight(*api, "/")

	n := mustSend(base, *title, *text, *timeout)
	if n < 1 {
		fatalf("send: server reported %d deliveries", n)
	}

	note := c.mustRead(*timeout, v1.TypeNotification)
	if note.Title != *title || !strings.HasPrefix(note.Body, *text) {
		fatalf("send: unexpected notification title=%q body=%q", note.Title, note.Body)
	}

	c.mustWrite(*timeout, v1.NewResponse(v1.ActionOK, time.Now()))
	mustSeeResponse(base, c.conn.LocalAddr().String(), *timeout)

	fmt.Printf("OK: addr=%s client=%s sent=%d notification=%s\n", *addr, c.conn.LocalAddr(), n, note.ID)
}

func mustConnect(addr string, timeout time.Duration) *smokeClient {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		fatalf("connect %s: %v", addr, err)
	}
	return &smokeClient{conn: conn, dec: json.NewDecoder(conn), enc: json.NewEncoder(conn)}
}

// mustRead skips messages until one of type want arrives.
func (c *smokeClient) mustRead(timeout time.Duration, want string) v1.Message {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		var m v1.Message
		if err := c.dec.Decode(&m); err != nil {
			fatalf("read %s: %v", want, err)
		}
		if m.Type == want {
			return m
		}
	}
}

func (c *smokeClient) mustWrite(timeout time.Duration, m v1.Message) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := c.enc.Encode(m); err != nil {
		fatalf("write %s: %v", m.Type, err)
	}
}

func mustSend(base, title, text string, timeout time.Duration) int {
	body, _ := json.Marshal(map[string]string{
		"title":             title,
		"message":           text,
		"notification_type": v1.CategoryInfo,
	})

	var out struct {
		Sent int `json:"sent"`
	}
	if err := doJSON(http.MethodPost, base+"/api/notifications", body, &out, timeout); err != nil {
		fatalf("send: %v", err)
	}
	return out.Sent
}

func mustSeeResponse(base, clientID string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var evs []eventView
		if err := doJSON(http.MethodGet, base+"/api/events?limit=20", nil, &evs, timeout); err != nil {
			fatalf("events: %v", err)
		}
		for _, ev := range evs {
			if ev.Kind == "notification.response" && ev.ClientID == clientID && ev.Detail == v1.ActionOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	fatalf("events: no notification.response from %s within %v", clientID, timeout)
}

func doJSON(method, url string, body []byte, dst any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty response body")
		}
		return err
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
