package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

var (
	baseURL     = flag.String("base", "http://localhost:8080", "server base url")
	groupCount  = flag.Int("groups", 50, "number of cliques")
	groupSize   = flag.Int("size", 5, "members per clique")
	toggleCount = flag.Int("toggles", 20, "typing on/off pairs per member")
	settle      = flag.Duration("settle", 2*time.Second, "time to wait for trailing events")
)

type loginResponse struct {
	Token string `json:"access_token"`
	ID    int    `json:"id"`
}

type member struct {
	name  string
	token string
	id    int
}

type counters struct {
	connected atomic.Int64
	sent      atomic.Int64
	received  atomic.Int64
	errors    atomic.Int64
}

func main() {
	flag.Parse()
	run := time.Now().Unix()
	slog.Info("starting load test", "cliques", *groupCount, "members", (*groupCount)*(*groupSize), "toggles", *toggleCount)

	var stats counters
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(32)
	for i := 0; i < *groupCount; i++ {
		prefix := fmt.Sprintf("lt%d_%d", run, i)
		g.Go(func() error {
			if err := runGroup(ctx, prefix, &stats); err != nil {
				slog.Warn("group failed", "group", prefix, "error", err)
				stats.errors.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	expected := int64(*groupCount) * int64(*groupSize-1) * int64(*groupSize) * int64(*toggleCount) * 2
	slog.Info("load test complete",
		"connected", stats.connected.Load(),
		"typingSent", stats.sent.Load(),
		"typingReceived", stats.received.Load(),
		"typingExpected", expected,
		"errors", stats.errors.Load(),
	)
	if stats.errors.Load() > 0 {
		os.Exit(1)
	}
}

// runGroup creates one clique with one chain, joins every member and has all
// of them toggle typing on that chain at once.
func runGroup(ctx context.Context, prefix string, stats *counters) error {
	members := make([]member, *groupSize)
	for i := range members {
		m, err := signup(fmt.Sprintf("%s_%d", prefix, i), "password123")
		if err != nil {
			return err
		}
		members[i] = m
	}

	var clique struct {
		ID int `json:"id"`
	}
	if err := call(http.MethodPost, "/api/cliques", members[0].token, map[string]any{"name": prefix}, &clique); err != nil {
		return fmt.Errorf("create clique: %w", err)
	}
	for _, m := range members[1:] {
		if err := call(http.MethodPost, fmt.Sprintf("/api/cliques/%d/join", clique.ID), m.token, nil, nil); err != nil {
			return fmt.Errorf("join clique: %w", err)
		}
	}
	var chain struct {
		ID int `json:"id"`
	}
	if err := call(http.MethodPost, fmt.Sprintf("/api/cliques/%d/chains", clique.ID), members[0].token, map[string]any{"title": "load"}, &chain); err != nil {
		return fmt.Errorf("create chain: %w", err)
	}

	conns := make([]*websocket.Conn, len(members))
	defer func() {
		for _, c := range conns {
			if c != nil {
				c.Close()
			}
		}
	}()

	var readers sync.WaitGroup
	for i, m := range members {
		conn, err := enter(m, clique.ID)
		if err != nil {
			return err
		}
		conns[i] = conn
		stats.connected.Add(1)

		readers.Add(1)
		go func() {
			defer readers.Done()
			countTyping(conn, stats)
		}()
	}

	var writers errgroup.Group
	for _, conn := range conns {
		conn := conn
		writers.Go(func() error {
			for i := 0; i < *toggleCount*2; i++ {
				frame := map[string]any{"type": "typing", "threadId": chain.ID, "isTyping": i%2 == 0}
				if err := conn.WriteJSON(frame); err != nil {
					return err
				}
				stats.sent.Add(1)
				time.Sleep(10 * time.Millisecond)
			}
			return nil
		})
	}
	err := writers.Wait()

	select {
	case <-time.After(*settle):
	case <-ctx.Done():
	}
	for _, c := range conns {
		c.SetReadDeadline(time.Now())
	}
	readers.Wait()
	return err
}

func signup(username, password string) (member, error) {
	creds := map[string]string{"username": username, "password": password}
	if err := call(http.MethodPost, "/register", "", creds, nil); err != nil && !strings.Contains(err.Error(), "400") {
		return member{}, fmt.Errorf("register %s: %w", username, err)
	}
	var res loginResponse
	if err := call(http.MethodPost, "/login", "", creds, &res); err != nil {
		return member{}, fmt.Errorf("login %s: %w", username, err)
	}
	return member{name: username, token: res.Token, id: res.ID}, nil
}

// enter dials the socket, authenticates and joins the clique.
func enter(m member, cliqueID int) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws?token=" + m.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.name, err)
	}

	steps := []struct {
		frame map[string]any
		want  string
	}{
		{map[string]any{"type": "authenticate", "userId": m.id}, "authenticated"},
		{map[string]any{"type": "joinRoom", "roomId": cliqueID}, "joinedRoom"},
	}
	for _, step := range steps {
		if err := conn.WriteJSON(step.frame); err != nil {
			conn.Close()
			return nil, err
		}
		if err := await(conn, step.want); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", m.name, err)
		}
	}
	return conn, nil
}

func await(conn *websocket.Conn, want string) error {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var e struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if err := conn.ReadJSON(&e); err != nil {
			return err
		}
		switch e.Type {
		case want:
			return nil
		case "error":
			return errors.New(e.Message)
		}
	}
}

func countTyping(conn *websocket.Conn, stats *counters) {
	for {
		var e struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&e); err != nil {
			return
		}
		if e.Type == "typingChanged" {
			stats.received.Add(1)
		}
	}
}

func call(method, path, token string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, *baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
