package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "server base URL")
	pairCount = flag.Int("pairs", 250, "number of user pairs; start small, Postgres may choke on thousands at once")
	msgCount  = flag.Int("messages", 20, "messages per user")
)

type authResponse struct {
	Token string `json:"token"`
	User  struct {
		ID string `json:"id"`
	} `json:"user"`
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

var (
	sent     atomic.Int64
	received atomic.Int64
	log      *zap.Logger
)

func main() {
	flag.Parse()
	log, _ = zap.NewDevelopment()
	defer log.Sync()

	log.Info("🔥 starting stress test", zap.Int("users", *pairCount*2), zap.Int("messages_each", *msgCount))
	start := time.Now()

	// Pairs: user 0a talks to 0b, 1a to 1b, ...
	var wg sync.WaitGroup
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}
	wg.Wait()

	log.Info("✅ load test complete",
		zap.Int64("sent", sent.Load()),
		zap.Int64("received", received.Load()),
		zap.Duration("elapsed", time.Since(start)))
}

func runPair(pairID int) {
	run := uuid.NewString()[:8]
	a, err := signup(fmt.Sprintf("u_%d_a_%s@load.test", pairID, run))
	if err != nil {
		log.Warn("signup failed", zap.Error(err))
		return
	}
	b, err := signup(fmt.Sprintf("u_%d_b_%s@load.test", pairID, run))
	if err != nil {
		log.Warn("signup failed", zap.Error(err))
		return
	}

	convID, err := createConversation(a.Token, b.User.ID)
	if err != nil {
		log.Warn("create conversation failed", zap.Error(err))
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, a.Token, convID, a.User.ID)
	go spamChat(&wsWg, b.Token, convID, b.User.ID)
	wsWg.Wait()
}

func signup(email string) (*authResponse, error) {
	resp, err := postJSON("/api/auth/signup", "", map[string]string{
		"name":     strings.SplitN(email, "@", 2)[0],
		"email":    email,
		"password": "password123",
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("signup %s: status %d", email, resp.StatusCode)
	}

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

func createConversation(token, otherID string) (string, error) {
	resp, err := postJSON("/api/conversations", token, map[string][]string{"participantIds": {otherID}})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var data struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}
	return data.ID, nil
}

func spamChat(wg *sync.WaitGroup, token, convID, userID string) {
	defer wg.Done()

	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Warn("ws connect failed", zap.String("user", userID), zap.Error(err))
		return
	}
	defer conn.Close()

	// Count fan-out until the connection goes away.
	go func() {
		for {
			var evt struct {
				Event string `json:"event"`
			}
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			if evt.Event == "message" {
				received.Add(1)
			}
		}
	}()

	if err := conn.WriteJSON(envelope{Event: "joinRoom", Data: map[string]string{"conversationId": convID}}); err != nil {
		log.Warn("join failed", zap.String("user", userID), zap.Error(err))
		return
	}

	for i := 0; i < *msgCount; i++ {
		err := conn.WriteJSON(envelope{Event: "sendMessage", Data: map[string]string{
			"conversationId": convID,
			"body":           fmt.Sprintf("LoadTest Msg %d from %s", i, userID),
		}})
		if err != nil {
			log.Warn("send failed", zap.String("user", userID), zap.Error(err))
			break
		}
		sent.Add(1)
		// Simulate a real network instead of a localhost firehose.
		time.Sleep(10 * time.Millisecond)
	}

	// Let the last broadcasts arrive before hanging up.
	time.Sleep(500 * time.Millisecond)
}

func postJSON(endpoint, token string, data any) (*http.Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, *baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
