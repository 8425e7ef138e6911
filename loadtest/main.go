package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	BaseURL   = "http://localhost:8080"
	WSURL     = "ws://localhost:8080/ws"
	UserCount = 50 // ⚠️ Pairs. Start small: every send is a database write.
	MsgCount  = 20 // Messages per user
	RoomID    = "default-room"
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       string `json:"id"`
	Username string `json:"username"`
}

type frame struct {
	V         int             `json:"v"`
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type stats struct {
	acks       atomic.Int64
	failed     atomic.Int64
	broadcasts atomic.Int64
}

func main() {
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", UserCount*2, MsgCount)
	var (
		wg    sync.WaitGroup
		st    stats
		start = time.Now()
	)

	// Pairs: User 0 talks with User 1, User 2 with User 3...
	for i := 0; i < UserCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID, &st)
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE in %s: %d acks, %d failed, %d message:new received",
		time.Since(start).Round(time.Millisecond), st.acks.Load(), st.failed.Load(), st.broadcasts.Load())
}

func runPair(pairID int, st *stats) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	a, okA := authenticate(userA, pass)
	b, okB := authenticate(userB, pass)
	if !okA || !okB {
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, a, st)
	go spamChat(&wsWg, b, st)
	wsWg.Wait()
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(username, password string) (AuthResponse, bool) {
	if resp, err := postJSON("/register", map[string]string{"username": username, "password": password}); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		log.Printf("❌ Login Failed [%s]: %v", username, err)
		return AuthResponse{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("❌ Login Failed [%s]: %s", username, resp.Status)
		return AuthResponse{}, false
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return AuthResponse{}, false
	}
	return data, true
}

func spamChat(wg *sync.WaitGroup, user AuthResponse, st *stats) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", WSURL, user.Token), nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", user.Username, err)
		return
	}
	defer conn.Close()

	// Reader: count acks and broadcasts until every send is acknowledged.
	acked := make(chan struct{})
	go func() {
		var pending = MsgCount
		for pending > 0 {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				break
			}
			// Frames queued together arrive newline separated.
			for _, line := range bytes.Split(raw, []byte{'\n'}) {
				var f frame
				if json.Unmarshal(line, &f) != nil {
					continue
				}
				switch f.Event {
				case "message:new":
					st.broadcasts.Add(1)
				case "ack":
					if len(f.RequestID) > 4 && f.RequestID[:4] == "send" {
						var ack struct {
							Success bool `json:"success"`
						}
						json.Unmarshal(f.Data, &ack)
						if ack.Success {
							st.acks.Add(1)
						} else {
							st.failed.Add(1)
						}
						pending--
					}
				}
			}
		}
		close(acked)
	}()

	write := func(event, requestID string, data any) error {
		raw, _ := json.Marshal(data)
		return conn.WriteJSON(frame{V: 1, Event: event, RequestID: requestID, Data: raw})
	}
	if err := write("authenticate", "auth", map[string]string{"userId": user.ID}); err != nil {
		return
	}
	if err := write("room:join", "join", map[string]string{"roomId": RoomID}); err != nil {
		return
	}

	for i := 0; i < MsgCount; i++ {
		err := write("message:send", fmt.Sprintf("send-%d", i), map[string]string{
			"roomId":  RoomID,
			"content": fmt.Sprintf("LoadTest Msg %d from %s", i, user.Username),
			"tempId":  uuid.NewString(),
		})
		if err != nil {
			log.Printf("❌ Send Fail [%s]: %v", user.Username, err)
			break
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(25 * time.Millisecond)
	}

	select {
	case <-acked:
	case <-time.After(30 * time.Second):
		log.Printf("⚠️ %s timed out waiting for acks", user.Username)
	}
	log.Printf("✅ %s finished sending %d msgs", user.Username, MsgCount)
}

func postJSON(endpoint string, data interface{}) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(BaseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
