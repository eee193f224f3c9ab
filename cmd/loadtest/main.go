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

	"github.com/gorilla/websocket"
)

const (
	BaseURL   = "http://localhost:8080"
	WSURL     = "ws://localhost:8080/ws"
	PairCount = 50 // pairs of users, each pair shares one conversation
	MsgCount  = 20 // messages per user
)

type authResponse struct {
	Token    string `json:"access_token"`
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type conversationResponse struct {
	ID int `json:"id"`
}

var received int64

func main() {
	log.Printf("🔥 STARTING LOAD TEST: %d users, %d messages each...", PairCount*2, MsgCount)
	var wg sync.WaitGroup

	for i := 0; i < PairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	// Every message should reach exactly the other half of its pair.
	want := int64(PairCount * 2 * MsgCount)
	log.Printf("✅ LOAD TEST COMPLETE: received %d/%d newMessage events", atomic.LoadInt64(&received), want)
}

func runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	tokenA, _ := authenticate(userA, pass)
	tokenB, idB := authenticate(userB, pass)
	if tokenA == "" || tokenB == "" {
		return
	}

	// A creates a GROUP conversation listing B; B must still join explicitly
	// before receiving room events.
	convID := createConversation(tokenA, fmt.Sprintf("pair-%d", pairID), idB)
	if convID == 0 {
		return
	}
	if !join(tokenB, convID) {
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go chatLoop(&wsWg, tokenA, convID, userA)
	go chatLoop(&wsWg, tokenB, convID, userB)
	wsWg.Wait()
}

// authenticate registers (ignoring "already exists") and logs in.
func authenticate(username, password string) (string, int) {
	postJSON("/register", map[string]string{"username": username, "password": password}, "")

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password}, "")
	if err != nil {
		log.Printf("❌ Login failed [%s]: %v", username, err)
		return "", 0
	}
	defer resp.Body.Close()

	var data authResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.Token, data.ID
}

func createConversation(token, name string, memberID int) int {
	resp, err := postJSON("/api/conversations", map[string]any{
		"name":    name,
		"members": []int{memberID},
	}, token)
	if err != nil || resp.StatusCode != http.StatusCreated {
		log.Printf("❌ Create conversation failed: %v", err)
		return 0
	}
	defer resp.Body.Close()

	var data conversationResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.ID
}

func join(token string, convID int) bool {
	resp, err := postJSON(fmt.Sprintf("/api/conversations/%d/join", convID), map[string]any{}, token)
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Printf("❌ Join failed: %v", err)
		return false
	}
	resp.Body.Close()
	return true
}

// chatLoop opens the push socket, counts incoming newMessage events, and
// posts its own messages over REST.
func chatLoop(wg *sync.WaitGroup, token string, convID int, username string) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", WSURL, token), nil)
	if err != nil {
		log.Printf("❌ WS connect failed [%s]: %v", username, err)
		return
	}
	defer conn.Close()

	// Room membership follows the live socket: re-fetch the conversation now
	// that the handle exists, otherwise broadcasts skip this user.
	if !refreshConversation(token, convID) {
		log.Printf("❌ Refresh conversation failed [%s]", username)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var env struct {
				Event string `json:"event"`
			}
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Event == "newMessage" {
				atomic.AddInt64(&received, 1)
			}
		}
	}()

	for i := 0; i < MsgCount; i++ {
		resp, err := postJSON(fmt.Sprintf("/api/conversations/%d/messages", convID), map[string]any{
			"content": fmt.Sprintf("load test msg %d from %s", i, username),
		}, token)
		if err != nil {
			log.Printf("❌ Send failed [%s]: %v", username, err)
			break
		}
		resp.Body.Close()
		// Small sleep to stay under the per-user send limiter.
		time.Sleep(250 * time.Millisecond)
	}

	// Give in-flight broadcasts a moment to arrive before tearing down.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	log.Printf("✅ %s finished sending %d msgs", username, MsgCount)
}

// refreshConversation issues an authenticated GET for the conversation, the
// same call a client makes after reconnecting to re-enter the room.
func refreshConversation(token string, convID int) bool {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/conversations/%d", BaseURL, convID), nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func postJSON(endpoint string, data any, token string) (*http.Response, error) {
	body, _ := json.Marshal(data)
	req, err := http.NewRequest(http.MethodPost, BaseURL+endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
