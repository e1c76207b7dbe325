package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

type settings struct {
	BaseURL  string
	Users    int
	Msgs     int
	PageSize int
}

type AuthResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
}

// serverFrame is the part of a feed frame the load test looks at.
type serverFrame struct {
	Type     string `json:"type"`
	Command  string `json:"command"`
	Error    string `json:"error"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

var (
	sent      atomic.Int64
	reacted   atomic.Int64
	failures  atomic.Int64
	stateSeen atomic.Int64
)

func main() {
	if err := rootCmd(run).Execute(); err != nil {
		jww.FATAL.Fatalf("❌ %v", err)
	}
}

// rootCmd reads the settings from flags or LOADTEST_* variables and hands
// them to runFn.
func rootCmd(runFn func(settings)) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Register users, open global feeds and send messages in bulk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings{
				BaseURL:  strings.TrimRight(v.GetString("url"), "/"),
				Users:    v.GetInt("users"),
				Msgs:     v.GetInt("msgs"),
				PageSize: v.GetInt("page-size"),
			}
			if s.Users <= 0 || s.Msgs <= 0 || s.PageSize <= 0 {
				return errors.New("users, msgs and page-size must be positive")
			}
			runFn(s)
			return nil
		},
	}

	cmd.Flags().String("url", "http://localhost:8080", "server base URL")
	cmd.Flags().Int("users", 100, "concurrent users") // ⚠️ Start small, the DB might choke on 1000 immediately.
	cmd.Flags().Int("msgs", 20, "messages per user")
	cmd.Flags().Int("page-size", 20, "feed page size")
	v.BindPFlags(cmd.Flags())
	v.SetEnvPrefix("loadtest")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return cmd
}

func run(s settings) {
	jww.SetStdoutThreshold(jww.LevelInfo)

	jww.INFO.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", s.Users, s.Msgs)
	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < s.Users; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runUser(s, id)
		}(i)
	}

	wg.Wait()
	jww.INFO.Printf("✅ LOAD TEST COMPLETE in %s: sent=%d reacted=%d state_frames=%d failures=%d",
		time.Since(start).Round(time.Millisecond), sent.Load(), reacted.Load(), stateSeen.Load(), failures.Load())
}

func runUser(s settings, id int) {
	username := fmt.Sprintf("lt_user_%d", id)
	token := authenticate(s.BaseURL, username, "password123")
	if token == "" {
		failures.Add(1)
		return
	}
	spamFeed(s, token, username)
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(baseURL, username, password string) string {
	if resp, err := postJSON(baseURL, "/register", map[string]string{"username": username, "password": password}); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON(baseURL, "/login", map[string]string{"username": username, "password": password})
	if err != nil {
		jww.ERROR.Printf("❌ Login Failed [%s]: %v", username, err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		jww.ERROR.Printf("❌ Login Failed [%s]: %s", username, resp.Status)
		return ""
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return ""
	}
	return data.Token
}

// spamFeed opens the global feed, sends messages and reacts to the newest
// message it has seen.
func spamFeed(s settings, token, user string) {
	wsURL := strings.Replace(s.BaseURL, "http", "ws", 1) + "/ws?" + url.Values{
		"token":     {token},
		"kind":      {"global"},
		"page_size": {fmt.Sprint(s.PageSize)},
	}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		jww.ERROR.Printf("❌ WS Connect Fail [%s]: %v", user, err)
		failures.Add(1)
		return
	}
	defer conn.Close()

	var (
		mu     sync.Mutex
		newest string
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var f serverFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case "state":
				stateSeen.Add(1)
				if n := len(f.Messages); n > 0 {
					mu.Lock()
					newest = f.Messages[n-1].ID
					mu.Unlock()
				}
			case "error":
				failures.Add(1)
				jww.WARN.Printf("⚠️ [%s] %s failed: %s", user, f.Command, f.Error)
			}
		}
	}()

	for i := 0; i < s.Msgs; i++ {
		err := conn.WriteJSON(map[string]string{
			"type": "send",
			"text": fmt.Sprintf("LoadTest Msg %d from %s", i, user),
		})
		if err != nil {
			jww.ERROR.Printf("❌ Send Fail [%s]: %v", user, err)
			failures.Add(1)
			break
		}
		sent.Add(1)

		mu.Lock()
		target := newest
		mu.Unlock()
		if target != "" && i%5 == 0 {
			if conn.WriteJSON(map[string]string{"type": "react", "message_id": target, "emoji": "🔥"}) == nil {
				reacted.Add(1)
			}
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
	conn.WriteJSON(map[string]string{"type": "load_older"})

	time.Sleep(500 * time.Millisecond)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	jww.INFO.Printf("✅ %s finished sending %d msgs", user, s.Msgs)
}

func postJSON(baseURL, endpoint string, data interface{}) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(baseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
