package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"perpbot/internal/models"
	"perpbot/pkg/utils"
)

// ============================================================
// Unit Tests
// ============================================================

func newTestHub() *Hub {
	return NewHub(utils.NewNopLogger())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNewHub(t *testing.T) {
	hub := newTestHub()

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.DroppedMessages() != 0 {
		t.Errorf("expected 0 dropped messages, got %d", hub.DroppedMessages())
	}
}

func TestOriginChecker_Check(t *testing.T) {
	checker := NewOriginChecker("http://localhost:3000, https://example.com")

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},                       // не браузер
		{"http://localhost:3000", true},  // в списке
		{"https://example.com", true},    // в списке (пробел обрезан)
		{"http://evil.com", false},       // не в списке
		{"http://localhost:8080", false}, // не в списке
	}

	for _, tt := range tests {
		if got := checker.Check(tt.origin); got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestOriginChecker_AllowAll(t *testing.T) {
	for _, list := range []string{"", "*", "  "} {
		checker := NewOriginChecker(list)
		for _, origin := range []string{"http://localhost:3000", "https://evil.com"} {
			if !checker.Check(origin) {
				t.Errorf("list %q: Check(%q) = false", list, origin)
			}
		}
	}
}

func TestHub_BroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	// Run не запущен: очередь заполняется и лишнее отбрасывается
	var drops int
	hub.OnDrop = func() { drops++ }

	for i := 0; i < broadcastBufferSize+44; i++ {
		hub.Broadcast(map[string]int{"i": i})
	}

	if hub.DroppedMessages() != 44 {
		t.Errorf("expected 44 dropped, got %d", hub.DroppedMessages())
	}
	if drops != 44 {
		t.Errorf("OnDrop called %d times, want 44", drops)
	}
}

func TestHub_Stop(t *testing.T) {
	hub := newTestHub()

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	hub.Stop()
	hub.Stop() // повторный вызов безопасен

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Hub.Run() did not exit after Stop()")
	}
}

func TestHub_StopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Stop()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected closed send channel")
		}
	case <-time.After(time.Second):
		t.Error("send channel not closed after Stop")
	}
}

func TestHub_BroadcastStatus(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &Client{hub: hub, send: make(chan []byte, 4)}
	hub.register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.BroadcastStatus(&models.BotStatus{
		Instrument: "BTC-USDT-SWAP",
		LoopState:  "waiting_for_candle",
		Position:   models.PositionView{Side: "long", Size: "1", ProfitPct: 1.25},
	})

	select {
	case raw := <-client.send:
		var msg struct {
			Type string           `json:"type"`
			Data models.BotStatus `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != string(MessageTypeStatus) {
			t.Errorf("type = %q", msg.Type)
		}
		if msg.Data.Instrument != "BTC-USDT-SWAP" || msg.Data.Position.Side != "long" || msg.Data.Position.ProfitPct != 1.25 {
			t.Errorf("unexpected data: %+v", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("status not delivered")
	}
}

func TestHub_SlowClientRemoved(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &Client{hub: hub, send: make(chan []byte)} // без буфера и без читателя
	hub.register <- slow
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Broadcast(map[string]string{"type": "test"})

	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestNewStatsUpdateMessage(t *testing.T) {
	msg := NewStatsUpdateMessage(&models.Stats{
		TotalTrades:   4,
		Wins:          3,
		Losses:        1,
		ExitsByReason: map[string]int{"trailing stop": 2},
	})

	if msg.Type != MessageTypeStatsUpdate {
		t.Errorf("type = %q", msg.Type)
	}
	if msg.Data.WinRate != 75 {
		t.Errorf("win rate = %v, want 75", msg.Data.WinRate)
	}
	if msg.Data.ExitsByReason["trailing stop"] != 2 {
		t.Errorf("exits = %v", msg.Data.ExitsByReason)
	}
}

// ============================================================
// Сквозной тест через настоящее соединение
// ============================================================

func TestServeWS_DeliversNotification(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.BroadcastNotification(&models.Notification{
		ID:         7,
		Type:       models.NotificationTypeSL,
		Severity:   models.SeverityWarn,
		Instrument: "BTC-USDT-SWAP",
		Message:    "trailing stop",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg NotificationMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != MessageTypeNotification || msg.Data.ID != 7 || msg.Data.Type != models.NotificationTypeSL {
		t.Errorf("unexpected message: %+v / %+v", msg.BaseMessage, msg.Data)
	}

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

// ============================================================
// Parallel Stress Test
// ============================================================

func TestHub_ConcurrentOperations(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	var wg sync.WaitGroup
	const goroutines = 10
	const operations = 1000

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				hub.Broadcast(map[string]int{"goroutine": id, "op": j})
			}
		}(i)
	}

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_ = hub.ClientCount()
			}
		}()
	}

	wg.Wait()
}

// ============================================================
// Benchmarks
// ============================================================

func BenchmarkHub_BroadcastStatus(b *testing.B) {
	hub := NewHub(utils.NewNopLogger())
	go hub.Run()
	defer hub.Stop()

	status := &models.BotStatus{
		Instrument: "BTC-USDT-SWAP",
		LoopState:  "waiting_for_candle",
		Position:   models.PositionView{Side: "long", Size: "1", EntryPrice: "65000", ProfitPct: 0.8},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.BroadcastStatus(status)
	}
}

func BenchmarkOriginChecker_Check(b *testing.B) {
	checker := NewOriginChecker("http://localhost:3000")
	for i := 0; i < b.N; i++ {
		checker.Check("http://localhost:3000")
	}
}
