package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

func TestSplitTextPrefersNewlines(t *testing.T) {
	para := strings.Repeat("a", 30)
	s := para + "\n" + para + "\n" + para
	chunks := splitText(s, 70)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %q", len(chunks), chunks)
	}
	if chunks[0] != para+"\n"+para {
		t.Fatalf("unexpected first chunk %q", chunks[0])
	}
	if got := splitText("short", 70); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}
}

func TestIsPhone(t *testing.T) {
	cases := map[string]bool{
		"+6281234567": true,
		"6281234567":  false,
		"+12ab4567":   false,
		"+123":        false,
		"@channel":    false,
	}
	for in, want := range cases {
		if got := isPhone(in); got != want {
			t.Fatalf("isPhone(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestHistoryBoundedNewestFirst(t *testing.T) {
	a := &Adapter{
		cfg:     Config{HistorySize: 3},
		acks:    make(chan transport.Ack, 10),
		history: map[string][]transport.MessageRef{},
	}
	for i := 1; i <= 5; i++ {
		a.record("42", &tele.Message{ID: i})
	}
	refs, err := a.FetchRecent(context.Background(), transport.Peer{ID: "42"}, 50)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	if len(refs) != 3 || refs[0].ID != "42:5" || refs[2].ID != "42:3" {
		t.Fatalf("unexpected history: %+v", refs)
	}
	if n := len(a.acks); n != 5 {
		t.Fatalf("expected 5 ack events, got %d", n)
	}
	ack := <-a.acks
	if ack.MessageID != "42:1" || ack.Level != transport.AckDelivered {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

// botAPI is a minimal Bot API server. Sent messages get increasing ids;
// deleteMessage succeeds once per known id.
type botAPI struct {
	mu      sync.Mutex
	next    int
	sent    map[string]bool
	deleted []string
}

func newBotAPI(t *testing.T) (*botAPI, string) {
	t.Helper()
	api := &botAPI{sent: map[string]bool{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var params map[string]any
		_ = json.NewDecoder(r.Body).Decode(&params)
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		api.mu.Lock()
		defer api.mu.Unlock()
		switch method {
		case "sendMessage", "sendContact":
			api.next++
			api.sent[fmt.Sprint(api.next)] = true
			fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":%v,"type":"private"}}}`, api.next, params["chat_id"])
		case "deleteMessage":
			id := fmt.Sprint(params["message_id"])
			if !api.sent[id] {
				fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: message to delete not found"}`)
				return
			}
			delete(api.sent, id)
			api.deleted = append(api.deleted, id)
			fmt.Fprint(w, `{"ok":true,"result":true}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return api, srv.URL
}

func TestSendTextReturnsEveryChunk(t *testing.T) {
	_, url := newBotAPI(t)
	a, err := New(Config{Token: "t", APIURL: url}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text := strings.Repeat("x", 9000)
	refs, err := a.SendText(context.Background(), transport.Peer{ID: "42"}, text)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(refs) != 3 || refs[0].ID != "42:1" || refs[2].ID != "42:3" {
		t.Fatalf("refs %+v", refs)
	}

	cards, err := a.SendContacts(context.Background(), transport.Peer{ID: "42"}, []transport.Peer{{Phone: "+4915111"}, {Phone: "+4915222"}})
	if err != nil {
		t.Fatalf("SendContacts: %v", err)
	}
	if len(cards) != 2 || cards[1].ID != "42:5" {
		t.Fatalf("cards %+v", cards)
	}
}

func TestRetractByIDWorksWithoutHistory(t *testing.T) {
	api, url := newBotAPI(t)
	first, err := New(Config{Token: "t", APIURL: url}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	refs, err := first.SendText(context.Background(), transport.Peer{ID: "42"}, "hello")
	if err != nil || len(refs) != 1 {
		t.Fatalf("SendText: %v %+v", err, refs)
	}

	restarted, err := New(Config{Token: "t", APIURL: url}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if recent, _ := restarted.FetchRecent(context.Background(), transport.Peer{ID: "42"}, 50); len(recent) != 0 {
		t.Fatalf("fresh adapter has history %+v", recent)
	}
	if err := restarted.RetractByID(context.Background(), refs[0]); err != nil {
		t.Fatalf("RetractByID: %v", err)
	}
	api.mu.Lock()
	deleted := append([]string(nil), api.deleted...)
	api.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "1" {
		t.Fatalf("deleted %v", deleted)
	}
	err = restarted.RetractByID(context.Background(), refs[0])
	if !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("second delete: %v, want ErrNotFound", err)
	}
}
