package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mailcatcher-lite/internal/broker"
	"github.com/shineum/mailcatcher-lite/internal/email"
	"github.com/shineum/mailcatcher-lite/internal/metrics"
	"github.com/shineum/mailcatcher-lite/internal/parser"
	"github.com/shineum/mailcatcher-lite/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const alternative = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: =?UTF-8?Q?caf=C3=A9?=\r\n" +
	"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain body\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>html body</p>\r\n" +
	"--b1--\r\n"

type fixture struct {
	store   *store.Memory
	events  *broker.Broker
	metrics *metrics.Metrics
	router  *gin.Engine
}

func newFixture(t *testing.T, origins ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemory(),
		events:  broker.New(),
		metrics: metrics.New(),
	}
	f.router = NewRouter(Dependencies{
		Store:          f.store,
		Events:         f.events,
		Metrics:        f.metrics,
		AllowedOrigins: origins,
	})
	t.Cleanup(f.events.Close)
	return f
}

func (f *fixture) insert(t *testing.T, raw string) *email.Message {
	t.Helper()
	msg := parser.Parse(email.Envelope{From: "alice@example.com", To: []string{"bob@example.com"}}, []byte(raw), time.Now())
	require.NoError(t, f.store.Insert(msg))
	return msg
}

func (f *fixture) do(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	f.router.ServeHTTP(w, req)
	return w
}

func nextEvent(t *testing.T, sub *broker.Subscriber) broker.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	return ev
}

func waitSubscribers(t *testing.T, b *broker.Broker, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Len() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestListMails(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/mails")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	first := f.insert(t, alternative)
	second := f.insert(t, "Subject: two\r\n\r\nbody\r\n")

	w = f.do(http.MethodGet, "/mails")
	require.Equal(t, http.StatusOK, w.Code)

	var got []email.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, "café", got[0].Subject)
	assert.Equal(t, []string{"bob@example.com"}, got[0].To)
	assert.Equal(t, second.ID, got[1].ID)
}

func TestGetMail(t *testing.T) {
	f := newFixture(t)
	msg := f.insert(t, alternative)

	w := f.do(http.MethodGet, "/mail/"+msg.ID)
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		ID      string         `json:"id"`
		Subject string         `json:"subject"`
		Headers []email.Header `json:"headers"`
		Raw     []string       `json:"raw"`
		Data    string         `json:"data"`
		HTML    string         `json:"html"`
		Content struct {
			Type     string            `json:"type"`
			Children []json.RawMessage `json:"children"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))

	assert.Equal(t, msg.ID, got.ID)
	assert.Contains(t, got.Headers, email.Header{Name: "Subject", Value: "café"})
	assert.Contains(t, got.Raw, "Subject: =?UTF-8?Q?caf=C3=A9?=")
	assert.Contains(t, got.Data, "plain body")
	assert.Contains(t, got.HTML, "<p>html body</p>")
	assert.Equal(t, "composite", got.Content.Type)
	assert.Len(t, got.Content.Children, 2)
}

func TestGetMailViews(t *testing.T) {
	f := newFixture(t)
	msg := f.insert(t, alternative)

	w := f.do(http.MethodGet, "/mail/"+msg.ID+"/text")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, w.Body.String(), "plain body")

	w = f.do(http.MethodGet, "/mail/"+msg.ID+"/html")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "<p>html body</p>")

	w = f.do(http.MethodGet, "/mail/"+msg.ID+"/source")
	require.Equal(t, http.StatusOK, w.Code)
	var source struct {
		Headers string `json:"headers"`
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &source))
	assert.True(t, strings.HasPrefix(source.Headers, "From: Alice <alice@example.com>\r\n"))
	assert.True(t, strings.HasPrefix(source.Content, "--b1\r\n"))

	w = f.do(http.MethodGet, "/mail/"+msg.ID+"/raw")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "message/rfc822", w.Header().Get("Content-Type"))
	assert.Equal(t, alternative, w.Body.String())
}

func TestUnknownMail(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/mail/nope", "/mail/nope/text", "/mail/nope/html", "/mail/nope/source", "/mail/nope/raw"} {
		w := f.do(http.MethodGet, path)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/mail/nope").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/remove/nope").Code)
}

func TestDeleteMail(t *testing.T) {
	f := newFixture(t)
	msg := f.insert(t, alternative)
	sub := f.events.Subscribe()

	w := f.do(http.MethodDelete, "/mail/"+msg.ID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"removed":1}`, w.Body.String())

	assert.Equal(t, broker.DeletedMail{ID: msg.ID}, nextEvent(t, sub))
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/mail/"+msg.ID).Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesDeleted))

	// A second delete finds nothing and announces nothing.
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/mail/"+msg.ID).Code)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestRemoveLegacy(t *testing.T) {
	f := newFixture(t)
	msg := f.insert(t, alternative)
	sub := f.events.Subscribe()

	w := f.do(http.MethodGet, "/remove/"+msg.ID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK: 1", w.Body.String())
	assert.Equal(t, broker.DeletedMail{ID: msg.ID}, nextEvent(t, sub))
}

func TestFakeMails(t *testing.T) {
	for _, tc := range []struct {
		path string
		want int
	}{
		{"/fake", 1},
		{"/fake/3", 3},
		{"/fake/lots", 1},
		{"/fake/0", 0},
		{"/fake/100000", maxFake},
	} {
		t.Run(tc.path, func(t *testing.T) {
			f := newFixture(t)
			sub := f.events.Subscribe()

			w := f.do(http.MethodGet, tc.path)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, fmt.Sprintf("OK: %d", tc.want), w.Body.String())
			assert.Equal(t, tc.want, f.store.Len())

			if tc.want == 0 || tc.want > 10 {
				return
			}
			listed := f.store.List()
			for i := 0; i < tc.want; i++ {
				ev, ok := nextEvent(t, sub).(broker.NewMail)
				require.True(t, ok)
				assert.Equal(t, listed[i].ID, ev.Summary.ID)

				msg, err := f.store.Get(ev.Summary.ID)
				require.NoError(t, err)
				assert.NotEmpty(t, msg.Subject)
				assert.Empty(t, msg.Anomalies)
			}
			assert.Equal(t, float64(tc.want), testutil.ToFloat64(f.metrics.MessagesReceived))
		})
	}
}

func TestClearMails(t *testing.T) {
	for _, tc := range []struct {
		method, path, want string
	}{
		{http.MethodGet, "/remove/all", "OK: 2"},
		{http.MethodDelete, "/mails", `{"removed":2}`},
	} {
		t.Run(tc.method, func(t *testing.T) {
			f := newFixture(t)
			a := f.insert(t, alternative)
			b := f.insert(t, "Subject: b\r\n\r\nb\r\n")
			sub := f.events.Subscribe()

			w := f.do(tc.method, tc.path)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.want, w.Body.String())

			assert.Equal(t, broker.DeletedMail{ID: a.ID}, nextEvent(t, sub))
			assert.Equal(t, broker.DeletedMail{ID: b.ID}, nextEvent(t, sub))
			assert.Equal(t, 0, f.store.Len())
		})
	}
}

func TestServerSentEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	waitSubscribers(t, f.events, 1)

	summary := email.Summary{ID: "m1", From: "a@b", To: []string{"c@d"}, Subject: "s", Date: 1, Size: 3}
	require.NoError(t, f.events.Publish(broker.NewMail{Summary: summary}))
	require.NoError(t, f.events.Publish(broker.DeletedMail{ID: "m1"}))
	require.NoError(t, f.events.Publish(broker.Ping{}))

	r := bufio.NewReader(resp.Body)
	type sse struct{ event, data string }
	readEvent := func() sse {
		var ev sse
		for {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" {
				if ev.event != "" {
					return ev
				}
				continue
			}
			if v, ok := strings.CutPrefix(line, "event:"); ok {
				ev.event = strings.TrimSpace(v)
			}
			if v, ok := strings.CutPrefix(line, "data:"); ok {
				ev.data = strings.TrimSpace(v)
			}
		}
	}

	ev := readEvent()
	assert.Equal(t, "newMail", ev.event)
	assert.JSONEq(t, `{"id":"m1","from":"a@b","to":["c@d"],"subject":"s","date":1,"size":3}`, ev.data)

	assert.Equal(t, sse{"delMail", "m1"}, readEvent())
	assert.Equal(t, sse{"ping", "\U0001F493"}, readEvent())

	// Disconnecting unsubscribes.
	cancel()
	waitSubscribers(t, f.events, 0)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestWebSocketEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)

	waitSubscribers(t, f.events, 1)
	require.NoError(t, f.events.Publish(broker.DeletedMail{ID: "m1"}))
	require.NoError(t, f.events.Publish(broker.NewMail{Summary: email.Summary{ID: "m2", To: []string{}}}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "delMail", got.Type)
	assert.JSONEq(t, `"m1"`, string(got.Data))

	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "newMail", got.Type)
	assert.JSONEq(t, `{"id":"m2","from":"","to":[],"subject":"","date":0,"size":0}`, string(got.Data))

	conn.Close()
	waitSubscribers(t, f.events, 0)
}

func TestWebSocketClosedOnBrokerShutdown(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	waitSubscribers(t, f.events, 1)
	f.events.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestWebSocketOriginCheck(t *testing.T) {
	f := newFixture(t, "http://dashboard.test")
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), http.Header{"Origin": {"http://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), http.Header{"Origin": {"http://dashboard.test"}})
	require.NoError(t, err)
	conn.Close()
}

func TestCORS(t *testing.T) {
	f := newFixture(t, "http://dashboard.test")

	req := httptest.NewRequest(http.MethodOptions, "/mails", nil)
	req.Header.Set("Origin", "http://dashboard.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, "http://dashboard.test", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	msg := f.insert(t, alternative)

	f.do(http.MethodGet, "/mail/"+msg.ID)
	f.do(http.MethodGet, "/mail/other")

	w := f.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `mailcatcher_http_requests_total{method="GET",route="/mail/:id",status_code="200"} 1`)
	assert.Contains(t, body, `mailcatcher_http_requests_total{method="GET",route="/mail/:id",status_code="404"} 1`)
}

func TestHealth(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	router := NewRouter(Dependencies{
		Store:  store.NewMemory(),
		Events: broker.New(),
		Health: NewHealth(ln.Addr().String()),
	})
	get := func(path string) int {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, get("/healthz/live"))
	assert.Equal(t, http.StatusOK, get("/healthz/ready"))

	ln.Close()
	assert.Equal(t, http.StatusOK, get("/healthz/live"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/healthz/ready"))
}

func TestDialAddr(t *testing.T) {
	tests := map[string]string{
		":1025":          "127.0.0.1:1025",
		"0.0.0.0:1025":   "127.0.0.1:1025",
		"[::]:1025":      "[::1]:1025",
		"10.0.0.1:25":    "10.0.0.1:25",
		"not-an-address": "not-an-address",
	}
	for in, want := range tests {
		assert.Equal(t, want, dialAddr(in), in)
	}
}

func TestHTMLViews(t *testing.T) {
	f := newFixture(t)
	msg := f.insert(t, "Subject: html only\r\n"+
		"Content-Type: text/html; charset=utf-8\r\n"+
		"\r\n"+
		"<p onclick=\"steal()\">Hello &amp; welcome</p><script>alert(1)</script>\r\n")

	w := f.do(http.MethodGet, "/mail/"+msg.ID+"/html")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<script>", "raw view is untouched")

	w = f.do(http.MethodGet, "/mail/"+msg.ID+"/html?sanitize=true")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "<script>")
	assert.NotContains(t, w.Body.String(), "onclick")
	assert.Contains(t, w.Body.String(), "<p>Hello &amp; welcome</p>")

	w = f.do(http.MethodGet, "/mail/"+msg.ID+"/text")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hello & welcome", w.Body.String())
}
