package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

// upstreamCall is the recorded shape of one chat-completion request.
type upstreamCall struct {
	Model    string            `json:"model"`
	Messages []upstreamMessage `json:"messages"`
}

type upstreamMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m upstreamMessage) Text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	return string(m.Content)
}

// mockUpstream fakes the chat-completion endpoint with scripted SSE
// bodies and records every request it sees.
type mockUpstream struct {
	*httptest.Server
	mu      sync.Mutex
	calls   []upstreamCall
	respond func(call upstreamCall) (status int, body string)
}

func newMockUpstream(t *testing.T, respond func(call upstreamCall) (int, string)) *mockUpstream {
	t.Helper()
	m := &mockUpstream{respond: respond}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var call upstreamCall
		require.NoError(t, json.Unmarshal(body, &call))

		m.mu.Lock()
		m.calls = append(m.calls, call)
		m.mu.Unlock()

		status, payload := m.respond(call)
		if status != http.StatusOK {
			http.Error(w, "upstream unavailable", status)
			return
		}
		// SSE for streamed completions, plain JSON for the rest
		// (tool-execution calls are not streamed).
		if strings.HasPrefix(payload, "data:") {
			w.Header().Set("Content-Type", "text/event-stream")
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		io.WriteString(w, payload)
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *mockUpstream) Calls() []upstreamCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]upstreamCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// respondWith scripts a fixed token stream for every request.
func respondWith(deltas ...string) func(upstreamCall) (int, string) {
	return func(upstreamCall) (int, string) {
		return http.StatusOK, sseText(deltas...)
	}
}

func sseText(deltas ...string) string {
	var b strings.Builder
	for _, d := range deltas {
		content, _ := json.Marshal(d)
		fmt.Fprintf(&b, `data: {"id":"chatcmpl-test","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":%s}}]}`+"\n\n", content)
	}
	b.WriteString(`data: {"id":"chatcmpl-test","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n")
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func sseToolCall(id, name, args string) string {
	var b strings.Builder
	argsJSON, _ := json.Marshal(args)
	fmt.Fprintf(&b, `data: {"id":"chatcmpl-test","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":%q,"type":"function","function":{"name":%q,"arguments":%s}}]}}]}`+"\n\n", id, name, argsJSON)
	b.WriteString(`data: {"id":"chatcmpl-test","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}` + "\n\n")
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func testConfig(upstreamURL, key string) Config {
	return Config{
		Key:           key,
		OpenAIAPIKey:  "test-key",
		OpenAIBaseURL: upstreamURL,
		Model:         defaultModel,
		Suffix:        "llm.test",
		Host:          "127.0.0.1",
		SessionTTL:    30 * time.Minute,
	}
}

type tunnelServer struct {
	addr   string
	store  *Store
	crypto *Crypto
}

// startTunnel boots a full server on an ephemeral UDP port.
func startTunnel(t *testing.T, cfg Config) *tunnelServer {
	t.Helper()

	crypto, err := NewCrypto(cfg.Key)
	require.NoError(t, err)
	logger := testLogger()
	store := NewStore(cfg.SessionTTL, logger)
	orc := NewOrchestrator(cfg, store, crypto, logger)
	srv := NewDNSServer("", cfg.Suffix, store, orc, logger)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(pc)
	t.Cleanup(srv.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	go store.Sweep(ctx)
	t.Cleanup(cancel)

	return &tunnelServer{addr: pc.LocalAddr().String(), store: store, crypto: crypto}
}

// exchange sends one raw query and returns the response.
func exchange(t *testing.T, addr, name string, qtype uint16) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	c := &dns.Client{Timeout: 5 * time.Second}
	in, _, err := c.Exchange(m, addr)
	require.NoError(t, err)
	return in
}

func txtAnswer(t *testing.T, m *dns.Msg) string {
	t.Helper()
	require.NotEmpty(t, m.Answer)
	txt, ok := m.Answer[0].(*dns.TXT)
	require.True(t, ok, "expected TXT answer")
	require.NotEmpty(t, txt.Txt)
	return txt.Txt[0]
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition never held")
}
