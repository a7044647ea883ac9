package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aivorynet/ipa-go/pkg/breakpoint"
	"github.com/aivorynet/ipa-go/pkg/capture"
	"github.com/aivorynet/ipa-go/pkg/luaeval"
	"github.com/aivorynet/ipa-go/pkg/trace"
	"github.com/aivorynet/ipa-go/pkg/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captured struct {
	mu   sync.Mutex
	hits []*capture.HitCapture
}

func (c *captured) add(h *capture.HitCapture) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = append(c.hits, h)
}

func (c *captured) all() []*capture.HitCapture {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*capture.HitCapture(nil), c.hits...)
}

func newTestAgent(t *testing.T, opts ...ConfigOption) (*Agent, *captured) {
	t.Helper()
	cfg := NewConfig(append([]ConfigOption{WithBackendURL("")}, opts...)...)
	hits := &captured{}
	a, err := New(cfg, WithLogger(discardLogger()), WithHitCallback(hits.add))
	require.NoError(t, err)
	t.Cleanup(a.Stop)
	return a, hits
}

// stack returns main -> work in foo.py on thread 1.
func stack() (outer, inner *luaeval.Frame) {
	outer = &luaeval.Frame{ThreadID: 1, FrameID: 1, CodeID: 10, Filename: "foo.py", Func: "main", Lineno: 1,
		Locals: map[string]any{"i": 2}}
	inner = &luaeval.Frame{ThreadID: 1, FrameID: 2, CodeID: 10, Filename: "foo.py", Func: "work", Lineno: 20,
		Caller: outer}
	return outer, inner
}

func command(t *testing.T, a *Agent, typ string, payload string) (string, interface{}) {
	t.Helper()
	return a.HandleCommand(transport.Command{Type: typ, Payload: json.RawMessage(payload)})
}

func line(f *luaeval.Frame) trace.Event {
	return trace.Event{Kind: trace.EventLine, Frame: f}
}

func TestAgent_InsertAndHit(t *testing.T) {
	a, hits := newTestAgent(t, WithJournalPath(filepath.Join(t.TempDir(), "hits.db")))
	outer, _ := stack()

	typ, reply := command(t, a, "insert", `{"id":7,"location":3,"line":1,"file":"foo.py","condition":"i == 2"}`)
	require.Equal(t, ReplyInserted, typ)
	assert.Equal(t, SlotReply{Slot: 0}, reply)

	assert.True(t, a.OnEvent(line(outer)))
	assert.Equal(t, uint64(1), a.Session().Hits())

	got := hits.all()
	require.Len(t, got, 1)
	assert.Equal(t, "breakpoint", got[0].Reason)
	assert.Equal(t, 7, got[0].BreakpointID)
	assert.Equal(t, 3, got[0].Location)
	assert.Equal(t, a.Session().ID(), got[0].SessionID)
	assert.Equal(t, a.Config().AgentID, got[0].AgentID)
	assert.Equal(t, "2", got[0].LocalVariables["i"].Value)

	n, err := a.Journal().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics().HitsTotal.WithLabelValues("breakpoint")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics().Breakpoints))
}

func TestAgent_ConditionFailureCounted(t *testing.T) {
	a, hits := newTestAgent(t)
	outer, _ := stack()

	typ, _ := command(t, a, "insert", `{"id":1,"line":1,"file":"foo.py","condition":"i =="}`)
	require.Equal(t, ReplyInserted, typ, "conditions that do not compile are accepted")

	assert.False(t, a.OnEvent(line(outer)))
	assert.Empty(t, hits.all())
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics().ConditionFailuresTotal.WithLabelValues("compile")))
}

func TestAgent_InsertDisabled(t *testing.T) {
	a, _ := newTestAgent(t)
	outer, _ := stack()

	typ, _ := command(t, a, "insert", `{"id":1,"line":1,"file":"foo.py","state":"disabled"}`)
	require.Equal(t, ReplyInserted, typ)
	assert.False(t, a.OnEvent(line(outer)))

	typ, _ = command(t, a, "update", `{"slot":0,"id":1,"line":1,"file":"foo.py"}`)
	require.Equal(t, ReplyUpdated, typ)
	assert.True(t, a.OnEvent(line(outer)), "update without a state enables")
}

func TestAgent_CapacityExceeded(t *testing.T) {
	a, _ := newTestAgent(t, WithRegistryGeometry(1, 1))

	typ, _ := command(t, a, "insert", `{"id":1,"line":1,"file":"foo.py"}`)
	require.Equal(t, ReplyInserted, typ)

	typ, reply := command(t, a, "insert", `{"id":2,"line":2,"file":"foo.py"}`)
	assert.Equal(t, ReplyError, typ)
	assert.Equal(t, CodeCapacityExceeded, reply.(ErrorReply).Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics().CapacityExceededTotal))
}

func TestAgent_CommandErrors(t *testing.T) {
	a, _ := newTestAgent(t)

	tests := []struct {
		typ     string
		payload string
		code    string
	}{
		{"insert", `{"id":0,"line":1,"file":"foo.py"}`, CodeInvalid},
		{"insert", `{"id":1,"line":1}`, CodeInvalid},
		{"insert", `{"id":1,"line":1,"file":"foo.py","state":"maybe"}`, CodeBadRequest},
		{"insert", `not json`, CodeBadRequest},
		{"update", `{"slot":5,"id":1,"line":1,"file":"foo.py"}`, CodeUnknownSlot},
		{"step", `{"count":1}`, CodeNoFrame},
		{"finish", `{}`, CodeNoFrame},
		{"jump", `{}`, CodeUnknownCommand},
	}
	for _, tt := range tests {
		t.Run(tt.typ+" "+tt.payload, func(t *testing.T) {
			typ, reply := command(t, a, tt.typ, tt.payload)
			require.Equal(t, ReplyError, typ)
			assert.Equal(t, tt.code, reply.(ErrorReply).Code)
		})
	}
}

func TestAgent_SteppingFromStoppedFrame(t *testing.T) {
	a, hits := newTestAgent(t)
	outer, inner := stack()

	_, _ = command(t, a, "insert", `{"id":1,"line":1,"file":"foo.py"}`)
	require.True(t, a.OnEvent(line(outer)))
	_, _ = command(t, a, "remove", `{"slot":0}`)

	typ, reply := command(t, a, "next", `{}`)
	require.Equal(t, ReplyArmed, typ)
	assert.Equal(t, ArmedReply{Command: "next", Thread: 1}, reply)

	assert.False(t, a.OnEvent(line(inner)), "next steps over the call")
	outer.Lineno = 2
	assert.True(t, a.OnEvent(line(outer)))

	got := hits.all()
	require.Len(t, got, 2)
	assert.Equal(t, "step", got[1].Reason)

	f, ok := a.StoppedFrame(0)
	require.True(t, ok)
	assert.Equal(t, 2, f.Line())
}

func TestAgent_FinishFromOutermostFrame(t *testing.T) {
	a, _ := newTestAgent(t)
	outer, _ := stack()

	_, _ = command(t, a, "insert", `{"id":1,"line":1,"file":"foo.py"}`)
	require.True(t, a.OnEvent(line(outer)))

	typ, reply := command(t, a, "finish", `{"thread":1}`)
	require.Equal(t, ReplyError, typ)
	assert.Contains(t, reply.(ErrorReply).Message, "outermost")
}

func TestAgent_RemoveAndList(t *testing.T) {
	a, _ := newTestAgent(t)

	_, _ = command(t, a, "insert", `{"id":1,"line":1,"file":"foo.py"}`)
	_, _ = command(t, a, "insert", `{"id":2,"line":5,"file":"bar.py","ignore_count":2}`)

	typ, reply := command(t, a, "remove", `{"slot":0}`)
	require.Equal(t, ReplyRemoved, typ)
	assert.Equal(t, SlotReply{Slot: 0, Removed: true}, reply)

	_, reply = command(t, a, "remove", `{"slot":0}`)
	assert.Equal(t, SlotReply{Slot: 0, Removed: false}, reply)

	typ, reply = command(t, a, "list", ``)
	require.Equal(t, ReplyBreakpoints, typ)
	list := reply.(ListReply)
	require.Len(t, list.Breakpoints, 1)
	assert.Equal(t, 1, list.Breakpoints[0].Slot)
	assert.Equal(t, 2, list.Breakpoints[0].IgnoreCount)
	assert.Equal(t, breakpoint.Enabled(), list.Breakpoints[0].State)
}

func TestAgent_Catch(t *testing.T) {
	a, hits := newTestAgent(t, WithWatchlists("", "*Error"))
	_, inner := stack()

	assert.True(t, a.OnEvent(trace.Event{Kind: trace.EventException, Frame: inner, Exception: "KeyError"}))
	assert.False(t, a.OnEvent(trace.Event{Kind: trace.EventCall, Frame: inner}))

	typ, reply := command(t, a, "catch", `{"calls":"wo*"}`)
	require.Equal(t, ReplyCatchSet, typ)
	assert.Equal(t, map[string]string{"calls": "wo*", "exceptions": "*Error"}, reply)
	assert.True(t, a.OnEvent(trace.Event{Kind: trace.EventCall, Frame: inner}))

	got := hits.all()
	require.Len(t, got, 2)
	assert.Equal(t, "catch-exception", got[0].Reason)
	assert.Equal(t, "KeyError", got[0].Exception)
	assert.Equal(t, "catch-call", got[1].Reason)
}

func TestAgent_SuppressedThreadIsIgnored(t *testing.T) {
	a, _ := newTestAgent(t)
	outer, _ := stack()
	_, _ = command(t, a, "insert", `{"id":1,"line":1,"file":"foo.py"}`)

	release := a.Evaluator().SuppressTracing(outer)
	assert.False(t, a.OnEvent(line(outer)))
	release()
	assert.True(t, a.OnEvent(line(outer)))
}

func TestAgent_MetricsHandler(t *testing.T) {
	a, _ := newTestAgent(t)
	outer, _ := stack()
	_, _ = command(t, a, "insert", `{"id":1,"line":1,"file":"foo.py"}`)
	a.OnEvent(line(outer))

	rec := httptest.NewRecorder()
	a.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ipa_hits_total{reason="breakpoint"} 1`)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(NewConfig(WithRegistryGeometry(0, 0)))
	assert.Error(t, err)
}

// frontEnd registers the agent, sends it one insert command and records the
// messages it receives.
func frontEnd(t *testing.T, received chan<- map[string]interface{}) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] == "register" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"registered"}`))
				_ = conn.WriteMessage(websocket.TextMessage,
					[]byte(`{"type":"insert","id":"c1","payload":{"id":1,"line":1,"file":"foo.py"}}`))
			}
			select {
			case received <- msg:
			default:
			}
		}
	}))
}

func waitFor(t *testing.T, received <-chan map[string]interface{}, typ string) map[string]interface{} {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-received:
			if msg["type"] == typ {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %q message", typ)
			return nil
		}
	}
}

func TestAgent_FrontEndRoundTrip(t *testing.T) {
	received := make(chan map[string]interface{}, 64)
	srv := frontEnd(t, received)
	defer srv.Close()

	a, _ := newTestAgent(t)
	a.config.BackendURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	a.Start(context.Background())

	reg := waitFor(t, received, "register")
	payload := reg["payload"].(map[string]interface{})
	assert.Equal(t, a.Session().ID(), payload["session_id"])

	inserted := waitFor(t, received, ReplyInserted)
	assert.Equal(t, "c1", inserted["id"])

	outer, _ := stack()
	require.True(t, a.OnEvent(line(outer)))

	hit := waitFor(t, received, "hit")
	assert.Equal(t, "breakpoint", hit["payload"].(map[string]interface{})["reason"])
}
