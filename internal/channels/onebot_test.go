package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/cirno/internal/bus"
	"github.com/crystaldolphin/cirno/internal/config"
	"github.com/crystaldolphin/cirno/internal/resilience"
)

// fakeImpl plays the OneBot implementation on the far end of a reverse
// connection. It answers get_msg itself and forwards every other API
// request to sent.
type fakeImpl struct {
	conn *websocket.Conn
	wmu  sync.Mutex
	sent chan apiRequest
	done chan struct{}
}

type apiRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   string         `json:"echo"`
}

func dialFake(t *testing.T, srv *httptest.Server, token string) *fakeImpl {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Self-ID", "10000")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)

	f := &fakeImpl{conn: conn, sent: make(chan apiRequest, 8), done: make(chan struct{})}
	go f.readLoop()
	t.Cleanup(func() {
		_ = conn.Close()
		<-f.done
	})
	return f
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (f *fakeImpl) write(v any) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	return f.conn.WriteJSON(v)
}

func (f *fakeImpl) writeRaw(s string) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	return f.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func (f *fakeImpl) readLoop() {
	defer close(f.done)
	for {
		var req apiRequest
		if err := f.conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Action {
		case "get_msg":
			_ = f.write(map[string]any{
				"status": "ok", "retcode": 0, "echo": req.Echo,
				"data": map[string]any{
					"sender":  map[string]any{"nickname": "bob"},
					"message": []any{map[string]any{"type": "text", "data": map[string]any{"text": "earlier"}}},
				},
			})
		case "send_private_msg":
			f.sent <- req
			_ = f.write(map[string]any{"status": "failed", "retcode": 1404, "msg": "no such user", "echo": req.Echo})
		default:
			f.sent <- req
			_ = f.write(map[string]any{"status": "ok", "retcode": 0, "echo": req.Echo, "data": map[string]any{"message_id": 1}})
		}
	}
}

func newTestOneBot(t *testing.T) (*OneBotChannel, *bus.MessageBus, *httptest.Server) {
	t.Helper()
	cfg := config.OneBotConfig{
		AccessToken: "secret",
		Trigger:     config.TriggerConfig{Private: true, Mention: true, BotNames: []string{"cirno"}},
		APITimeout:  config.Seconds(2),
	}
	b := bus.NewMessageBus(16)
	exec := resilience.NewExecutor(resilience.Policy{
		Breaker:     resilience.BreakerConfig{FailureThreshold: 5, HalfOpenMaxCalls: 1, Cooldown: time.Second},
		MaxAttempts: 1,
	})
	ch := NewOneBotChannel(&cfg, b, exec)

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(ch.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return ch, b, srv
}

func nextInbound(t *testing.T, b *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	select {
	case msg := <-b.InboundChan():
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("no inbound message")
		return bus.InboundMessage{}
	}
}

func TestOneBotRejectsBadToken(t *testing.T) {
	_, _, srv := newTestOneBot(t)

	header := http.Header{}
	header.Set("Authorization", "Bearer wrong")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?access_token=secret", nil)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestOneBotReverseFlow(t *testing.T) {
	ch, b, srv := newTestOneBot(t)
	impl := dialFake(t, srv, "secret")

	// Quoted message gets its context fetched through get_msg.
	require.NoError(t, impl.writeRaw(`{"post_type":"message","message_type":"group","message_id":101,
		"user_id":222,"group_id":900,"self_id":10000,"time":1700000000,
		"sender":{"user_id":222,"nickname":"alice","card":"Alice"},
		"message":[{"type":"reply","data":{"id":"55"}},{"type":"at","data":{"qq":"10000"}},{"type":"text","data":{"text":" look at this"}}]}`))

	msg := nextInbound(t, b)
	assert.Equal(t, "10000", ch.SelfID())
	assert.Equal(t, bus.Group("900"), msg.Conversation())
	assert.Equal(t, "Alice", msg.SenderName())
	assert.Equal(t, "101", msg.MessageId())
	assert.True(t, msg.MentionsUser("10000"))
	reply, ok := msg.Reply()
	require.True(t, ok)
	assert.Equal(t, "bob: earlier", reply.Context)

	// Untriggered chatter, a duplicate and the bot's own echo are dropped;
	// the next publish is the private message.
	require.NoError(t, impl.writeRaw(`{"post_type":"message","message_type":"group","message_id":102,
		"user_id":333,"group_id":900,"message":[{"type":"text","data":{"text":"random chatter"}}]}`))
	require.NoError(t, impl.writeRaw(`{"post_type":"meta_event","meta_event_type":"heartbeat","self_id":10000}`))
	require.NoError(t, impl.writeRaw(`{"post_type":"message","message_type":"private","message_id":103,
		"user_id":333,"message":"hello [CQ:face,id=1]"}`))
	require.NoError(t, impl.writeRaw(`{"post_type":"message","message_type":"private","message_id":103,
		"user_id":333,"message":"hello [CQ:face,id=1]"}`))
	require.NoError(t, impl.writeRaw(`{"post_type":"message","message_type":"private","message_id":104,
		"user_id":10000,"message":"my own reply"}`))
	require.NoError(t, impl.writeRaw(`{"post_type":"message","message_type":"private","message_id":105,
		"user_id":333,"message":"again"}`))

	msg = nextInbound(t, b)
	assert.Equal(t, "103", msg.MessageId())
	assert.Equal(t, "hello [face]", msg.PlainText())
	assert.False(t, msg.Conversation().IsGroup())

	msg = nextInbound(t, b)
	assert.Equal(t, "105", msg.MessageId())
	assert.Equal(t, 0, b.InboundSize())
}

func TestOneBotSend(t *testing.T) {
	ch, b, srv := newTestOneBot(t)
	impl := dialFake(t, srv, "secret")

	// Wait until the connection is being served.
	require.NoError(t, impl.writeRaw(`{"post_type":"message","message_type":"private","message_id":1,"user_id":333,"message":"hi"}`))
	nextInbound(t, b)

	out := bus.NewOutboundMessage(bus.Target{Channel: bus.ChannelOneBot, ChatId: "900", Group: true, ReplyTo: "101"}, "hi there")
	require.NoError(t, ch.Send(context.Background(), out))

	req := <-impl.sent
	assert.Equal(t, "send_group_msg", req.Action)
	assert.Equal(t, float64(900), req.Params["group_id"])
	segs, ok := req.Params["message"].([]any)
	require.True(t, ok)
	require.Len(t, segs, 2)
	raw, err := json.Marshal(segs)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"reply","data":{"id":"101"}},{"type":"text","data":{"text":"hi there"}}]`, string(raw))

	// A failed retcode comes back classified.
	err = ch.Send(context.Background(), bus.NewOutboundMessage(bus.Target{Channel: bus.ChannelOneBot, ChatId: "333"}, "hello"))
	require.Error(t, err)
	assert.Equal(t, resilience.CategoryBadRequest, resilience.CategoryOf(err))
	assert.False(t, resilience.IsRetryable(err))
	req = <-impl.sent
	assert.Equal(t, "send_private_msg", req.Action)
	assert.Equal(t, float64(333), req.Params["user_id"])
}

func TestOneBotSendWithoutConnection(t *testing.T) {
	ch, _, _ := newTestOneBot(t)

	err := ch.Send(context.Background(), bus.NewOutboundMessage(bus.Target{Channel: bus.ChannelOneBot, ChatId: "1"}, "x"))
	require.Error(t, err)
	assert.Equal(t, resilience.CategoryNetwork, resilience.CategoryOf(err))
}

func TestRetcodeError(t *testing.T) {
	tests := []struct {
		retcode int
		want    resilience.Category
	}{
		{1401, resilience.CategoryAuth},
		{1403, resilience.CategoryAuth},
		{100, resilience.CategoryBadRequest},
		{1404, resilience.CategoryBadRequest},
		{1200, resilience.CategoryServer},
	}
	for _, tt := range tests {
		err := retcodeError("send_group_msg", obFrame{Status: "failed", Retcode: tt.retcode, Wording: "boom"})
		assert.Equal(t, tt.want, resilience.CategoryOf(err), "retcode %d", tt.retcode)
		assert.Contains(t, err.Error(), "boom")
	}
}
