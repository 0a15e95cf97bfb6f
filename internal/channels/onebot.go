package channels

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/crystaldolphin/cirno/internal/bus"
	"github.com/crystaldolphin/cirno/internal/config"
	"github.com/crystaldolphin/cirno/internal/resilience"
	"github.com/crystaldolphin/cirno/internal/shared/stringutils"
)

const (
	oneBotMaxMessageLen = 3000
	oneBotWriteTimeout  = 10 * time.Second
)

var errOneBotNotConnected = errors.New("onebot: no active connection")

// OneBotChannel speaks OneBot 11 over WebSocket, either dialling the
// implementation (forward), accepting its connection (reverse), or both.
// API calls and responses share the socket and are matched by echo.
type OneBotChannel struct {
	Base
	cfg      *config.OneBotConfig
	executor *resilience.Executor
	media    *mediaFetcher
	upgrader websocket.Upgrader

	mu     sync.Mutex
	active *obConn
	selfID string

	pendingMu sync.Mutex
	pending   map[string]chan obFrame

	// Sliding window of recent message ids; in "both" mode an event can
	// arrive on each socket.
	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenQueue []string
}

const oneBotSeenWindow = 1000

// obConn is one live socket. gorilla allows a single concurrent writer.
type obConn struct {
	ws      *websocket.Conn
	mode    string
	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

func newOBConn(ws *websocket.Conn, mode string) *obConn {
	return &obConn{ws: ws, mode: mode, closed: make(chan struct{})}
}

func (c *obConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(oneBotWriteTimeout))
	return c.ws.WriteJSON(v)
}

func (c *obConn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func NewOneBotChannel(cfg *config.OneBotConfig, b bus.Bus, executor *resilience.Executor) *OneBotChannel {
	return &OneBotChannel{
		Base:     NewBase(bus.ChannelOneBot, b, cfg.AllowFrom, TriggerFromConfig(cfg.Trigger)),
		cfg:      cfg,
		executor: executor,
		media:    newMediaFetcher(executor),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pending: make(map[string]chan obFrame),
		seen:    make(map[string]struct{}),
	}
}

func (o *OneBotChannel) Name() string { return string(bus.ChannelOneBot) }

// SelfID returns the bot account id reported by the implementation.
func (o *OneBotChannel) SelfID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selfID
}

func (o *OneBotChannel) setSelfID(id string) {
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.selfID != id {
		o.selfID = id
		slog.Info("onebot: bot account", "self_id", id)
	}
}

func (o *OneBotChannel) Start(ctx context.Context) error {
	switch o.cfg.Mode {
	case "forward":
		return o.runForward(ctx)
	case "reverse", "":
		return o.runReverse(ctx)
	case "both":
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return o.runForward(gctx) })
		g.Go(func() error { return o.runReverse(gctx) })
		return g.Wait()
	default:
		return fmt.Errorf("onebot: unknown mode %q", o.cfg.Mode)
	}
}

// runForward dials the implementation and reconnects with exponential
// backoff until ctx is cancelled.
func (o *OneBotChannel) runForward(ctx context.Context) error {
	backoff := resilience.Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.25}
	header := http.Header{}
	if o.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+o.cfg.AccessToken)
	}

	attempt := 0
	for {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, o.cfg.URL, header)
		if err == nil {
			attempt = 0
			slog.Info("onebot: connected", "mode", "forward", "url", o.cfg.URL)
			err = o.serve(ctx, newOBConn(ws, "forward"))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := backoff.Delay(attempt)
		attempt++
		slog.Warn("onebot: reconnecting", "url", o.cfg.URL, "attempt", attempt, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runReverse listens for the implementation to connect.
func (o *OneBotChannel) runReverse(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(o.cfg.Path, o.Handler(ctx))
	srv := &http.Server{Addr: o.cfg.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("onebot: listening", "mode", "reverse", "addr", o.cfg.Listen, "path", o.cfg.Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("onebot: listen %s: %w", o.cfg.Listen, err)
	}
	return ctx.Err()
}

// Handler accepts reverse WebSocket connections. Connections live until
// they drop or ctx is cancelled.
func (o *OneBotChannel) Handler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !o.authorized(r) {
			slog.Warn("onebot: rejected connection", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := o.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("onebot: upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		o.setSelfID(r.Header.Get("X-Self-ID"))
		slog.Info("onebot: connected", "mode", "reverse", "remote", r.RemoteAddr)
		if err := o.serve(ctx, newOBConn(ws, "reverse")); err != nil && ctx.Err() == nil {
			slog.Info("onebot: connection closed", "remote", r.RemoteAddr, "err", err)
		}
	})
}

// authorized accepts "Bearer <t>", "Token <t>", a bare token, or the
// access_token query parameter.
func (o *OneBotChannel) authorized(r *http.Request) bool {
	if o.cfg.AccessToken == "" {
		return true
	}
	candidates := []string{r.URL.Query().Get("access_token")}
	auth := r.Header.Get("Authorization")
	for _, prefix := range []string{"Bearer ", "Token "} {
		if strings.HasPrefix(auth, prefix) {
			auth = strings.TrimPrefix(auth, prefix)
			break
		}
	}
	candidates = append(candidates, auth)
	for _, c := range candidates {
		if c != "" && subtle.ConstantTimeCompare([]byte(c), []byte(o.cfg.AccessToken)) == 1 {
			return true
		}
	}
	return false
}

// serve reads frames until the socket fails or ctx ends. API responses
// are routed to their waiting callers; message events go to a single
// worker so they are published in arrival order while the read loop
// keeps serving responses.
func (o *OneBotChannel) serve(ctx context.Context, conn *obConn) error {
	o.mu.Lock()
	o.active = conn
	o.mu.Unlock()

	events := make(chan obFrame, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for f := range events {
			o.handleMessage(ctx, f)
		}
	}()
	stop := context.AfterFunc(ctx, conn.close)

	defer func() {
		stop()
		conn.close()
		o.mu.Lock()
		if o.active == conn {
			o.active = nil
		}
		o.mu.Unlock()
		close(events)
		<-done
		slog.Debug("onebot: socket closed", "mode", conn.mode)
	}()

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return err
		}
		var f obFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			slog.Warn("onebot: invalid frame", "err", err, "raw", stringutils.Truncate(string(raw), 100))
			continue
		}
		if len(f.Echo) > 0 && o.resolve(f) {
			continue
		}
		o.setSelfID(f.SelfID.String())

		switch f.PostType {
		case "message":
			select {
			case events <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		case "meta_event":
			if f.MetaEventType == "lifecycle" {
				slog.Info("onebot: lifecycle", "sub_type", f.SubType, "self_id", f.SelfID)
			}
		default:
			slog.Debug("onebot: ignored event", "post_type", f.PostType)
		}
	}
}

func (o *OneBotChannel) resolve(f obFrame) bool {
	o.pendingMu.Lock()
	ch, ok := o.pending[f.echoKey()]
	if ok {
		delete(o.pending, f.echoKey())
	}
	o.pendingMu.Unlock()
	if ok {
		ch <- f
	}
	return ok
}

// handleMessage turns a message event into a bus message. Quoted messages
// and merged forwards are fetched only for messages that pass the trigger
// policy.
func (o *OneBotChannel) handleMessage(ctx context.Context, f obFrame) {
	if self := o.SelfID(); self != "" && f.UserID.String() == self {
		return
	}
	if o.duplicate(f) {
		slog.Debug("onebot: duplicate event", "message_id", f.MessageID)
		return
	}
	segs := toBusSegments(decodeSegments(f.Message))
	msg, ok := toInbound(f, segs)
	if !ok {
		slog.Debug("onebot: dropped unusable event", "message_id", f.MessageID)
		return
	}
	slog.Info("onebot: message", "conversation", msg.Conversation(), "sender", msg.DisplayName(), "preview", msg.Preview())
	if !o.Accept(msg, o.SelfID()) {
		return
	}

	if enriched := o.enrich(ctx, segs); enriched != nil {
		segs = enriched
	}
	if inlined, changed := o.inlineImages(ctx, segs); changed {
		segs = inlined
	}
	msg, _ = toInbound(f, segs)
	o.Publish(msg)
}

// inlineImages downloads up to MaxImages images as data URLs; QQ CDN
// links are usually not reachable from the engine. Images past the limit
// or that fail to download become a text placeholder.
func (o *OneBotChannel) inlineImages(ctx context.Context, segs []bus.Segment) ([]bus.Segment, bool) {
	out := make([]bus.Segment, 0, len(segs))
	changed, n := false, 0
	for _, s := range segs {
		img, ok := s.(bus.ImageSegment)
		if !ok {
			out = append(out, s)
			continue
		}
		changed = true
		if n >= o.cfg.MaxImages {
			out = append(out, bus.TextSegment{Text: imagePlaceholder})
			continue
		}
		n++
		dataURL, err := o.media.DataURL(ctx, img.URL)
		if err != nil {
			slog.Warn("onebot: image download failed", "url", stringutils.Truncate(img.URL, 80), "err", err)
			out = append(out, bus.TextSegment{Text: imagePlaceholder})
			continue
		}
		out = append(out, bus.ImageSegment{URL: dataURL})
	}
	return out, changed
}

func (o *OneBotChannel) duplicate(f obFrame) bool {
	id := f.MessageID.String()
	if id == "" {
		return false
	}
	key := f.MessageType + ":" + id
	o.seenMu.Lock()
	defer o.seenMu.Unlock()
	if _, ok := o.seen[key]; ok {
		return true
	}
	o.seen[key] = struct{}{}
	o.seenQueue = append(o.seenQueue, key)
	if len(o.seenQueue) > oneBotSeenWindow {
		delete(o.seen, o.seenQueue[0])
		o.seenQueue = o.seenQueue[1:]
	}
	return false
}

// enrich resolves reply context and forward summaries. It returns nil
// when there is nothing to fetch.
func (o *OneBotChannel) enrich(ctx context.Context, segs []bus.Segment) []bus.Segment {
	var need bool
	for _, s := range segs {
		switch s.(type) {
		case bus.ReplySegment, bus.ForwardSegment:
			need = true
		}
	}
	if !need {
		return nil
	}

	out := make([]bus.Segment, 0, len(segs))
	var extra []bus.Segment
	for _, s := range segs {
		switch v := s.(type) {
		case bus.ReplySegment:
			v.Context = o.fetchReplyContext(ctx, v.MessageID)
			out = append(out, v)
		case bus.ForwardSegment:
			summary, images := o.fetchForward(ctx, v.ID)
			v.Summary = summary
			out = append(out, v)
			for _, url := range images {
				extra = append(extra, bus.ImageSegment{URL: url})
			}
		default:
			out = append(out, s)
		}
	}
	return append(out, extra...)
}

func (o *OneBotChannel) fetchReplyContext(ctx context.Context, id string) string {
	data, err := resilience.Do(ctx, o.executor, "onebot", func(ctx context.Context) (json.RawMessage, error) {
		return o.call(ctx, "get_msg", map[string]any{"message_id": numericID(id)})
	})
	if err != nil {
		slog.Warn("onebot: fetch quoted message failed", "message_id", id, "err", err)
		return ""
	}
	var quoted struct {
		Sender  obSender        `json:"sender"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &quoted); err != nil {
		return ""
	}
	name := quoted.Sender.displayName()
	if name == "" {
		name = "someone"
	}
	return name + ": " + describe(toBusSegments(decodeSegments(quoted.Message)))
}

func (o *OneBotChannel) fetchForward(ctx context.Context, id string) (string, []string) {
	if id == "" {
		return "", nil
	}
	data, err := resilience.Do(ctx, o.executor, "onebot", func(ctx context.Context) (json.RawMessage, error) {
		return o.call(ctx, "get_forward_msg", map[string]any{"id": id})
	})
	if err != nil {
		slog.Warn("onebot: fetch forward failed", "id", id, "err", err)
		return "", nil
	}
	return summarizeForward(data)
}

// call sends one API request on the active connection and waits for the
// response with the same echo.
func (o *OneBotChannel) call(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	o.mu.Lock()
	conn := o.active
	o.mu.Unlock()
	if conn == nil {
		return nil, resilience.ClassifyNetwork(errOneBotNotConnected)
	}

	if t := o.cfg.APITimeout.D(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	echo := uuid.NewString()
	ch := make(chan obFrame, 1)
	o.pendingMu.Lock()
	o.pending[echo] = ch
	o.pendingMu.Unlock()
	defer func() {
		o.pendingMu.Lock()
		delete(o.pending, echo)
		o.pendingMu.Unlock()
	}()

	req := map[string]any{"action": action, "params": params, "echo": echo}
	if err := conn.writeJSON(req); err != nil {
		return nil, resilience.ClassifyNetwork(fmt.Errorf("onebot: %s: %w", action, err))
	}

	select {
	case f := <-ch:
		if f.Status != "ok" && f.Status != "async" {
			return nil, retcodeError(action, f)
		}
		return f.Data, nil
	case <-conn.closed:
		return nil, resilience.ClassifyNetwork(fmt.Errorf("onebot: %s: connection closed", action))
	case <-ctx.Done():
		return nil, fmt.Errorf("onebot: %s: %w", action, ctx.Err())
	}
}

// retcodeError classifies a failed API response.
func retcodeError(action string, f obFrame) error {
	msg := f.Wording
	if msg == "" {
		msg = f.Msg
	}
	e := &resilience.CallError{Message: fmt.Sprintf("%s: retcode %d %s", action, f.Retcode, msg)}
	switch f.Retcode {
	case 1401, 1403:
		e.Category = resilience.CategoryAuth
	case 100, 1400, 1404:
		e.Category = resilience.CategoryBadRequest
	default:
		e.Category = resilience.CategoryServer
	}
	return e
}

// Send posts the reply to the group or private chat. Long replies are split;
// group replies quote the last message of the turn.
func (o *OneBotChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	target := msg.Target()
	action, idKey := "send_private_msg", "user_id"
	if target.Group {
		action, idKey = "send_group_msg", "group_id"
	}

	for i, chunk := range splitMessage(msg.Content(), oneBotMaxMessageLen) {
		segs := []map[string]any{}
		if i == 0 && target.Group && target.ReplyTo != "" {
			segs = append(segs, map[string]any{"type": "reply", "data": map[string]any{"id": target.ReplyTo}})
		}
		segs = append(segs, map[string]any{"type": "text", "data": map[string]any{"text": chunk}})

		params := map[string]any{idKey: numericID(target.ChatId), "message": segs}
		if _, err := o.call(ctx, action, params); err != nil {
			return err
		}
	}
	return nil
}

// numericID passes ids as numbers when they are numeric, which is what
// OneBot 11 implementations expect.
func numericID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
