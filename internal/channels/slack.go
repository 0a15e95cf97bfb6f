package channels

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	slackgo "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/crystaldolphin/cirno/internal/bus"
	"github.com/crystaldolphin/cirno/internal/config"
)

const slackMaxMessageLen = 4000

// SlackChannel implements Slack via Socket Mode. Admission follows the
// Slack config's DM and channel policies; the shared trigger policy then
// accepts everything that got through.
type SlackChannel struct {
	Base
	cfg       *config.SlackConfig
	webClient *slackgo.Client
	botUserID string
	mentionRe *regexp.Regexp
}

// slackEvent is the subset of a message or app_mention event we route on.
type slackEvent struct {
	mention  bool // delivered as app_mention
	user     string
	botID    string
	channel  string
	kind     string // channel_type: im, channel, group, mpim
	subtype  string
	text     string
	ts       string
	threadTS string
}

func NewSlackChannel(cfg *config.SlackConfig, b bus.Bus) *SlackChannel {
	return &SlackChannel{
		Base: NewBase(bus.ChannelSlack, b, nil, TriggerPolicy{Private: true, AllGroup: true}),
		cfg:  cfg,
	}
}

func (s *SlackChannel) Name() string { return string(bus.ChannelSlack) }

func (s *SlackChannel) Start(ctx context.Context) error {
	if s.cfg.BotToken == "" || s.cfg.AppToken == "" {
		slog.Warn("slack: bot/app token not configured")
		<-ctx.Done()
		return ctx.Err()
	}

	s.webClient = slackgo.New(s.cfg.BotToken, slackgo.OptionAppLevelToken(s.cfg.AppToken))
	if resp, err := s.webClient.AuthTestContext(ctx); err == nil {
		s.setBotUser(resp.UserID)
		slog.Info("slack: connected", "bot_user_id", resp.UserID, "team", resp.Team)
	} else {
		slog.Warn("slack: auth test failed; mentions will not be recognised", "err", err)
	}

	sm := socketmode.New(s.webClient)
	go sm.RunContext(ctx) //nolint:errcheck

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sm.Events:
			if !ok {
				return nil
			}
			switch evt.Type {
			case socketmode.EventTypeConnectionError:
				slog.Warn("slack: connection error", "err", evt.Data)
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					sm.Ack(*evt.Request)
				}
				api, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if ev, ok := fromSlackEvent(api.InnerEvent.Data); ok {
					s.handle(ctx, ev)
				}
			}
		}
	}
}

func (s *SlackChannel) setBotUser(id string) {
	s.botUserID = id
	s.mentionRe = regexp.MustCompile(`<@` + regexp.QuoteMeta(id) + `>\s*`)
}

func fromSlackEvent(data any) (slackEvent, bool) {
	switch ev := data.(type) {
	case *slackevents.MessageEvent:
		return slackEvent{
			user: ev.User, botID: ev.BotID, channel: ev.Channel, kind: ev.ChannelType,
			subtype: ev.SubType, text: ev.Text, ts: ev.TimeStamp, threadTS: ev.ThreadTimeStamp,
		}, true
	case *slackevents.AppMentionEvent:
		return slackEvent{
			mention: true, user: ev.User, botID: ev.BotID, channel: ev.Channel, kind: "channel",
			text: ev.Text, ts: ev.TimeStamp, threadTS: ev.ThreadTimeStamp,
		}, true
	}
	return slackEvent{}, false
}

func (s *SlackChannel) handle(ctx context.Context, ev slackEvent) {
	if ev.subtype != "" || ev.botID != "" || ev.user == "" || ev.channel == "" || ev.user == s.botUserID {
		return
	}
	// A channel mention arrives twice, as message and as app_mention.
	if !ev.mention && ev.kind != "im" && s.mentioned(ev.text) {
		return
	}
	if !s.admit(ev) {
		slog.Debug("slack: not admitted", "channel", ev.channel, "user", ev.user, "kind", ev.kind)
		return
	}
	msg, ok := s.inbound(ev)
	if !ok {
		return
	}
	if s.webClient != nil && s.cfg.ReactEmoji != "" && ev.ts != "" {
		ref := slackgo.ItemRef{Channel: ev.channel, Timestamp: ev.ts}
		if err := s.webClient.AddReactionContext(ctx, s.cfg.ReactEmoji, ref); err != nil {
			slog.Debug("slack: reaction failed", "err", err)
		}
	}
	s.HandleMessage(msg, s.botUserID)
}

// admit applies the DM policy to direct messages and the group policy
// to everything else.
func (s *SlackChannel) admit(ev slackEvent) bool {
	if ev.kind == "im" {
		dm := s.cfg.DM
		return dm.Enabled && (dm.Policy != "allowlist" || slices.Contains(dm.AllowFrom, ev.user))
	}
	switch s.cfg.GroupPolicy {
	case "open":
		return true
	case "mention":
		return ev.mention || s.mentioned(ev.text)
	case "allowlist":
		return slices.Contains(s.cfg.GroupAllowFrom, ev.channel)
	default:
		return false
	}
}

func (s *SlackChannel) mentioned(text string) bool {
	return s.botUserID != "" && strings.Contains(text, "<@"+s.botUserID+">")
}

// inbound builds the bus message. The message id is the thread root so
// threaded replies land in the same thread.
func (s *SlackChannel) inbound(ev slackEvent) (bus.InboundMessage, bool) {
	text := ev.text
	if s.mentionRe != nil {
		text = strings.TrimSpace(s.mentionRe.ReplaceAllString(text, ""))
	}
	conv := bus.Group(ev.channel)
	if ev.kind == "im" {
		conv = bus.Private()
	}

	msg := bus.NewTextMessage(bus.ChannelSlack, ev.user, ev.channel, conv, text)
	if ev.mention && s.botUserID != "" {
		msg.AddSegment(bus.MentionSegment{Target: s.botUserID})
	}
	thread := ev.threadTS
	if thread == "" {
		thread = ev.ts
	}
	msg.SetMessageId(thread)
	if at, ok := slackTime(ev.ts); ok {
		msg.SetTimestamp(at)
	}
	msg.SetMetadata(map[string]any{"ts": ev.ts, "channel_type": ev.kind})
	return msg, msg.Validate() == nil
}

// slackTime parses a Slack "seconds.micros" timestamp.
func slackTime(ts string) (time.Time, bool) {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	var us int64
	if frac != "" {
		if us, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}, false
		}
	}
	return time.Unix(s, us*int64(time.Microsecond)), true
}

func (s *SlackChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if s.webClient == nil {
		return fmt.Errorf("slack: not connected")
	}
	var thread []slackgo.MsgOption
	if s.cfg.ReplyInThread && msg.Target().Group && msg.ReplyTo() != "" {
		thread = append(thread, slackgo.MsgOptionTS(msg.ReplyTo()))
	}
	for _, chunk := range splitMessage(msg.Content(), slackMaxMessageLen) {
		options := append([]slackgo.MsgOption{slackgo.MsgOptionText(chunk, false)}, thread...)
		if _, _, err := s.webClient.PostMessageContext(ctx, msg.ChatId(), options...); err != nil {
			return fmt.Errorf("slack: post message: %w", err)
		}
	}
	return nil
}
