package channels

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/crystaldolphin/cirno/internal/bus"
	"github.com/crystaldolphin/cirno/internal/config"
	"github.com/crystaldolphin/cirno/internal/resilience"
)

const telegramMaxMessageLen = 4000

// TelegramChannel implements the Telegram bot via long polling.
type TelegramChannel struct {
	Base
	cfg      *config.TelegramConfig
	executor *resilience.Executor
	media    *mediaFetcher
	bot      *tgbotapi.BotAPI
}

// NewTelegramChannel creates a TelegramChannel. Photo downloads run
// through executor under the "media" key.
func NewTelegramChannel(cfg *config.TelegramConfig, b bus.Bus, executor *resilience.Executor) *TelegramChannel {
	return &TelegramChannel{
		Base:     NewBase(bus.ChannelTelegram, b, cfg.AllowFrom, TriggerFromConfig(cfg.Trigger)),
		cfg:      cfg,
		executor: executor,
		media:    newMediaFetcher(executor),
	}
}

func (t *TelegramChannel) Name() string { return string(bus.ChannelTelegram) }

func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token not configured")
	}
	bot, err := tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	t.bot = bot
	slog.Info("telegram: connected", "username", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	// Updates are handled one at a time so a chat's messages stay in order.
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil {
		return
	}

	senderID := strconv.FormatInt(m.From.ID, 10)
	if m.From.UserName != "" {
		senderID = senderID + "|" + m.From.UserName
	}
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	conv := bus.Private()
	if !m.Chat.IsPrivate() {
		conv = bus.Group(chatID)
	}

	msg := bus.NewInboundMessage(bus.ChannelTelegram, senderID, chatID, conv, telegramSegments(m)...)
	msg.SetMessageId(strconv.Itoa(m.MessageID))
	msg.SetSenderName(strings.TrimSpace(m.From.FirstName + " " + m.From.LastName))
	msg.SetTimestamp(m.Time())
	if msg.Validate() != nil && len(m.Photo) == 0 {
		return
	}

	self := ""
	if t.bot != nil {
		self = t.bot.Self.UserName
	}
	if !t.Accept(msg, self) {
		return
	}

	if len(m.Photo) > 0 {
		photo := m.Photo[len(m.Photo)-1]
		dataURL, err := resilience.Do(ctx, t.executor, mediaEndpoint, func(ctx context.Context) (string, error) {
			return t.photoDataURL(ctx, photo.FileID)
		})
		if err == nil {
			msg.AddSegment(bus.ImageSegment{URL: dataURL})
		} else {
			slog.Warn("telegram: photo download failed", "chat", chatID, "err", err)
		}
	}
	if msg.Validate() != nil {
		return
	}
	t.Publish(msg)
}

// telegramSegments maps text, caption, mentions and the quoted message.
func telegramSegments(m *tgbotapi.Message) []bus.Segment {
	var segs []bus.Segment
	if r := m.ReplyToMessage; r != nil {
		quoted := r.Text
		if quoted == "" {
			quoted = r.Caption
		}
		name := "someone"
		if r.From != nil {
			name = r.From.FirstName
		}
		segs = append(segs, bus.ReplySegment{MessageID: strconv.Itoa(r.MessageID), Context: name + ": " + quoted})
	}

	text, entities := m.Text, m.Entities
	if text == "" {
		text, entities = m.Caption, m.CaptionEntities
	}
	for _, e := range entities {
		if e.Type != "mention" {
			continue
		}
		if name := utf16Slice(text, e.Offset, e.Length); strings.HasPrefix(name, "@") {
			segs = append(segs, bus.MentionSegment{Target: strings.TrimPrefix(name, "@"), Name: name})
		}
	}
	if text != "" {
		segs = append(segs, bus.TextSegment{Text: text})
	}
	if m.Document != nil {
		segs = append(segs, bus.TextSegment{Text: "[file: " + m.Document.FileName + "]"})
	}
	if m.Voice != nil {
		segs = append(segs, bus.TextSegment{Text: "[voice]"})
	}
	if m.Sticker != nil && m.Sticker.Emoji != "" {
		segs = append(segs, bus.TextSegment{Text: m.Sticker.Emoji})
	}
	return segs
}

// utf16Slice cuts s by UTF-16 code unit offsets, as Telegram entities use.
func utf16Slice(s string, offset, length int) string {
	var (
		sb  strings.Builder
		pos int
	)
	for _, r := range s {
		w := 1
		if r >= 0x10000 {
			w = 2
		}
		if pos >= offset && pos < offset+length {
			sb.WriteRune(r)
		}
		pos += w
	}
	return sb.String()
}

// photoDataURL downloads a photo and inlines it, so the bot token in the
// file URL never leaves this process.
func (t *TelegramChannel) photoDataURL(ctx context.Context, fileID string) (string, error) {
	if t.bot == nil {
		return "", resilience.Permanent(fmt.Errorf("telegram: bot not running"))
	}
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", resilience.ClassifyNetwork(err)
	}
	return t.media.download(ctx, url)
}

func (t *TelegramChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram: bot not running")
	}
	chatID, err := strconv.ParseInt(msg.ChatId(), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q", msg.ChatId())
	}
	if msg.Content() == "" {
		return nil
	}

	var replyMsgID int
	if t.cfg.ReplyToMessage {
		replyMsgID, _ = strconv.Atoi(msg.ReplyTo())
	}

	for _, chunk := range splitMessage(msg.Content(), telegramMaxMessageLen) {
		m := tgbotapi.NewMessage(chatID, markdownToTelegramHTML(chunk))
		m.ParseMode = "HTML"
		m.ReplyToMessageID = replyMsgID
		if _, err := t.bot.Send(m); err != nil {
			// Fall back to plain text when the HTML is rejected.
			plain := tgbotapi.NewMessage(chatID, chunk)
			plain.ReplyToMessageID = replyMsgID
			if _, err := t.bot.Send(plain); err != nil {
				return fmt.Errorf("telegram: send: %w", err)
			}
		}
		replyMsgID = 0
	}
	return nil
}

// Markdown to Telegram HTML.

var (
	reTGCodeBlock  = regexp.MustCompile("(?s)```[\\w]*\\n?([\\s\\S]*?)```")
	reTGInlineCode = regexp.MustCompile("`([^`]+)`")
	reTGHeader     = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	reTGBlockquote = regexp.MustCompile(`(?m)^>\s*(.*)$`)
	reTGLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	reTGBold1      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reTGBold2      = regexp.MustCompile(`__(.+?)__`)
	reTGItalic     = regexp.MustCompile(`(?:^|[^a-zA-Z0-9])_([^_]+)_(?:[^a-zA-Z0-9]|$)`)
	reTGStrike     = regexp.MustCompile(`~~(.+?)~~`)
	reTGBullet     = regexp.MustCompile(`(?m)^[-*]\s+`)
)

func markdownToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	// 1. Extract code blocks.
	var codeBlocks []string
	text = reTGCodeBlock.ReplaceAllStringFunc(text, func(m string) string {
		groups := reTGCodeBlock.FindStringSubmatch(m)
		codeBlocks = append(codeBlocks, groups[1])
		return fmt.Sprintf("\x00CB%d\x00", len(codeBlocks)-1)
	})

	// 2. Extract inline code.
	var inlineCodes []string
	text = reTGInlineCode.ReplaceAllStringFunc(text, func(m string) string {
		groups := reTGInlineCode.FindStringSubmatch(m)
		inlineCodes = append(inlineCodes, groups[1])
		return fmt.Sprintf("\x00IC%d\x00", len(inlineCodes)-1)
	})

	// 3. Strip headers.
	text = reTGHeader.ReplaceAllString(text, "$1")
	// 4. Strip blockquotes.
	text = reTGBlockquote.ReplaceAllString(text, "$1")

	// 5. HTML escape.
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")

	// 6. Links.
	text = reTGLink.ReplaceAllString(text, `<a href="$2">$1</a>`)
	// 7. Bold.
	text = reTGBold1.ReplaceAllString(text, "<b>$1</b>")
	text = reTGBold2.ReplaceAllString(text, "<b>$1</b>")
	// 8. Italic.
	text = reTGItalic.ReplaceAllString(text, "<i>$1</i>")
	// 9. Strikethrough.
	text = reTGStrike.ReplaceAllString(text, "<s>$1</s>")
	// 10. Bullet lists.
	text = reTGBullet.ReplaceAllString(text, "• ")

	// 11. Restore inline code.
	for i, code := range inlineCodes {
		escaped := htmlEscape(code)
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00IC%d\x00", i),
			"<code>"+escaped+"</code>")
	}
	// 12. Restore code blocks.
	for i, code := range codeBlocks {
		escaped := htmlEscape(code)
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00CB%d\x00", i),
			"<pre><code>"+escaped+"</code></pre>")
	}
	return text
}

func htmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
