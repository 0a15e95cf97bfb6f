package config

// TriggerConfig decides which inbound messages reach the pipeline.
type TriggerConfig struct {
	Private  bool     `yaml:"private"`  // answer every private message
	Mention  bool     `yaml:"mention"`  // answer group messages that mention the bot
	AllGroup bool     `yaml:"allGroup"` // answer every group message
	BotNames []string `yaml:"botNames"` // answer any message containing one of these names
}

func defaultTriggerConfig() TriggerConfig {
	return TriggerConfig{Private: true, Mention: true, BotNames: []string{"cirno"}}
}

// OneBotConfig configures the OneBot 11 WebSocket channel (NapCat, Lagrange, ...).
type OneBotConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Mode         string        `yaml:"mode"`         // forward, reverse or both
	URL          string        `yaml:"url"`          // forward: implementation's WS server
	Listen       string        `yaml:"listen"`       // reverse: host:port to accept on
	Path         string        `yaml:"path"`         // reverse: HTTP path
	AccessToken  string        `yaml:"accessToken"`
	AllowFrom    []string      `yaml:"allowFrom"`
	Trigger      TriggerConfig `yaml:"trigger"`
	SendInterval Duration      `yaml:"sendInterval"` // minimum gap between sends to one target
	APITimeout   Duration      `yaml:"apiTimeout"`
	MaxImages    int           `yaml:"maxImages"` // images downloaded per message; 0 disables
}

func defaultOneBotConfig() OneBotConfig {
	return OneBotConfig{
		Mode:         "reverse",
		URL:          "ws://127.0.0.1:3001",
		Listen:       "127.0.0.1:5140",
		Path:         "/onebot",
		AllowFrom:    []string{},
		Trigger:      defaultTriggerConfig(),
		SendInterval: Seconds(3),
		APITimeout:   Seconds(10),
		MaxImages:    5,
	}
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Token          string        `yaml:"token"`
	AllowFrom      []string      `yaml:"allowFrom"`
	Proxy          string        `yaml:"proxy,omitempty"`
	ReplyToMessage bool          `yaml:"replyToMessage"`
	Trigger        TriggerConfig `yaml:"trigger"`
	SendInterval   Duration      `yaml:"sendInterval"`
}

func defaultTelegramConfig() TelegramConfig {
	return TelegramConfig{
		AllowFrom:    []string{},
		Trigger:      defaultTriggerConfig(),
		SendInterval: Seconds(1),
	}
}

// SlackDMConfig controls direct-message behaviour in Slack.
type SlackDMConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Policy    string   `yaml:"policy"` // "open" or "allowlist"
	AllowFrom []string `yaml:"allowFrom"`
}

// SlackConfig configures the Slack channel (Socket Mode).
type SlackConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BotToken       string        `yaml:"botToken"`
	AppToken       string        `yaml:"appToken"`
	ReplyInThread  bool          `yaml:"replyInThread"`
	ReactEmoji     string        `yaml:"reactEmoji"`
	GroupPolicy    string        `yaml:"groupPolicy"` // open, mention or allowlist
	GroupAllowFrom []string      `yaml:"groupAllowFrom"`
	DM             SlackDMConfig `yaml:"dm"`
	SendInterval   Duration      `yaml:"sendInterval"`
}

func defaultSlackConfig() SlackConfig {
	return SlackConfig{
		ReplyInThread:  true,
		ReactEmoji:     "eyes",
		GroupPolicy:    "mention",
		GroupAllowFrom: []string{},
		DM:             SlackDMConfig{Enabled: true, Policy: "open", AllowFrom: []string{}},
		SendInterval:   Seconds(1),
	}
}

// ChannelsConfig groups all channel configurations.
type ChannelsConfig struct {
	OneBot   OneBotConfig   `yaml:"onebot"`
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
}

func defaultChannelsConfig() ChannelsConfig {
	return ChannelsConfig{
		OneBot:   defaultOneBotConfig(),
		Telegram: defaultTelegramConfig(),
		Slack:    defaultSlackConfig(),
	}
}

// Enabled returns the names of the enabled gateway channels.
func (c ChannelsConfig) Enabled() []string {
	var names []string
	if c.OneBot.Enabled {
		names = append(names, "onebot")
	}
	if c.Telegram.Enabled {
		names = append(names, "telegram")
	}
	if c.Slack.Enabled {
		names = append(names, "slack")
	}
	return names
}
