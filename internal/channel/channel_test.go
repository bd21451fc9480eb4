package channel

import (
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cadencehq/cadence/internal/bus"
	"github.com/cadencehq/cadence/internal/config"
)

func TestBaseChannel_IsAllowed(t *testing.T) {
	b := bus.NewMessageBus(10)

	tests := []struct {
		name      string
		allowFrom []string
		senderID  string
		want      bool
	}{
		{"empty allowlist allows everyone", nil, "42", true},
		{"listed sender allowed", []string{"42", "43"}, "42", true},
		{"unlisted sender rejected", []string{"42"}, "99", false},
		{"blank entries ignored", []string{""}, "anyone", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := NewBaseChannel("test", b, tt.allowFrom)
			if got := ch.IsAllowed(tt.senderID); got != tt.want {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.senderID, got, tt.want)
			}
		})
	}
}

type mockBot struct {
	sent []tgbotapi.Chattable
}

func (m *mockBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}
func (m *mockBot) StopReceivingUpdates() {}
func (m *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.sent = append(m.sent, c)
	return tgbotapi.Message{}, nil
}
func (m *mockBot) GetSelf() tgbotapi.User {
	return tgbotapi.User{UserName: "cadence_test_bot"}
}

func TestTelegramChannel_RequiresToken(t *testing.T) {
	b := bus.NewMessageBus(10)
	_, err := NewTelegramChannel(config.TelegramConfig{}, b)
	if err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestTelegramChannel_Send(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, err := NewTelegramChannel(config.TelegramConfig{Token: "test-token"}, b)
	if err != nil {
		t.Fatalf("NewTelegramChannel: %v", err)
	}
	bot := &mockBot{}
	ch.SetBot(bot)

	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(bot.sent))
	}
}

func TestTelegramChannel_SendInvalidChatID(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "test-token"}, b)
	ch.SetBot(&mockBot{})

	if err := ch.Send(bus.OutboundMessage{ChatID: "not-a-number", Content: "x"}); err == nil {
		t.Fatal("expected error for invalid chat id")
	}
}

func TestTelegramChannel_SendChunksLongMessage(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "test-token"}, b)
	bot := &mockBot{}
	ch.SetBot(bot)

	long := strings.Repeat("line of text\n", 1000)
	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: long}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(bot.sent) < 2 {
		t.Errorf("sent %d messages, want chunked into multiple", len(bot.sent))
	}
}

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"a < b & c > d", "a &lt; b &amp; c &gt; d"},
		{"**bold**", "<b>bold</b>"},
		{"`code`", "<code>code</code>"},
		{"*em*", "<i>em</i>"},
	}
	for _, tt := range tests {
		if got := toTelegramHTML(tt.in); got != tt.want {
			t.Errorf("toTelegramHTML(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChannelManager_TelegramDisabled(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, err := NewChannelManager(config.ChannelsConfig{}, b)
	if err != nil {
		t.Fatalf("NewChannelManager: %v", err)
	}
	if len(m.ActiveChannels()) != 0 {
		t.Errorf("active channels = %v, want none", m.ActiveChannels())
	}
}
