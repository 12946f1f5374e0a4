package telegram

import (
	"context"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// fakeBot scripts per-call failures for the tgbotapi subset.
type fakeBot struct {
	sendErrs []error
	sends    int
	requests int
	sent     []tgbotapi.Chattable
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	var err error
	if f.sends < len(f.sendErrs) {
		err = f.sendErrs[f.sends]
	}
	f.sends++
	return tgbotapi.Message{}, err
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requests++
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	return []tgbotapi.Update{{UpdateID: config.Offset}}, nil
}

func (f *fakeBot) GetWebhookInfo() (tgbotapi.WebhookInfo, error) {
	return tgbotapi.WebhookInfo{URL: "https://bridge.example/webhook"}, nil
}

func TestSendMessage_SetsHTMLAndNoPreview(t *testing.T) {
	bot := &fakeBot{}
	c := newWithBot(bot)

	if err := c.SendMessage(context.Background(), 42, "<b>hi</b>"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d messages", len(bot.sent))
	}
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("sent a %T", bot.sent[0])
	}
	if msg.ParseMode != tgbotapi.ModeHTML {
		t.Errorf("parse mode = %q", msg.ParseMode)
	}
	if !msg.DisableWebPagePreview {
		t.Error("link preview not disabled")
	}
	if msg.ChatID != 42 {
		t.Errorf("chat id = %d", msg.ChatID)
	}
}

func TestSendMessage_RetriesServerErrors(t *testing.T) {
	bot := &fakeBot{sendErrs: []error{
		&tgbotapi.Error{Code: 502, Message: "bad gateway"},
		nil,
	}}
	c := newWithBot(bot)

	if err := c.SendMessage(context.Background(), 42, "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if bot.sends != 2 {
		t.Errorf("attempts = %d, want 2", bot.sends)
	}
}

func TestSendMessage_DoesNotRetryClientErrors(t *testing.T) {
	bot := &fakeBot{sendErrs: []error{
		&tgbotapi.Error{Code: 400, Message: "chat not found"},
	}}
	c := newWithBot(bot)

	if err := c.SendMessage(context.Background(), 42, "hi"); err == nil {
		t.Fatal("expected error")
	}
	if bot.sends != 1 {
		t.Errorf("attempts = %d, want 1", bot.sends)
	}
}

func TestSendMessage_GivesUpAfterMaxAttempts(t *testing.T) {
	bot := &fakeBot{sendErrs: []error{
		&tgbotapi.Error{Code: 500},
		&tgbotapi.Error{Code: 500},
		&tgbotapi.Error{Code: 500},
		&tgbotapi.Error{Code: 500},
	}}
	c := newWithBot(bot)

	if err := c.SendMessage(context.Background(), 42, "hi"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if bot.sends != maxSendAttempts {
		t.Errorf("attempts = %d, want %d", bot.sends, maxSendAttempts)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&tgbotapi.Error{Code: 500}, true},
		{&tgbotapi.Error{Code: 429}, true},
		{&tgbotapi.Error{Code: 403}, false},
		{context.Canceled, false},
	}
	for _, tc := range cases {
		if got := isTransient(tc.err); got != tc.want {
			t.Errorf("isTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestWebhookLifecycle(t *testing.T) {
	bot := &fakeBot{}
	c := newWithBot(bot)
	ctx := context.Background()

	if err := c.SetWebhook(ctx, "https://bridge.example/webhook"); err != nil {
		t.Fatalf("SetWebhook: %v", err)
	}
	info, err := c.GetWebhookInfo()
	if err != nil {
		t.Fatalf("GetWebhookInfo: %v", err)
	}
	if info.URL == "" {
		t.Error("webhook info empty")
	}
	if err := c.DeleteWebhook(ctx); err != nil {
		t.Fatalf("DeleteWebhook: %v", err)
	}
	if bot.requests != 2 {
		t.Errorf("requests = %d, want 2", bot.requests)
	}
}
