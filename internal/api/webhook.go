package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

// handleWebhook runs the inbound pipeline. Checks happen in a fixed order so
// cheap rejections come before expensive ones; the actual agent dispatch is
// asynchronous and the webhook acknowledges as soon as it is queued.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	maxSize := int64(h.cfg.Limits.MaxRequestSize)
	if r.ContentLength > maxSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request too large"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty body"})
		return
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed update"})
		return
	}

	if h.dedup.IsProcessed(update.UpdateID) {
		writeIgnored(w, "duplicate")
		return
	}

	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.Text == "" {
		writeIgnored(w, "no text")
		return
	}

	senderID := msg.Chat.ID
	if msg.From != nil {
		senderID = msg.From.ID
	}
	if !h.limiter.Allow(senderID) {
		retry := int(math.Ceil(h.limiter.RetryAfter(senderID).Seconds()))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"status":      "rate_limited",
			"retry_after": retry,
			"message":     fmt.Sprintf("Rate limit exceeded. Retry in %d seconds.", retry),
		})
		return
	}

	if utf8.RuneCountInString(msg.Text) > h.cfg.Limits.MaxMessageLength {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message too long"})
		return
	}

	if h.cfg.ChatID != 0 && msg.Chat.ID != h.cfg.ChatID {
		slog.Warn("Message from unauthorized chat ignored", "chat_id", msg.Chat.ID)
		writeIgnored(w, "unauthorized chat")
		return
	}

	// The sender may disconnect long before the agent answers; the dispatch
	// runs on a detached context and replies out of band.
	h.gate.Increment()
	go h.dispatch(msg.Chat.ID, msg.Text)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeIgnored(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": reason})
}

// dispatch routes one accepted message: bot commands are handled locally,
// everything else goes to the selected instance.
func (h *Handler) dispatch(chatID int64, text string) {
	defer h.gate.Decrement()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Timeout.Response)
	defer cancel()

	if strings.HasPrefix(text, "/") {
		h.runCommand(ctx, chatID, text)
		return
	}
	h.relayToInstance(ctx, chatID, text)
}

// relayToInstance sends the text to the selected agent and replies with the
// cleaned response.
func (h *Handler) relayToInstance(ctx context.Context, chatID int64, text string) {
	target, err := h.pool.SelectFrom(ctx, h.registry.List(), h.cfg.PreferTmux)
	if err != nil {
		h.reply(ctx, chatID, "No agent instances are configured. Register one and try again.")
		return
	}

	if err := target.Start(ctx); err != nil {
		h.replyError(ctx, chatID, "start instance", err)
		return
	}
	if err := h.registry.Touch(target.Name()); err != nil {
		slog.Warn("Touch instance failed", "instance", target.Name(), "error", err)
	}

	started := time.Now()
	ok, response := target.SendCommandAndWait(ctx, text)
	if !ok {
		h.replyError(ctx, chatID, "agent request", fmt.Errorf("instance %s: %s", target.Name(), response))
		return
	}
	slog.Info("Agent request served",
		"instance", target.Name(), "duration", time.Since(started), "response_bytes", len(response))

	reply := cleanReply(response, h.cfg.Delta.PromptChars)
	if reply == "" {
		reply = "(empty response)"
	}
	h.reply(ctx, chatID, reply)
}

// reply sends text to the chat, logging delivery failures.
func (h *Handler) reply(ctx context.Context, chatID int64, text string) {
	if err := h.sender.SendMessage(ctx, chatID, text); err != nil {
		slog.Error("Reply delivery failed", "chat_id", chatID, "error", err)
	}
}

// replyError logs the real failure under a short reference id and sends the
// user a safe message carrying only the reference.
func (h *Handler) replyError(ctx context.Context, chatID int64, op string, err error) {
	ref := uuid.NewString()[:8]
	slog.Error("Dispatch failed", "ref", ref, "op", op, "error", err)
	h.reply(ctx, chatID, fmt.Sprintf("Something went wrong handling your request (ref %s). Try again in a moment.", ref))
}
