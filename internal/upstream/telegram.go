// telegram.go implements the chat-platform client.
//
// One endpoint matters: POST /bot<token>/sendMessage. The client maps the
// platform's response codes to delivery outcomes the queue can act on:
//
//	2xx → Delivered
//	429 → RateLimited (retry_after from the response body)
//	403 → PermanentReject(blocked)         — recipient revoked access
//	400 → PermanentReject(invalidRecipient) — chat id is gone or wrong
//	else → TransientError
//
// No automatic retry happens here; retry and pacing policy belong to the
// delivery queue.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"whale-alerts/internal/config"
	"whale-alerts/pkg/types"
)

// ChatClient sends alert messages to the chat platform.
type ChatClient struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewChatClient creates a chat client for the configured bot token.
func NewChatClient(cfg config.TelegramConfig, logger *slog.Logger) *ChatClient {
	httpClient := resty.New().
		SetBaseURL(fmt.Sprintf("%s/bot%s", cfg.BaseURL, cfg.BotToken)).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &ChatClient{
		http:   httpClient,
		logger: logger.With("component", "chat"),
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMessageResponse struct {
	OK         bool   `json:"ok"`
	Descr      string `json:"description"`
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendMessage posts one HTML-formatted message and classifies the result.
// Network failures count as transient.
func (c *ChatClient) SendMessage(ctx context.Context, chatID, text string) types.SendResult {
	var body sendMessageResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(sendMessageRequest{
			ChatID:                chatID,
			Text:                  text,
			ParseMode:             "HTML",
			DisableWebPagePreview: false,
		}).
		SetResult(&body).
		SetError(&body).
		ForceContentType("application/json").
		Post("/sendMessage")
	if err != nil {
		c.logger.Warn("send failed", "chat_id", chatID, "error", err)
		return types.SendResult{Outcome: types.TransientError}
	}

	switch {
	case resp.StatusCode() >= 200 && resp.StatusCode() < 300:
		return types.SendResult{Outcome: types.Delivered}

	case resp.StatusCode() == http.StatusTooManyRequests:
		retryAfter := time.Duration(body.Parameters.RetryAfter) * time.Second
		return types.SendResult{Outcome: types.RateLimited, RetryAfter: retryAfter}

	case resp.StatusCode() == http.StatusForbidden:
		return types.SendResult{Outcome: types.PermanentReject, Reason: types.RejectBlocked}

	case resp.StatusCode() == http.StatusBadRequest:
		return types.SendResult{Outcome: types.PermanentReject, Reason: types.RejectInvalidRecipient}

	default:
		c.logger.Warn("unexpected send status",
			"chat_id", chatID,
			"status", resp.StatusCode(),
			"description", body.Descr,
		)
		return types.SendResult{Outcome: types.TransientError}
	}
}
