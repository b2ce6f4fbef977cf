package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/visitor-relay/internal/config"
)

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	StatusCode  int
	ErrorCode   int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed (status %d, code %d): %s", e.Method, e.StatusCode, e.ErrorCode, e.Description)
}

// Client talks to the Telegram Bot API on behalf of the operator chat.
type Client struct {
	logger     *zap.Logger
	httpClient *http.Client
	baseURL    string
	token      string
	chatID     int64
}

// NewClient 创建 Telegram Bot API 客户端，所有请求都受 cfg.Timeout 限制。
func NewClient(logger *zap.Logger, cfg config.TelegramConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		logger:     logger.Named("telegram.client"),
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.APIBaseURL,
		token:      cfg.BotToken,
		chatID:     cfg.ChatID,
	}
}

// SendMessage posts text to the operator chat and returns the id Telegram
// assigned to the delivered message. replyTo threads the message under an
// earlier one when non-zero.
func (c *Client) SendMessage(ctx context.Context, text string, replyTo int64) (int64, error) {
	req := sendMessageRequest{
		ChatID:                   c.chatID,
		Text:                     text,
		ReplyToMessageID:         replyTo,
		AllowSendingWithoutReply: replyTo != 0,
	}

	var msg Message
	if err := c.call(ctx, "sendMessage", req, &msg); err != nil {
		return 0, err
	}
	if msg.MessageID == 0 {
		return 0, fmt.Errorf("telegram sendMessage returned no message id")
	}
	return msg.MessageID, nil
}

func (c *Client) call(ctx context.Context, method string, payload any, result *Message) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// *url.Error carries the request URL, which embeds the bot token
		return fmt.Errorf("telegram %s request failed: %w", method, redact(err, c.token))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !parsed.OK {
		return &APIError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			ErrorCode:   parsed.ErrorCode,
			Description: parsed.Description,
		}
	}

	if result != nil && parsed.Result != nil {
		*result = *parsed.Result
	}
	c.logger.Debug("telegram call succeeded", zap.String("method", method))
	return nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<redacted>"), err: err}
}
