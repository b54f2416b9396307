package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// DefaultTelegramAPI is the Bot API root; tests point it at an httptest server.
const DefaultTelegramAPI = "https://api.telegram.org"

// Telegram delivers messages, photos and videos to one chat through the Bot API.
type Telegram struct {
	Token   string
	ChatID  string // numeric chat ID or @channel
	BaseURL string
	Client  *http.Client
}

// NewTelegram returns a client with a timeout sized for video uploads.
func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		Token:   token,
		ChatID:  chatID,
		BaseURL: DefaultTelegramAPI,
		Client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// APIError is a refused request, carrying the Bot API's error code and description.
type APIError struct {
	Method string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed: HTTP %d: %s", e.Method, e.Status, e.Body)
}

// contextClient binds one delivery's context to the library's requests.
type contextClient struct {
	ctx    context.Context
	client *http.Client
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

// bot builds a BotAPI without the getMe round trip NewBotAPI performs.
func (t *Telegram) bot(ctx context.Context) *tgbotapi.BotAPI {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	base := t.BaseURL
	if base == "" {
		base = DefaultTelegramAPI
	}
	b := &tgbotapi.BotAPI{Token: t.Token, Client: contextClient{ctx: ctx, client: client}, Buffer: 100}
	b.SetAPIEndpoint(strings.TrimRight(base, "/") + "/bot%s/%s")
	return b
}

// chat resolves ChatID into the library's numeric or channel form.
func (t *Telegram) chat() (int64, string) {
	if id, err := strconv.ParseInt(t.ChatID, 10, 64); err == nil {
		return id, ""
	}
	return 0, t.ChatID
}

func (t *Telegram) send(ctx context.Context, method string, c tgbotapi.Chattable) error {
	if _, err := t.bot(ctx).Request(c); err != nil {
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) {
			return &APIError{Method: method, Status: tgErr.Code, Body: tgErr.Message}
		}
		// The URL embeds the bot token; keep it out of error strings.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	return nil
}

// SendMessage posts a plain text message.
func (t *Telegram) SendMessage(ctx context.Context, text string) error {
	id, channel := t.chat()
	msg := tgbotapi.NewMessage(id, text)
	msg.ChannelUsername = channel
	return t.send(ctx, "sendMessage", msg)
}

// SendPhoto uploads an image file.
func (t *Telegram) SendPhoto(ctx context.Context, path, caption string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram sendPhoto: %w", err)
	}
	defer file.Close()

	id, channel := t.chat()
	photo := tgbotapi.NewPhoto(id, tgbotapi.FileReader{Name: filepath.Base(path), Reader: file})
	photo.ChannelUsername = channel
	photo.Caption = caption
	return t.send(ctx, "sendPhoto", photo)
}

// SendVideo uploads a video file.
func (t *Telegram) SendVideo(ctx context.Context, path, caption string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram sendVideo: %w", err)
	}
	defer file.Close()

	id, channel := t.chat()
	video := tgbotapi.NewVideo(id, tgbotapi.FileReader{Name: filepath.Base(path), Reader: file})
	video.ChannelUsername = channel
	video.Caption = caption
	return t.send(ctx, "sendVideo", video)
}

// Name identifies the sink in logs and delivery records.
func (t *Telegram) Name() string { return "telegram" }

// Deliver routes a notification to the matching Bot API method.
func (t *Telegram) Deliver(ctx context.Context, n Notification) error {
	switch n.Kind {
	case KindMessage:
		return t.SendMessage(ctx, n.Text)
	case KindPhoto:
		return t.SendPhoto(ctx, n.Path, n.Text)
	case KindVideo:
		return t.SendVideo(ctx, n.Path, n.Text)
	default:
		return fmt.Errorf("telegram: unsupported notification kind %q", n.Kind)
	}
}
