// Package telegram implements the Telegram channel using the Bot API
// directly over HTTP.
//
// Features:
//   - Long polling for updates (getUpdates) with exponential backoff
//   - Text, photo, voice, audio, video, document and contact messages
//   - Reply threading with the quoted message forwarded to the core
//   - Rate-limited outbound sends
//   - Reactions (setMessageReaction, Bot API 7.0+)
//   - File URL resolution via getFile
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/channels"
)

// maxMessageRunes is the Bot API limit for one text message.
const maxMessageRunes = 4096

// Config holds Telegram channel configuration.
type Config struct {
	// Token is the Telegram Bot API token (from @BotFather).
	Token string `yaml:"token"`

	// AllowedChats restricts which chat IDs the bot listens to.
	// Empty means every chat.
	AllowedChats []int64 `yaml:"allowed_chats"`

	// RespondToGroups enables group chats.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// RespondToDMs enables direct messages.
	RespondToDMs bool `yaml:"respond_to_dms"`

	// ParseMode is the parse mode of outgoing messages ("HTML", "MarkdownV2"
	// or empty for plain text).
	ParseMode string `yaml:"parse_mode"`

	// SendRate caps outgoing API calls per second (default: 25).
	SendRate float64 `yaml:"send_rate"`

	// PollTimeout is the long-polling timeout (default: 30s).
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// APIBase overrides the Bot API endpoint (default: https://api.telegram.org).
	APIBase string `yaml:"api_base"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RespondToGroups: true,
		RespondToDMs:    true,
		SendRate:        25,
		PollTimeout:     30 * time.Second,
		APIBase:         "https://api.telegram.org",
	}
}

// Telegram implements channels.Channel and channels.ReactionChannel.
type Telegram struct {
	cfg     Config
	logger  *slog.Logger
	client  *http.Client
	limiter *rate.Limiter

	// baseURL is <api>/bot<token>; fileURL is <api>/file/bot<token>.
	baseURL string
	fileURL string

	events chan *channels.Event

	connected  atomic.Bool
	verified   atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	// offset is the last processed update ID + 1. Only the poll loop touches it.
	offset int64

	mu     sync.Mutex
	cancel context.CancelFunc
	polled chan struct{}
	closed bool
}

// New creates a new Telegram channel instance.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.SendRate <= 0 {
		cfg.SendRate = defaults.SendRate
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaults.PollTimeout
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaults.APIBase
	}
	api := strings.TrimRight(cfg.APIBase, "/")
	return &Telegram{
		cfg:    cfg,
		logger: logger.With("component", "telegram"),
		// The client timeout must outlive the long-poll timeout.
		client:  &http.Client{Timeout: cfg.PollTimeout + 30*time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRate), int(cfg.SendRate)+1),
		baseURL: api + "/bot" + cfg.Token,
		fileURL: api + "/file/bot" + cfg.Token,
		events:  make(chan *channels.Event, 256),
	}
}

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect verifies the token and starts the long-polling loop.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return errors.New("telegram: bot token is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return channels.ErrChannelDisconnected
	}
	if t.connected.Load() {
		return nil
	}

	me, err := t.getMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}
	t.logger.Info("telegram: connected", "bot", me.Username, "id", me.ID)
	t.verified.Store(true)

	pollCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.polled = make(chan struct{})
	t.connected.Store(true)
	go t.pollLoop(pollCtx, t.polled)
	return nil
}

// Disconnect stops the polling loop and closes the event stream once the
// loop has exited.
func (t *Telegram) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected.Load() {
		return nil
	}
	t.connected.Store(false)
	t.closed = true
	t.cancel()
	<-t.polled
	close(t.events)
	t.logger.Info("telegram: disconnected")
	return nil
}

// Send sends a text message, splitting it at the Bot API length limit. It
// returns the id of the last message sent. Sending keeps working after
// Disconnect so replies to work flushed during shutdown still go out.
func (t *Telegram) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) (string, error) {
	if !t.verified.Load() {
		return "", channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: invalid chat ID %q: %w", to, err)
	}

	var lastID string
	for i, chunk := range splitMessage(msg.Content, maxMessageRunes) {
		payload := map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		}
		if t.cfg.ParseMode != "" {
			payload["parse_mode"] = t.cfg.ParseMode
		}
		// Only the first chunk is threaded onto the replied message.
		if i == 0 && msg.ReplyTo != "" {
			if msgID, e := strconv.ParseInt(msg.ReplyTo, 10, 64); e == nil {
				payload["reply_parameters"] = map[string]any{
					"message_id":                  msgID,
					"allow_sending_without_reply": true,
				}
			}
		}

		if err := t.limiter.Wait(ctx); err != nil {
			return lastID, fmt.Errorf("telegram: send rate limit: %w", err)
		}
		result, err := t.apiCall(ctx, "sendMessage", payload)
		if err != nil {
			return lastID, err
		}
		var sent tgMessage
		if err := json.Unmarshal(result, &sent); err != nil {
			return lastID, fmt.Errorf("telegram: parsing sendMessage: %w", err)
		}
		lastID = strconv.Itoa(sent.MessageID)
	}
	return lastID, nil
}

// SendReaction reacts to a specific message (Bot API 7.0+).
func (t *Telegram) SendReaction(ctx context.Context, chatID, messageID, emoji string) error {
	if !t.verified.Load() {
		return channels.ErrChannelDisconnected
	}
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", chatID, err)
	}
	mid, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid message ID %q: %w", messageID, err)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = t.apiCall(ctx, "setMessageReaction", map[string]any{
		"chat_id":    cid,
		"message_id": mid,
		"reaction":   []map[string]string{{"type": "emoji", "emoji": emoji}},
	})
	return err
}

// FileURL resolves a file handle into a direct download URL. The URL embeds
// the bot token and must not be logged.
func (t *Telegram) FileURL(ctx context.Context, fileID string) (string, error) {
	if fileID == "" {
		return "", errors.New("telegram: empty file id")
	}
	file, err := t.getFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("telegram: file %s has no download path", fileID)
	}
	return t.fileURL + "/" + file.FilePath, nil
}

// Receive returns the inbound event stream. It is closed by Disconnect.
func (t *Telegram) Receive() <-chan *channels.Event {
	return t.events
}

// IsConnected returns true if the bot is connected.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health status.
func (t *Telegram) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(t.errorCount.Load()),
	}
}

// ---------- Polling ----------

func (t *Telegram) pollLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	t.logger.Info("telegram: polling started")
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			t.logger.Info("telegram: polling stopped")
			return
		}

		updates, err := t.getUpdates(ctx, t.offset, 100, int(t.cfg.PollTimeout/time.Second))
		if err != nil {
			if ctx.Err() != nil {
				t.logger.Info("telegram: polling stopped")
				return
			}
			t.errorCount.Add(1)
			t.logger.Warn("telegram: getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		t.errorCount.Store(0)

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			ev := t.processUpdate(u)
			if ev == nil {
				continue
			}
			t.lastMsg.Store(time.Now())
			select {
			case t.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// processUpdate converts a Telegram update into an Event. It returns nil for
// updates the core does not consume.
func (t *Telegram) processUpdate(u tgUpdate) *channels.Event {
	msg := u.Message
	if msg == nil {
		return nil
	}
	if msg.From != nil && msg.From.IsBot {
		return nil
	}

	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	if len(t.cfg.AllowedChats) > 0 && !slices.Contains(t.cfg.AllowedChats, msg.Chat.ID) {
		return nil
	}
	if isGroup && !t.cfg.RespondToGroups {
		return nil
	}
	if !isGroup && !t.cfg.RespondToDMs {
		return nil
	}

	kind, payload, contact := classifyContent(msg)
	if kind == "" {
		t.logger.Debug("telegram: ignoring unsupported message", "msg_id", msg.MessageID)
		return nil
	}

	key := channels.ActorKey{
		Channel: "telegram",
		ChatID:  strconv.FormatInt(msg.Chat.ID, 10),
	}
	var senderName string
	if msg.From != nil {
		key.UserID = strconv.FormatInt(msg.From.ID, 10)
		senderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if senderName == "" {
			senderName = msg.From.Username
		}
	}

	ev := &channels.Event{
		ID:         strconv.Itoa(msg.MessageID),
		Key:        key,
		Kind:       kind,
		Text:       msg.Text,
		SenderName: senderName,
		Payload:    payload,
		Contact:    contact,
		IsGroup:    isGroup,
		Timestamp:  time.Unix(int64(msg.Date), 0),
	}
	if ev.Text == "" {
		ev.Text = msg.Caption
	}

	if reply := msg.ReplyToMessage; reply != nil {
		ev.ReplyTo = strconv.Itoa(reply.MessageID)
		quotedKind, _, _ := classifyContent(reply)
		quotedText := reply.Text
		if quotedText == "" {
			quotedText = reply.Caption
		}
		if quotedText != "" || quotedKind != "" {
			ev.Quoted = &channels.Quoted{Text: quotedText, Kind: quotedKind}
		}
	}
	return ev
}

// classifyContent maps a message to its event kind. Stickers and other
// unsupported content yield an empty kind.
func classifyContent(msg *tgMessage) (channels.EventKind, *channels.Payload, *channels.Contact) {
	switch {
	case len(msg.Photo) > 0:
		// The largest size is last.
		photo := msg.Photo[len(msg.Photo)-1]
		return channels.KindImage, &channels.Payload{
			FileID:   photo.FileID,
			MimeType: "image/jpeg",
			Size:     int64(photo.FileSize),
		}, nil
	case msg.Voice != nil:
		return channels.KindVoice, &channels.Payload{
			FileID:   msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
			Size:     int64(msg.Voice.FileSize),
			Duration: time.Duration(msg.Voice.Duration) * time.Second,
			Filename: "voice.ogg",
		}, nil
	case msg.Audio != nil:
		return channels.KindVoice, &channels.Payload{
			FileID:   msg.Audio.FileID,
			MimeType: msg.Audio.MimeType,
			Size:     int64(msg.Audio.FileSize),
			Duration: time.Duration(msg.Audio.Duration) * time.Second,
			Filename: msg.Audio.FileName,
		}, nil
	case msg.Video != nil:
		return channels.KindVideo, &channels.Payload{
			FileID:   msg.Video.FileID,
			MimeType: msg.Video.MimeType,
			Size:     int64(msg.Video.FileSize),
			Duration: time.Duration(msg.Video.Duration) * time.Second,
		}, nil
	case msg.VideoNote != nil:
		return channels.KindVideo, &channels.Payload{
			FileID:   msg.VideoNote.FileID,
			Size:     int64(msg.VideoNote.FileSize),
			Duration: time.Duration(msg.VideoNote.Duration) * time.Second,
		}, nil
	case msg.Document != nil:
		return channels.KindDocument, &channels.Payload{
			FileID:   msg.Document.FileID,
			MimeType: msg.Document.MimeType,
			Size:     int64(msg.Document.FileSize),
			Filename: msg.Document.FileName,
		}, nil
	case msg.Contact != nil:
		name := strings.TrimSpace(msg.Contact.FirstName + " " + msg.Contact.LastName)
		return channels.KindContact, nil, &channels.Contact{
			DisplayName: name,
			Phone:       msg.Contact.PhoneNumber,
			VCard:       msg.Contact.VCard,
		}
	case msg.Text != "":
		return channels.KindText, nil, nil
	}
	return "", nil, nil
}

// splitMessage cuts s into chunks of at most limit runes, preferring line
// breaks as cut points.
func splitMessage(s string, limit int) []string {
	runes := []rune(s)
	if len(runes) <= limit {
		return []string{s}
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// ---------- Telegram Bot API Types ----------

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID      int          `json:"message_id"`
	From           *tgUser      `json:"from"`
	Chat           tgChat       `json:"chat"`
	Date           int          `json:"date"`
	Text           string       `json:"text"`
	Caption        string       `json:"caption"`
	ReplyToMessage *tgMessage   `json:"reply_to_message"`
	Photo          []tgPhoto    `json:"photo"`
	Audio          *tgAudio     `json:"audio"`
	Voice          *tgMedia     `json:"voice"`
	Video          *tgMedia     `json:"video"`
	VideoNote      *tgMedia     `json:"video_note"`
	Document       *tgDocument  `json:"document"`
	Contact        *tgContact   `json:"contact"`
	Sticker        *tgFileBrief `json:"sticker"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	IsBot     bool   `json:"is_bot"`
}

type tgChat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"` // "private", "group", "supergroup", "channel"
	Title string `json:"title"`
}

type tgFileBrief struct {
	FileID   string `json:"file_id"`
	FileSize int    `json:"file_size"`
}

type tgPhoto struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int    `json:"file_size"`
}

type tgMedia struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type"`
	FileSize int    `json:"file_size"`
}

type tgAudio struct {
	tgMedia
	FileName string `json:"file_name"`
}

type tgDocument struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	FileSize int    `json:"file_size"`
}

type tgContact struct {
	PhoneNumber string `json:"phone_number"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	VCard       string `json:"vcard"`
}

type tgFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileSize int    `json:"file_size"`
}

type tgBotUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// ---------- API Helpers ----------

// apiCall makes a POST request to the Telegram Bot API.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the token; report the method only.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

// getMe verifies the bot token and returns bot info.
func (t *Telegram) getMe(ctx context.Context) (*tgBotUser, error) {
	data, err := t.apiCall(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user tgBotUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

// getUpdates fetches new updates using long polling.
func (t *Telegram) getUpdates(ctx context.Context, offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	data, err := t.apiCall(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}

// getFile retrieves file info for downloading.
func (t *Telegram) getFile(ctx context.Context, fileID string) (*tgFile, error) {
	data, err := t.apiCall(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var file tgFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("telegram: parsing getFile: %w", err)
	}
	return &file, nil
}
