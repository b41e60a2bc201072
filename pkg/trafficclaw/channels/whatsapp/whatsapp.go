// Package whatsapp implements the WhatsApp channel on whatsmeow.
//
// The same connection carries the owner's conversation with the copilot and
// the outbound messages sent to clients (reminders, charges, manual texts).
// The session is persisted in SQLite and linked with a QR code on first run.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/channels"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds WhatsApp channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// SessionDir holds whatsapp.db when DatabasePath is empty.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath stores the session tables in an existing SQLite file.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// RespondToGroups lets owners talk to the copilot from group chats.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// ReconnectBackoff is the initial reconnect interval.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts stops reconnecting after n failures (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns the channel defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:           "./data/whatsapp",
		DeviceName:           "TrafficClaw",
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// sessionDSN returns the sqlstore connection string for cfg.
func (c Config) sessionDSN() string {
	path := c.DatabasePath
	if path == "" {
		path = filepath.Join(c.SessionDir, "whatsapp.db")
	}
	return fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", path)
}

// WhatsApp is the whatsmeow-backed channel.
type WhatsApp struct {
	cfg    Config
	logger *slog.Logger
	client *whatsmeow.Client

	messages chan *channels.IncomingMessage

	ctx    context.Context
	cancel context.CancelFunc

	state         atomic.Value
	connected     atomic.Bool
	reconnecting  atomic.Bool
	errorCount    atomic.Int64
	lastMessageAt atomic.Int64

	qrMu    sync.Mutex
	qrCodes []chan string

	closeOnce sync.Once
}

var _ channels.Channel = (*WhatsApp)(nil)

// New creates a WhatsApp channel. Connect must be called before use.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "TrafficClaw"
	}
	w := &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 128),
	}
	w.setState(StateDisconnected)
	return w
}

func (w *WhatsApp) Name() string { return "whatsapp" }

func (w *WhatsApp) getState() ConnectionState {
	if s, ok := w.state.Load().(ConnectionState); ok {
		return s
	}
	return StateDisconnected
}

func (w *WhatsApp) setState(s ConnectionState) { w.state.Store(s) }

// State returns the current connection state.
func (w *WhatsApp) State() ConnectionState { return w.getState() }

// Connect opens the session. Without a linked device the QR login runs in
// the background and codes are delivered to SubscribeQR listeners.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.setState(StateConnecting)

	container, err := sqlstore.New(w.ctx, "sqlite3", w.cfg.sessionDSN(), waLog.Noop)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		w.setState(StateWaitingQR)
		w.logger.Info("no linked session, waiting for QR pairing")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("QR login did not complete", "err", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}
	w.connected.Store(true)
	w.logger.Info("connected with existing session", "jid", w.clientJID())
	return nil
}

// Disconnect closes the connection and the incoming stream.
func (w *WhatsApp) Disconnect() error {
	w.setState(StateDisconnected)
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	w.closeOnce.Do(func() { close(w.messages) })

	w.qrMu.Lock()
	for _, ch := range w.qrCodes {
		close(ch)
	}
	w.qrCodes = nil
	w.qrMu.Unlock()

	w.logger.Info("disconnected")
	return nil
}

// Send delivers a text message. to is a phone number or a full JID.
func (w *WhatsApp) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !w.connected.Load() || w.client == nil {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("%w %q: %v", channels.ErrInvalidRecipient, to, err)
	}
	if _, err := w.client.SendMessage(ctx, jid, buildTextMessage(msg.Content, msg.ReplyTo)); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SendText sends a plain text to a phone number.
func (w *WhatsApp) SendText(ctx context.Context, phone, text string) error {
	return w.Send(ctx, phone, &channels.OutgoingMessage{Content: text})
}

func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage { return w.messages }

func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// NeedsQR reports whether the session still has to be linked.
func (w *WhatsApp) NeedsQR() bool {
	return w.client != nil && w.client.Store.ID == nil && !w.connected.Load()
}

func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		ErrorCount: int(w.errorCount.Load()),
		Details: map[string]any{
			"state": string(w.getState()),
			"jid":   w.clientJID(),
		},
	}
	if ts := w.lastMessageAt.Load(); ts > 0 {
		h.LastMessageAt = time.Unix(0, ts)
	}
	return h
}

// SubscribeQR returns a stream of QR codes to render for pairing, and a
// function that unsubscribes.
func (w *WhatsApp) SubscribeQR() (<-chan string, func()) {
	ch := make(chan string, 4)
	w.qrMu.Lock()
	w.qrCodes = append(w.qrCodes, ch)
	w.qrMu.Unlock()

	return ch, func() {
		w.qrMu.Lock()
		defer w.qrMu.Unlock()
		for i, c := range w.qrCodes {
			if c == ch {
				w.qrCodes = append(w.qrCodes[:i], w.qrCodes[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (w *WhatsApp) notifyQR(code string) {
	w.qrMu.Lock()
	defer w.qrMu.Unlock()
	for _, ch := range w.qrCodes {
		select {
		case ch <- code:
		default:
		}
	}
}

func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return errors.New("QR channel closed")
			}
			switch evt.Event {
			case "code":
				w.setState(StateWaitingQR)
				w.logger.Info("QR code ready")
				w.notifyQR(evt.Code)
			case "success":
				w.connected.Store(true)
				w.setState(StateConnected)
				w.logger.Info("device linked", "jid", w.clientJID())
				return nil
			case "timeout":
				w.setState(StateDisconnected)
				return errors.New("QR code expired")
			default:
				if evt.Error != nil {
					w.setState(StateDisconnected)
					return fmt.Errorf("QR login: %w", evt.Error)
				}
			}
		}
	}
}

// reconnect retries Connect with exponential backoff until it succeeds,
// the channel is closed, or MaxReconnectAttempts is reached.
func (w *WhatsApp) reconnect() {
	if !w.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer w.reconnecting.Store(false)

	w.setState(StateReconnecting)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.ReconnectBackoff
	b.MaxInterval = 5 * time.Minute

	opts := []backoff.RetryOption{backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0)}
	if w.cfg.MaxReconnectAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(w.cfg.MaxReconnectAttempts)))
	}

	attempt := 0
	_, err := backoff.Retry(w.ctx, func() (struct{}, error) {
		attempt++
		if w.client == nil {
			return struct{}{}, backoff.Permanent(errors.New("client not initialized"))
		}
		if w.client.IsConnected() {
			w.client.Disconnect()
		}
		if err := w.client.Connect(); err != nil {
			w.logger.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, opts...)
	if err != nil {
		w.setState(StateDisconnected)
		w.logger.Error("giving up reconnecting", "attempts", attempt, "err", err)
	}
}

func (w *WhatsApp) clientJID() string {
	if w.client == nil || w.client.Store == nil || w.client.Store.ID == nil {
		return ""
	}
	return w.client.Store.ID.String()
}

// parseJID accepts a bare phone number in any formatting or a full JID.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, errors.New("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// PhoneFromJID returns the user part of a JID, which is the phone number
// for regular accounts.
func PhoneFromJID(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}
