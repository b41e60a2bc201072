package whatsapp

import (
	"strings"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// ConnectionState is the channel connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateLoggedOut    ConnectionState = "logged_out"
)

func (w *WhatsApp) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		w.handleMessage(evt)
	case *events.Connected:
		w.setState(StateConnected)
		w.connected.Store(true)
		w.errorCount.Store(0)
		w.logger.Info("connected", "jid", w.clientJID())
	case *events.Disconnected:
		previous := w.getState()
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Warn("disconnected")
		if previous == StateConnected && w.ctx != nil && w.ctx.Err() == nil {
			go w.reconnect()
		}
	case *events.LoggedOut:
		w.setState(StateLoggedOut)
		w.connected.Store(false)
		w.logger.Error("session logged out on the phone, pairing required", "reason", evt.Reason)
	case *events.StreamReplaced:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Warn("session replaced by another connection")
	}
}

func (w *WhatsApp) handleMessage(evt *events.Message) {
	w.lastMessageAt.Store(time.Now().UnixNano())

	if evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	if evt.Info.IsGroup && !w.cfg.RespondToGroups {
		return
	}

	content := textContent(evt.Message)
	if strings.TrimSpace(content) == "" {
		return
	}

	sender := evt.Info.Sender
	if sender.Server == types.HiddenUserServer && w.client != nil && w.client.Store != nil {
		if alt, err := w.client.Store.GetAltJID(w.ctx, sender); err == nil && !alt.IsEmpty() {
			sender = alt
		}
	}

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   "whatsapp",
		From:      sender.ToNonAD().String(),
		FromName:  evt.Info.PushName,
		ChatID:    evt.Info.Chat.String(),
		IsGroup:   evt.Info.IsGroup,
		Content:   content,
		Timestamp: evt.Info.Timestamp,
	}
	w.emit(msg)
}

// emit hands msg to the receive loop, dropping it when the buffer is full.
func (w *WhatsApp) emit(msg *channels.IncomingMessage) {
	defer func() {
		// Disconnect may have closed the channel.
		_ = recover()
	}()
	select {
	case w.messages <- msg:
	default:
		w.logger.Warn("incoming buffer full, dropping message", "from", msg.From)
	}
}

// textContent extracts the text of conversation, extended text and captioned
// media messages.
func textContent(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	switch {
	case m.Conversation != nil:
		return m.GetConversation()
	case m.ExtendedTextMessage != nil:
		return m.GetExtendedTextMessage().GetText()
	case m.ImageMessage != nil:
		return m.GetImageMessage().GetCaption()
	case m.VideoMessage != nil:
		return m.GetVideoMessage().GetCaption()
	case m.DocumentMessage != nil:
		return m.GetDocumentMessage().GetCaption()
	}
	return ""
}

func buildTextMessage(text, replyTo string) *waE2E.Message {
	if replyTo == "" {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID: proto.String(replyTo),
			},
		},
	}
}
