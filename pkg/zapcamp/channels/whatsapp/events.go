// Package whatsapp – events.go normalizes whatsmeow events into the
// unified InboundEvent the collector consumes. The same inbound message can
// arrive through more than one event type; normalization keeps the platform
// message ID so the collector's seen-cache can drop the duplicate.
package whatsapp

import (
	"fmt"
	"strings"

	"github.com/zapcamp/zapcamp/pkg/zapcamp/channels"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/queue"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// handleEvent is the main whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.connected.Store(true)
		w.errorCount.Store(0)
		w.reconnectAttempts.Store(0)
		w.logger.Info("whatsapp: connected", "jid", w.clientJID())

	case *events.Disconnected:
		wasConnected := w.connected.Load()
		w.connected.Store(false)
		w.logger.Warn("whatsapp: disconnected", "was_connected", wasConnected)
		if wasConnected && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.StreamReplaced:
		w.connected.Store(false)
		w.logger.Error("whatsapp: stream replaced - another device connected")

	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("whatsapp: logged out, QR scan required", "reason", evt.Reason.String())

	case *events.KeepAliveTimeout:
		w.errorCount.Add(1)
		if evt.ErrorCount >= 3 && w.connected.Load() {
			w.logger.Error("whatsapp: keep-alive failed repeatedly, forcing reconnection",
				"error_count", evt.ErrorCount)
			w.connected.Store(false)
			go w.attemptReconnect()
		}

	case *events.KeepAliveRestored:
		w.errorCount.Store(0)

	case *events.TemporaryBan:
		w.connected.Store(false)
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)
	}
}

// handleMessageEvt turns an incoming WhatsApp message into an InboundEvent.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	kind, content, ok := extractContent(evt.Message)
	if !ok {
		// Reactions, protocol messages, unsupported types.
		return
	}

	// Resolve LID (Linked Identity) chats to phone JIDs so the
	// conversation key is stable across both formats.
	chatJID := evt.Info.Chat
	address := chatJID.String()
	if chatJID.Server == "lid" && w.client != nil && w.client.Store != nil {
		if altJID, err := w.client.Store.GetAltJID(w.ctx, chatJID); err == nil && !altJID.IsEmpty() {
			address = altJID.String()
		}
	}

	inbound := &channels.InboundEvent{
		EventID: string(evt.Info.ID),
		Key: queue.ConversationKey{
			Endpoint: Name,
			Address:  address,
		},
		SenderName: evt.Info.PushName,
		Kind:       kind,
		Content:    content,
		FromSelf:   evt.Info.IsFromMe,
		Broadcast:  evt.Info.Chat.Server == "broadcast",
		Group:      evt.Info.IsGroup,
		Timestamp:  evt.Info.Timestamp,
	}

	if w.cfg.AutoRead && !inbound.FromSelf {
		go func() {
			jid := evt.Info.Chat
			_ = w.client.MarkRead(w.ctx, []types.MessageID{evt.Info.ID}, evt.Info.Timestamp, jid, jid)
		}()
	}

	w.emit(inbound)
}

// extractContent maps the WhatsApp message payload to a kind and text
// content. Returns ok=false for message types the queue does not buffer.
func extractContent(waMsg *waE2E.Message) (queue.ItemKind, string, bool) {
	if waMsg == nil {
		return "", "", false
	}

	if waMsg.Conversation != nil {
		return queue.ItemText, waMsg.GetConversation(), true
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		return queue.ItemText, ext.GetText(), true
	}
	if img := waMsg.ImageMessage; img != nil {
		return queue.ItemImage, img.GetCaption(), true
	}
	if audio := waMsg.AudioMessage; audio != nil {
		if audio.GetPTT() {
			return queue.ItemAudio, "voice note", true
		}
		return queue.ItemAudio, "", true
	}
	if doc := waMsg.DocumentMessage; doc != nil {
		return queue.ItemDocument, doc.GetFileName(), true
	}
	return "", "", false
}

// parseJID converts a string to types.JID. Accepts "5511999999999",
// "5511999999999@s.whatsapp.net" or group IDs like "123456789@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	// Bare phone number — strip non-digits and add the default server.
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
