package ws

import (
	"github.com/pliu/adyx/internal/admission"
	"github.com/pliu/adyx/internal/models"
	"github.com/pliu/adyx/internal/rooms"
	"go.uber.org/zap"
)

var (
	securityAlerts = map[string]bool{
		"screenshot":       true,
		"screen_recording": true,
		"app_backgrounded": true,
		"clipboard_copy":   true,
		"devtools_open":    true,
	}

	reactions = map[string]bool{
		"❤️": true,
		"👍":  true,
		"😂":  true,
		"😮":  true,
		"😢":  true,
		"🔥":  true,
	}

	disappearDurations = map[int]bool{
		0:    true,
		5:    true,
		30:   true,
		60:   true,
		300:  true,
		3600: true,
	}
)

// route dispatches one inbound frame from c.
func (rl *Relay) route(c *client, f *models.Frame) {
	switch f.Type {
	case models.TypeText, models.TypeImage, models.TypeFile:
		rl.relayPayload(c, f)
	case models.TypeTyping:
		if f.IsTyping == nil {
			rl.invalid(c, "typing requires isTyping")
			return
		}
		rl.touch(c)
		rl.forward(c, &models.Frame{Type: models.TypeTyping, IsTyping: f.IsTyping})
	case models.TypeReaction:
		id := admission.SanitizeToken(f.MessageID, admission.MaxMessageIDLength)
		if !reactions[f.Emoji] || id == "" {
			rl.invalid(c, "unsupported reaction")
			return
		}
		rl.touch(c)
		rl.forward(c, &models.Frame{Type: models.TypeReaction, Emoji: f.Emoji, MessageID: id})
	case models.TypeSecurityAlert:
		if !securityAlerts[f.AlertType] {
			rl.invalid(c, "unknown alert type")
			return
		}
		rl.touch(c)
		rl.forward(c, &models.Frame{Type: models.TypeSecurityAlert, AlertType: f.AlertType, Timestamp: models.NowMillis()})
	case models.TypeDisappear:
		rl.disappear(c, f)
	case models.TypeRoomEnd:
		if rl.registry.Delete(c.room, models.CloseRoomEnded, rooms.ReasonEndedByPeer) {
			rl.metrics.RoomEnded(rooms.ReasonEndedByPeer)
			rl.metrics.SetRooms(rl.registry.Len())
			c.log.Debug("room ended by participant")
		}
	case models.TypePing:
		c.sendFrame(&models.Frame{Type: models.TypePong, Timestamp: f.Timestamp})
	case models.TypeCanary:
		c.sendFrame(&models.Frame{Type: models.TypeCanaryAck, Timestamp: models.NowMillis()})
	default:
		rl.invalid(c, "unknown frame type")
	}
}

// relayPayload forwards an opaque envelope and acknowledges it to the
// sender: delivered if a live peer took it, receipt otherwise.
func (rl *Relay) relayPayload(c *client, f *models.Frame) {
	if f.Ciphertext == "" || f.IV == "" || f.Signature == "" || f.Nonce == "" {
		rl.invalid(c, "incomplete envelope")
		return
	}
	id := admission.SanitizeToken(f.ID, admission.MaxMessageIDLength)

	out := &models.Frame{
		Type:       f.Type,
		Ciphertext: f.Ciphertext,
		IV:         f.IV,
		Signature:  f.Signature,
		Nonce:      f.Nonce,
		ID:         id,
		Timestamp:  f.Timestamp,
		From:       c.role,
	}
	if out.Timestamp == 0 {
		out.Timestamp = models.NowMillis()
	}
	if f.Type == models.TypeFile || f.Type == models.TypeImage {
		out.FileName = admission.SanitizeFileName(f.FileName)
		out.FileType = admission.SanitizeToken(f.FileType, admission.MaxFileTypeLength)
		if f.FileSize > 0 {
			out.FileSize = f.FileSize
		}
	}

	c.room.RecordMessage(rl.now())
	ack := models.TypeReceipt
	if rl.deliver(c, out) {
		ack = models.TypeDelivered
	}
	c.sendFrame(&models.Frame{Type: ack, MessageID: id, Timestamp: models.NowMillis()})
}

func (rl *Relay) disappear(c *client, f *models.Frame) {
	if c.role != models.RoleAdmin {
		rl.invalid(c, "only the admin may change disappearing messages")
		return
	}
	if f.Seconds == nil || !disappearDurations[*f.Seconds] {
		rl.invalid(c, "unsupported duration")
		return
	}
	seconds := *f.Seconds
	c.room.SetDisappear(seconds)
	rl.touch(c)

	out := &models.Frame{Type: models.TypeDisappear, Seconds: &seconds}
	rl.forward(c, out)
	out.From = c.role
	c.sendFrame(out)
}

// forward stamps f with the sender's role and hands it to the peer, if
// one is connected. Events are never acknowledged.
func (rl *Relay) forward(c *client, f *models.Frame) {
	rl.deliver(c, f)
}

func (rl *Relay) deliver(c *client, f *models.Frame) bool {
	f.From = c.role
	peer := c.room.Peer(c.role)
	if peer == nil {
		return false
	}
	if !sendFrame(peer, f, c.log) {
		return false
	}
	rl.metrics.FrameRelayed(string(f.Type))
	return true
}

// touch refreshes the activity clock for non-payload events.
func (rl *Relay) touch(c *client) {
	rl.registry.Touch(c.room)
}

func (rl *Relay) invalid(c *client, message string) {
	rl.metrics.FrameDropped("invalid")
	c.log.Debug("dropped invalid frame", zap.String("detail", message))
	c.sendError(message)
}
