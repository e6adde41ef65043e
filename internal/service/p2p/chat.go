package p2p

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Legatia/Tai/internal/model"
	"github.com/Legatia/Tai/internal/utils/log"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// MaxFileBytes keeps a base64 file message inside one SCTP message.
const MaxFileBytes = 32 * 1024

func (c *Client) SendText(text string) (model.ChatMessage, error) {
	return c.broadcast(model.ChatKindText, text, nil)
}

// SendFileBytes sends a small file inline. Images are tagged as such so the
// receiver can render them.
func (c *Client) SendFileBytes(name string, data []byte) (model.ChatMessage, error) {
	if len(data) > MaxFileBytes {
		return model.ChatMessage{}, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(data), MaxFileBytes)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	kind := model.ChatKindFile
	if strings.HasPrefix(mimeType, "image/") {
		kind = model.ChatKindImage
	}

	return c.broadcast(kind, base64.StdEncoding.EncodeToString(data), map[string]string{
		"name": filepath.Base(name),
		"mime": mimeType,
		"size": strconv.Itoa(len(data)),
	})
}

func (c *Client) SendLocation(lat, lng float64) (model.ChatMessage, error) {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return model.ChatMessage{}, fmt.Errorf("p2p: invalid coordinates %f,%f", lat, lng)
	}
	la := strconv.FormatFloat(lat, 'f', 6, 64)
	lo := strconv.FormatFloat(lng, 'f', 6, 64)
	return c.broadcast(model.ChatKindLocation, la+","+lo, map[string]string{"lat": la, "lng": lo})
}

func (c *Client) broadcast(kind model.ChatKind, content string, metadata map[string]string) (model.ChatMessage, error) {
	select {
	case <-c.closing:
		return model.ChatMessage{}, ErrClosed
	default:
	}

	msg := model.ChatMessage{
		ID:        uuid.NewString(),
		SenderID:  c.cfg.PeerID,
		Timestamp: time.Now().UnixMilli(),
		Kind:      kind,
		Content:   content,
		Metadata:  metadata,
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		return msg, err
	}

	channels := c.openChannels()
	if len(channels) == 0 {
		return msg, ErrNoOpenChannel
	}
	sent := 0
	for _, dc := range channels {
		if err := dc.SendText(string(data)); err != nil {
			log.Warn("chat send failed", zap.String("label", dc.Label()), zap.Error(err))
			continue
		}
		sent++
	}
	if sent == 0 {
		return msg, ErrNoOpenChannel
	}
	return msg, nil
}

func (p *peer) attachChannel(dc *webrtc.DataChannel) {
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		p.inbox.push(dcMessage{data: m.Data})
	})
	p.dc.Store(dc)
}

func (p *peer) onChat(data []byte) {
	var msg model.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn("Unmarshal chat message failed", zap.String("peer", p.id), zap.Error(err))
		return
	}
	if !msg.Kind.Valid() || msg.ID == "" {
		log.Warn("invalid chat message dropped", zap.String("peer", p.id), zap.String("kind", string(msg.Kind)))
		return
	}
	msg.SenderID = p.id
	emit(p.c, p.c.msgCh, msg)
}
