package chat

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"securechat/internal/apperror"
	"securechat/internal/protocol"
	wsocket "securechat/internal/websocket"
)

// HandleWebSocket upgrades the request and starts the connection's pumps
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	// เพิ่ม connection ไปยัง manager
	c, err := h.wsManager.AddConnection(conn)
	if err != nil {
		conn.Close()
		return
	}

	go h.handleWrite(c)
	go h.handleRead(c)
}

// handleRead จัดการการอ่าน frame จาก client
func (h *Handler) handleRead(c *wsocket.Connection) {
	defer func() {
		h.wsManager.RemoveConnection(c.ID)
		c.Conn.Close()
		h.log.Debug("connection closed", zap.String("conn", c.ID))
	}()

	c.Conn.SetReadLimit(h.config.MaxFrameBytes)
	c.Conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		c.Health.RecordPong()
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Info("websocket read error", zap.String("conn", c.ID), zap.Error(err))
			}
			return
		}
		c.Health.RecordActivity()
		h.dispatch(c.ID, raw)
	}
}

// handleWrite drains the connection's send queue and keeps it alive with pings
func (h *Handler) handleWrite(c *wsocket.Connection) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				// Channel ถูกปิดโดย manager
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.Debug("websocket write failed", zap.String("conn", c.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.Health.RecordPing()
		}
	}
}

// dispatch decodes one frame and routes it. Failures go back to the
// originating connection only, and a panic never escapes.
func (h *Handler) dispatch(connID string, raw []byte) {
	var ref protocol.Kind
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("frame handler panicked", zap.String("conn", connID), zap.Any("panic", r), zap.Stack("stack"))
			h.replyError(connID, apperror.Internal("frame handling failed", fmt.Errorf("%v", r)), ref)
		}
	}()

	frame, err := protocol.DecodeClient(raw)
	if err != nil {
		h.replyError(connID, err, "")
		return
	}
	ref = frame.Kind()

	if err := h.handleFrame(connID, frame); err != nil {
		h.replyError(connID, err, ref)
	}
}

func (h *Handler) handleFrame(connID string, frame protocol.ClientFrame) error {
	switch f := frame.(type) {
	case protocol.RequestJoin:
		return h.coordinator.RequestAdmission(connID, f)
	case protocol.ApproveJoin:
		return h.coordinator.ApproveAdmission(connID, f)
	case protocol.RejectJoin:
		return h.coordinator.RejectAdmission(connID, f)
	case protocol.JoinRoom:
		return h.coordinator.Subscribe(connID, f)
	case protocol.LeaveRoom:
		h.coordinator.Leave(connID, f.RoomID)
		return nil
	case protocol.SendMessage:
		if err := h.validator.ValidateCiphertext(f.Ciphertext, f.Nonce); err != nil {
			return err
		}
		return h.relay.Publish(f.RoomID, connID, f.Ciphertext, f.Nonce, f.TTL)
	case protocol.Typing:
		return h.relay.RelayPresence(f.RoomID, connID, protocol.KindTyping)
	case protocol.StopTyping:
		return h.relay.RelayPresence(f.RoomID, connID, protocol.KindStopTyping)
	default:
		return apperror.InvalidInput(fmt.Sprintf("unsupported frame %s", frame.Kind()))
	}
}

func (h *Handler) replyError(connID string, err error, ref protocol.Kind) {
	ef := protocol.ErrorFrame(err, ref)
	if ef.Code == string(apperror.CodeInternal) {
		h.log.Error("frame failed", zap.String("conn", connID), zap.String("ref", string(ref)), zap.Error(err))
	} else {
		h.log.Debug("frame rejected", zap.String("conn", connID), zap.String("ref", string(ref)), zap.String("code", ef.Code))
	}

	out, encErr := protocol.Encode(ef)
	if encErr != nil {
		return
	}
	_ = h.wsManager.SendTo(connID, out)
}
