package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"securechat/internal/logger"
	"securechat/internal/protocol"
)

const defaultWriteTimeout = 10 * time.Second

// ErrClosed is returned once the session's socket is gone.
var ErrClosed = errors.New("session closed")

// Session is one websocket connection to the relay. Send and Next may be
// used from different goroutines.
type Session struct {
	conn *websocket.Conn
	id   string
	log  *zap.Logger

	frames chan protocol.ServerFrame
	done   chan struct{}
	closed chan struct{}
	err    error

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to wsURL and waits for the welcome frame.
func Dial(ctx context.Context, wsURL string, log *zap.Logger) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	frame, err := protocol.DecodeServer(raw)
	if err != nil {
		conn.Close()
		return nil, err
	}
	welcome, ok := frame.(protocol.Welcome)
	if !ok {
		conn.Close()
		if e, isErr := frame.(protocol.Error); isErr {
			return nil, fmt.Errorf("relay refused connection: %s", e.Message)
		}
		return nil, fmt.Errorf("expected welcome, got %s", frame.Kind())
	}

	s := &Session{
		conn:   conn,
		id:     welcome.ConnectionID,
		log:    logger.OrNop(log).Named("session").With(zap.String("conn", welcome.ConnectionID)),
		frames: make(chan protocol.ServerFrame, 64),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// ID is the connection id the relay assigned.
func (s *Session) ID() string { return s.id }

// Send writes one frame.
func (s *Session) Send(ctx context.Context, frame protocol.Framer) error {
	raw, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("send %s: %w", frame.Kind(), err)
	}
	return nil
}

// Next returns the next frame from the relay.
func (s *Session) Next(ctx context.Context) (protocol.ServerFrame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		// frames ที่ค้างอยู่ยังอ่านได้
		select {
		case f := <-s.frames:
			return f, nil
		default:
			return nil, s.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the socket fails or is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close sends a close frame and tears the socket down.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Session) readLoop() {
	defer close(s.done)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.err = ErrClosed
			} else {
				s.err = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			return
		}
		frame, err := protocol.DecodeServer(raw)
		if err != nil {
			s.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		select {
		case s.frames <- frame:
		case <-s.closed:
			s.err = ErrClosed
			return
		}
	}
}
