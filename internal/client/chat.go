package client

import (
	"bufio"
	"context"
	"crypto/ecdh"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"securechat/internal/admission"
	"securechat/internal/apperror"
	"securechat/internal/clock"
	"securechat/internal/crypto"
	"securechat/internal/logger"
	"securechat/internal/protocol"
)

const chatHelp = `commands:
  /pending               list join requests
  /approve <n|conn>      send the room key to a candidate
  /reject <n|conn> [why] turn a candidate away
  /ttl <duration|off>    expire your next messages, e.g. /ttl 10m
  /members               who is in the room
  /quit                  leave the room`

// ChatOptions configures a Chat.
type ChatOptions struct {
	Out        io.Writer
	PendingTTL time.Duration
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Chat is an admitted member's terminal view of a room. Every member holds
// the room key, so every member can approve candidates.
type Chat struct {
	session  *Session
	roomID   string
	roomName string
	roomKey  []byte
	approver *admission.Approver
	clock    clock.Clock
	log      *zap.Logger

	mu      sync.Mutex
	out     io.Writer
	ttl     *int64
	members map[string]string
	seen    map[string]struct{}
}

// NewChat wraps an admitted session.
func NewChat(s *Session, joined *protocol.RoomJoined, roomKey []byte, identity *ecdh.PrivateKey, opts ChatOptions) (*Chat, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	approver, err := admission.NewApprover(joined.RoomID, roomKey, identity, admission.ApproverOptions{
		PendingTTL: opts.PendingTTL,
		Clock:      opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	c := &Chat{
		session:  s,
		roomID:   joined.RoomID,
		roomName: joined.RoomName,
		roomKey:  roomKey,
		approver: approver,
		clock:    opts.Clock,
		log:      logger.OrNop(opts.Logger).Named("chat"),
		out:      opts.Out,
		members:  make(map[string]string, len(joined.Members)),
		seen:     make(map[string]struct{}),
	}
	for _, m := range joined.Members {
		c.members[m.ConnectionID] = m.Nickname
	}
	return c, nil
}

// Run handles frames from the relay and lines from in until /quit, EOF on
// in, or the session dies.
func (c *Chat) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	sessionErr := make(chan error, 1)
	go func() {
		for {
			f, err := c.session.Next(ctx)
			if err != nil {
				sessionErr <- err
				return
			}
			c.Handle(f)
		}
	}()

	c.printf("* joined %q as one of %d members. /help for commands", c.roomName, c.memberCount())
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return c.leave(ctx)
			}
			quit, err := c.Command(ctx, line)
			if err != nil {
				c.printf("! %s", describe(err))
			}
			if quit {
				return c.leave(ctx)
			}
		case err := <-sessionErr:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Handle renders one relay frame.
func (c *Chat) Handle(f protocol.ServerFrame) {
	switch f := f.(type) {
	case protocol.MessageHistory:
		if len(f.Messages) > 0 {
			c.printf("* %d earlier messages", len(f.Messages))
		}
		for _, m := range f.Messages {
			c.render(m)
		}
	case protocol.ReceiveMessage:
		c.render(f.Message)
	case protocol.NewUserRequest:
		if !c.approver.Add(f) {
			return
		}
		c.printf("* %s wants to join (/approve %s or /reject %s)", f.Nickname, f.ConnectionID, f.ConnectionID)
	case protocol.Presence:
		c.presence(f)
	case protocol.Error:
		c.printf("! %s: %s", f.Code, f.Message)
	default:
		c.log.Debug("ignoring frame", zap.String("kind", string(f.Kind())))
	}
}

// Command runs one line of input. Lines that are not commands are sent as
// messages.
func (c *Chat) Command(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, c.send(ctx, line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		c.printf("%s", chatHelp)
	case "/pending":
		c.listPending()
	case "/members":
		c.listMembers()
	case "/approve":
		if len(fields) < 2 {
			return false, apperror.InvalidInput("usage: /approve <n|conn>")
		}
		return false, c.approve(ctx, fields[1])
	case "/reject":
		if len(fields) < 2 {
			return false, apperror.InvalidInput("usage: /reject <n|conn> [reason]")
		}
		return false, c.reject(ctx, fields[1], strings.Join(fields[2:], " "))
	case "/ttl":
		if len(fields) != 2 {
			return false, apperror.InvalidInput("usage: /ttl <duration|off>")
		}
		return false, c.setTTL(fields[1])
	default:
		return false, apperror.InvalidInput(fmt.Sprintf("unknown command %s", fields[0]))
	}
	return false, nil
}

func (c *Chat) send(ctx context.Context, text string) error {
	ct, nonce, err := crypto.Encrypt(c.roomKey, []byte(text))
	if err != nil {
		return err
	}
	c.mu.Lock()
	ttl := c.ttl
	c.mu.Unlock()
	return c.session.Send(ctx, protocol.SendMessage{RoomID: c.roomID, Ciphertext: ct, Nonce: nonce, TTL: ttl})
}

func (c *Chat) approve(ctx context.Context, ref string) error {
	req, err := c.resolve(ref)
	if err != nil {
		return err
	}
	frame, err := c.approver.Approve(req.ConnectionID)
	if err != nil {
		return err
	}
	if err := c.session.Send(ctx, frame); err != nil {
		return err
	}
	c.printf("* approved %s", req.Nickname)
	return nil
}

func (c *Chat) reject(ctx context.Context, ref, reason string) error {
	req, err := c.resolve(ref)
	if err != nil {
		return err
	}
	frame, err := c.approver.Reject(req.ConnectionID, reason)
	if err != nil {
		return err
	}
	if err := c.session.Send(ctx, frame); err != nil {
		return err
	}
	c.printf("* rejected %s", req.Nickname)
	return nil
}

// resolve accepts a 1-based index into /pending or a connection id.
func (c *Chat) resolve(ref string) (admission.PendingRequest, error) {
	pending := c.approver.List()
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(pending) {
			return admission.PendingRequest{}, admission.ErrNoSuchRequest
		}
		return pending[n-1], nil
	}
	for _, p := range pending {
		if p.ConnectionID == ref {
			return p, nil
		}
	}
	return admission.PendingRequest{}, admission.ErrNoSuchRequest
}

func (c *Chat) setTTL(arg string) error {
	if arg == "off" {
		c.mu.Lock()
		c.ttl = nil
		c.mu.Unlock()
		c.printf("* messages no longer expire")
		return nil
	}
	d, err := time.ParseDuration(arg)
	if err != nil || d < time.Second {
		return apperror.InvalidInput("ttl must be a duration of at least 1s, e.g. 30s or 10m")
	}
	secs := int64(d / time.Second)
	c.mu.Lock()
	c.ttl = &secs
	c.mu.Unlock()
	c.printf("* new messages expire after %s", time.Duration(secs)*time.Second)
	return nil
}

func (c *Chat) listPending() {
	pending := c.approver.List()
	if len(pending) == 0 {
		c.printf("* no pending requests")
		return
	}
	now := c.clock.Now()
	for i, p := range pending {
		c.printf("  %d. %s (%s) %s ago", i+1, p.Nickname, p.ConnectionID, now.Sub(p.ReceivedAt).Truncate(time.Second))
	}
}

func (c *Chat) listMembers() {
	c.mu.Lock()
	names := make([]string, 0, len(c.members))
	for _, n := range c.members {
		names = append(names, n)
	}
	c.mu.Unlock()
	sort.Strings(names)
	c.printf("* members: %s", strings.Join(names, ", "))
}

func (c *Chat) presence(p protocol.Presence) {
	switch p.Event {
	case protocol.KindUserJoined:
		c.mu.Lock()
		c.members[p.ConnectionID] = p.Nickname
		c.mu.Unlock()
		c.printf("* %s joined", p.Nickname)
	case protocol.KindUserLeft:
		c.mu.Lock()
		delete(c.members, p.ConnectionID)
		c.mu.Unlock()
		c.approver.Dismiss(p.ConnectionID)
		c.printf("* %s left", p.Nickname)
	case protocol.KindTyping:
		c.printf("* %s is typing", p.Nickname)
	}
}

func (c *Chat) render(m protocol.Message) {
	// a message sent while we joined can arrive both in history and live
	if m.ID != "" {
		c.mu.Lock()
		_, dup := c.seen[m.ID]
		c.seen[m.ID] = struct{}{}
		c.mu.Unlock()
		if dup {
			return
		}
	}
	if m.ExpiresAt != nil && c.clock.Now().UnixMilli() >= *m.ExpiresAt {
		c.log.Debug("dropping expired message", zap.String("id", m.ID))
		return
	}
	at := time.UnixMilli(m.Timestamp).Format("15:04")
	plain, err := crypto.Decrypt(c.roomKey, m.Ciphertext, m.Nonce)
	if err != nil {
		c.printf("[%s] %s: <undecryptable>", at, m.SenderName)
		return
	}
	line := fmt.Sprintf("[%s] %s: %s", at, m.SenderName, plain)
	if m.ExpiresAt != nil {
		line += fmt.Sprintf(" (expires %s)", time.UnixMilli(*m.ExpiresAt).Format("15:04"))
	}
	c.printf("%s", line)
}

func (c *Chat) leave(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.session.Send(ctx, protocol.LeaveRoom{RoomID: c.roomID}); err != nil {
		c.log.Debug("leave not sent", zap.Error(err))
	}
	return nil
}

func (c *Chat) memberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

func (c *Chat) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func describe(err error) string {
	if code := apperror.CodeOf(err); code != apperror.CodeUnknown {
		return apperror.MessageOf(err)
	}
	return err.Error()
}
