package commands

import (
	"context"
	"crypto/ecdh"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"securechat/internal/apperror"
	"securechat/internal/client"
	"securechat/internal/crypto"
	"securechat/internal/keystore"
	"securechat/internal/protocol"
)

const dialTimeout = 10 * time.Second

func (a *app) dial(ctx context.Context) (*client.Session, error) {
	wsURL, err := a.api.WebSocketURL()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return client.Dial(ctx, wsURL, a.log)
}

// subscribe joins the room's broadcast group and waits for the member list
// and the history replay that follows it. Frames that arrive meanwhile are
// returned so the chat can render them.
func subscribe(ctx context.Context, s *client.Session, roomID, nickname string, identity *ecdh.PrivateKey) (*protocol.RoomJoined, []protocol.ServerFrame, error) {
	err := s.Send(ctx, protocol.JoinRoom{
		RoomID:    roomID,
		Nickname:  nickname,
		PublicKey: crypto.ExportPublicJWK(identity.PublicKey()),
	})
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	var (
		joined *protocol.RoomJoined
		early  []protocol.ServerFrame
	)
	for {
		f, err := s.Next(ctx)
		if err != nil {
			return nil, nil, err
		}
		switch f := f.(type) {
		case protocol.RoomJoined:
			joined = &f
			continue
		case protocol.MessageHistory:
			if joined != nil {
				return joined, append(early, f), nil
			}
		case protocol.Error:
			if f.Ref == protocol.KindJoinRoom {
				return nil, nil, apperror.New(apperror.Code(f.Code), f.Message)
			}
		}
		early = append(early, f)
	}
}

// enter runs the chat until the user quits.
func (a *app) enter(ctx context.Context, s *client.Session, joined *protocol.RoomJoined, roomKey []byte, identity *ecdh.PrivateKey, early []protocol.ServerFrame, in io.Reader, out io.Writer) error {
	chat, err := client.NewChat(s, joined, roomKey, identity, client.ChatOptions{Out: out, Logger: a.log})
	if err != nil {
		return err
	}
	for _, f := range early {
		chat.Handle(f)
	}
	return chat.Run(ctx, in)
}

// save stores the room secrets when a passphrase was given.
func (a *app) save(out io.Writer, e keystore.Entry) {
	if a.passphrase() == "" {
		return
	}
	e.Relay = a.api.Base
	if err := a.keys.Save(a.passphrase(), e); err != nil {
		a.log.Warn("room keys not saved", zap.Error(err))
		fmt.Fprintf(out, "! could not save room keys: %v\n", err)
		return
	}
	fmt.Fprintln(out, "* room keys saved; use `securechat resume` to come back")
}
