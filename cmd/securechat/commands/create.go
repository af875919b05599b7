package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"securechat/internal/crypto"
	"securechat/internal/keystore"
)

func createCmd(a *app) *cobra.Command {
	var nickname string
	cmd := &cobra.Command{
		Use:   "create <room name>",
		Short: "Create a room and wait in it for others",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			identity, err := crypto.GenerateIdentity()
			if err != nil {
				return err
			}
			roomKey, err := crypto.GenerateRoomKey()
			if err != nil {
				return err
			}

			created, err := a.api.CreateRoom(ctx, args[0], crypto.ExportPublicJWK(identity.PublicKey()))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "room:    %s\npasskey: %s\nexpires: %s\n\nshare both with the people you want to invite\n",
				created.RoomID, created.Passkey, created.ExpiresAt.Local().Format("15:04"))

			session, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer session.Close()

			joined, early, err := subscribe(ctx, session, created.RoomID, nickname, identity)
			if err != nil {
				return err
			}
			entry := keystore.NewEntry(created.RoomID, joined.RoomName, nickname, identity, roomKey)
			entry.ExpiresAt = created.ExpiresAt
			a.save(out, entry)

			return a.enter(ctx, session, joined, roomKey, identity, early, cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().StringVarP(&nickname, "nickname", "n", "", "your display name")
	_ = cmd.MarkFlagRequired("nickname")
	return cmd
}
