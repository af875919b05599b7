package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"securechat/internal/apperror"
	"securechat/internal/keystore"
)

func resumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <room id>",
		Short: "Rejoin a room with saved keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if a.passphrase() == "" {
				return fmt.Errorf("passphrase required (-p)")
			}

			entry, err := a.keys.Load(a.passphrase(), args[0])
			if errors.Is(err, keystore.ErrNotFound) {
				return fmt.Errorf("no saved keys for %s, see `securechat rooms`", args[0])
			}
			if err != nil {
				return err
			}
			identity, err := entry.PrivateKey()
			if err != nil {
				return err
			}

			session, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer session.Close()

			joined, early, err := subscribe(ctx, session, entry.RoomID, entry.Nickname, identity)
			if errors.Is(err, apperror.ErrRoomNotFound) {
				_ = a.keys.Delete(entry.RoomID)
				return fmt.Errorf("room %s has expired; its saved keys were removed", entry.RoomID)
			}
			if err != nil {
				return err
			}
			return a.enter(ctx, session, joined, entry.RoomKey, identity, early, cmd.InOrStdin(), out)
		},
	}
}

func roomsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List rooms with saved keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := a.keys.List()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no saved rooms")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "ROOM\tNAME\tNICKNAME\tEXPIRES")
			for _, id := range ids {
				name, nick, expires := "?", "?", "?"
				// ชื่อห้องถูกเข้ารหัสไว้ ต้องมี passphrase ถึงจะแสดงได้
				if a.passphrase() != "" {
					if e, err := a.keys.Load(a.passphrase(), id); err == nil {
						name, nick = e.RoomName, e.Nickname
						if !e.ExpiresAt.IsZero() {
							expires = e.ExpiresAt.Local().Format("Jan 2 15:04")
						}
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, name, nick, expires)
			}
			return nil
		},
	}
}

func forgetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <room id>",
		Short: "Delete the saved keys of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.keys.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "forgotten")
			return nil
		},
	}
}
