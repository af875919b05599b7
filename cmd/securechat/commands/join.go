package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"securechat/internal/admission"
	"securechat/internal/keystore"
)

func joinCmd(a *app) *cobra.Command {
	var (
		nickname string
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "join <room id> <passkey>",
		Short: "Ask the members of a room to let you in",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			roomID, passkey := args[0], args[1]

			candidate := admission.NewCandidate(admission.CandidateOptions{ApprovalTimeout: wait, Logger: a.log})
			if err := candidate.Verify(ctx, a.api, roomID, passkey); err != nil {
				return err
			}

			session, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer session.Close()

			if err := candidate.Request(ctx, session, nickname); err != nil {
				return err
			}
			fmt.Fprintf(out, "* asked to join %q, waiting up to %s for a member to approve\n", candidate.RoomName(), wait)

			if err := candidate.Await(ctx, session); err != nil {
				switch {
				case errors.Is(err, admission.ErrRejected):
					return fmt.Errorf("request declined: %w", err)
				case errors.Is(err, admission.ErrApprovalTimeout):
					return fmt.Errorf("nobody answered within %s", wait)
				}
				return err
			}
			fmt.Fprintf(out, "* approved by %s\n", candidate.ApprovedBy())

			joined, err := candidate.Complete(ctx, session)
			if err != nil {
				return err
			}
			roomKey, _ := candidate.RoomKey()
			a.save(out, keystore.NewEntry(roomID, joined.RoomName, nickname, candidate.Identity(), roomKey))

			return a.enter(ctx, session, joined, roomKey, candidate.Identity(), candidate.Backlog(), cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().StringVarP(&nickname, "nickname", "n", "", "your display name")
	cmd.Flags().DurationVar(&wait, "wait", admission.DefaultApprovalTimeout, "how long to wait for approval")
	_ = cmd.MarkFlagRequired("nickname")
	return cmd
}
