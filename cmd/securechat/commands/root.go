package commands

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"securechat/internal/client"
	"securechat/internal/config"
	"securechat/internal/keystore"
	"securechat/internal/logger"
)

// app is what every subcommand needs, built once in PersistentPreRunE.
type app struct {
	api   *client.API
	keys  *keystore.FileStore
	log   *zap.Logger
	flags *viper.Viper
}

func (a *app) passphrase() string { return a.flags.GetString("passphrase") }

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRoot().ExecuteContext(ctx)
}

func newRoot() *cobra.Command {
	a := &app{flags: viper.New()}

	root := &cobra.Command{
		Use:           "securechat",
		Short:         "End-to-end encrypted, ephemeral chat rooms",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.flags.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			log, err := logger.New(config.LoggerMode{Development: true, Level: a.flags.GetString("log-level")})
			if err != nil {
				return err
			}
			a.log = log

			home := a.flags.GetString("home")
			if home == "" {
				if home, err = keystore.DefaultDir(); err != nil {
					return err
				}
			}
			a.keys = keystore.NewFileStore(home, keystore.DefaultParams)
			a.api = client.NewAPI(a.flags.GetString("relay"), nil)
			return nil
		},
	}

	a.flags.SetEnvPrefix("SECURECHAT")
	a.flags.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.flags.AutomaticEnv()

	pf := root.PersistentFlags()
	pf.String("relay", "http://localhost:9090", "relay base URL (env SECURECHAT_RELAY)")
	pf.String("home", "", "keystore directory (default ~/.securechat/keys)")
	pf.StringP("passphrase", "p", "", "keystore passphrase; when set, room keys are saved (env SECURECHAT_PASSPHRASE)")
	pf.String("log-level", "warn", "client log level")

	root.AddCommand(
		createCmd(a),
		joinCmd(a),
		resumeCmd(a),
		roomsCmd(a),
		forgetCmd(a),
	)
	return root
}
