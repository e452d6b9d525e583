// Package main is the relaychat entrypoint.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"relaychat/client"
	"relaychat/config"
	"relaychat/db"
	"relaychat/directory"
	"relaychat/logging"
	"relaychat/reliable"
	"relaychat/server"
	"relaychat/store"
	"relaychat/transport"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// CLI command definitions.
var (
	logger logrus.FieldLogger = logrus.StandardLogger()

	v = config.New()

	configFile string

	rootCmd = &cobra.Command{
		Use:           "relaychat",
		Short:         "UDP chat relay with acknowledged delivery.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ReadFile(v, configFile); err != nil {
				return err
			}
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			logging.Setup(v.GetString(config.KeyLogLevel))
			return nil
		},
	}

	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Runs the relay server.",
		Args:  cobra.NoArgs,
		RunE:  runServer,
	}

	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Runs one client operation against a server.",
	}

	connectCmd = &cobra.Command{
		Use:   "connect <username> <first-name>",
		Short: "Registers a user with the server.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.Connect(ctx, args[0], args[1]); err != nil {
					return errors.Wrap(err, "connect failed")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Connected as %s\n", args[0])
				return nil
			})
		},
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "Lists the other registered users.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				users, err := c.ListUsers(ctx)
				if err != nil {
					return errors.Wrap(err, "list users failed")
				}
				out := cmd.OutOrStdout()
				if len(users) == 0 {
					fmt.Fprintln(out, "No other users registered")
					return nil
				}
				for _, u := range users {
					status := "offline"
					if u.Online {
						status = "online"
					}
					fmt.Fprintf(out, "%s (%s)\n", u.Username, status)
				}
				return nil
			})
		},
	}

	sendCmd = &cobra.Command{
		Use:   "send <recipient> <message>",
		Short: "Sends a message to a user.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.SendMessage(ctx, args[0], args[1]); err != nil {
					return errors.Wrap(err, "send message failed")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Message sent")
				return nil
			})
		},
	}

	retrieveCmd = &cobra.Command{
		Use:   "retrieve <sender>",
		Short: "Fetches unread messages from a user.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				messages, err := c.RetrieveMessages(ctx, args[0])
				if err != nil {
					return errors.Wrap(err, "retrieve messages failed")
				}
				out := cmd.OutOrStdout()
				if len(messages) == 0 {
					fmt.Fprintf(out, "No new messages from %s\n", args[0])
					return nil
				}
				for _, m := range messages {
					fmt.Fprintf(out, "%s: %s\n", args[0], m)
				}
				return nil
			})
		},
	}
)

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return errors.Wrap(err, "load config failed")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := db.Open(db.Options{
		Kind:         cfg.Storage,
		Dir:          cfg.DataDir,
		UsersFile:    cfg.UsersFile,
		MessagesFile: cfg.MessagesFile,
		SQLiteFile:   cfg.SQLiteFile,
	})
	if err != nil {
		logger.WithError(err).WithField("storage", cfg.Storage).Error("open storage failed, data will not persist")
		backend = db.NewMemory()
	}
	defer backend.Close()

	srv := server.New(directory.New(backend), store.New(backend), &server.ServerConfig{
		Host:        cfg.Host,
		Port:        cfg.Port,
		BufferSize:  cfg.BufferSize,
		Timeout:     cfg.Timeout,
		MaxRetries:  cfg.MaxRetries,
		BackoffUnit: cfg.BackoffUnit,
		BackoffCap:  cfg.BackoffCap,
	})
	return errors.Wrap(srv.Start(ctx), "run server failed")
}

// withClient opens a client socket, adopts --user as the connected identity
// when given, and runs fn.
func withClient(cmd *cobra.Command, fn func(context.Context, *client.Client) error) error {
	cfg, err := config.Load(v)
	if err != nil {
		return errors.Wrap(err, "load config failed")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverAddr, err := transport.ResolveAddr(cfg.Server)
	if err != nil {
		return errors.Wrap(err, "resolve server address failed")
	}
	conn, err := transport.ListenUDP(net.JoinHostPort("", strconv.Itoa(cfg.LocalPort)), cfg.Timeout, cfg.BufferSize)
	if err != nil {
		return errors.Wrap(err, "initialize socket failed")
	}
	defer conn.Close()

	messenger, err := reliable.New(conn,
		reliable.WithTimeout(cfg.Timeout),
		reliable.WithMaxRetries(cfg.MaxRetries),
		reliable.WithBackoff(cfg.BackoffUnit, cfg.BackoffCap),
	)
	if err != nil {
		return errors.Wrap(err, "create messenger failed")
	}

	c := client.New(messenger, serverAddr)
	if user, _ := cmd.Flags().GetString("user"); user != "" {
		c.SetUsername(user)
	}
	return fn(ctx, c)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "trace, debug, info, warn or error")
	rootCmd.PersistentFlags().Duration("timeout", reliable.DefaultTimeout, "acknowledgment timeout per attempt")
	rootCmd.PersistentFlags().Int("max-retries", reliable.DefaultMaxRetries, "attempts per exchange")
	rootCmd.PersistentFlags().Int("buffer-size", server.DefaultBufferSize, "receive buffer size in bytes")

	serverCmd.Flags().String("host", "", "address to bind")
	serverCmd.Flags().Int("port", server.DefaultPort, "UDP port to bind")
	serverCmd.Flags().String("storage", db.KindJSON, "storage backend: json, sqlite or memory")
	serverCmd.Flags().String("data-dir", ".", "directory holding the stored data")

	clientCmd.PersistentFlags().String("server", "localhost:12000", "server address")
	clientCmd.PersistentFlags().Int("local-port", 0, "local UDP port, 0 picks one")
	clientCmd.PersistentFlags().String("user", "", "username of an earlier connect")

	clientCmd.AddCommand(
		connectCmd,
		listCmd,
		sendCmd,
		retrieveCmd,
	)
	rootCmd.AddCommand(
		serverCmd,
		clientCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(errors.Wrap(err, "execute root command failed"))
	}
}
