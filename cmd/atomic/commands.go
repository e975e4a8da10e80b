package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/castingclouds/atomic/internal/apply"
	"github.com/castingclouds/atomic/internal/change"
	"github.com/castingclouds/atomic/internal/config"
	"github.com/castingclouds/atomic/internal/hash"
	"github.com/castingclouds/atomic/internal/identity"
	"github.com/castingclouds/atomic/internal/pristine"
	"github.com/castingclouds/atomic/internal/remote"
	"github.com/castingclouds/atomic/internal/repository"
	"github.com/castingclouds/atomic/internal/tag"
)

func newRootCommand(cfg config.Config, logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "atomic",
		Short:         "Patch-based, content-addressed version control",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newInitCommand(),
		newApplyCommand(),
		newTagCommand(),
		newChannelCommand(),
		newLogCommand(),
		newPullCommand(cfg, logger),
		newPushCommand(cfg, logger),
		newCloneCommand(cfg, logger),
		newServeCommand(cfg, logger),
		newIdentityCommand(),
	)
	return root
}

// openRepo opens the repository enclosing the working directory.
func openRepo() (*repository.Repository, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return repository.Open(cwd)
}

// peerFor resolves a remote argument: a configured alias, an HTTP(S) URL, or
// a local path.
func peerFor(repo *repository.Repository, arg, channel string, cfg config.Config, logger *slog.Logger) (remote.Peer, error) {
	target := arg
	if url, ok := repo.Config.Remotes[arg]; ok {
		target = url
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return remote.NewHttp(remote.HttpConfig{
			BaseURL:              target,
			Channel:              channel,
			Name:                 arg,
			Timeout:              cfg.RemoteTimeout,
			RetryInitialInterval: cfg.DownloadRetryDelay,
			Logger:               logger,
		})
	}
	return remote.NewLocal(target, channel, arg, logger)
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Create a new repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			repo, err := repository.Init(path)
			if err != nil {
				return err
			}
			defer repo.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Repository initialized in %s\n", repo.Root)
			return nil
		},
	}
}

func newApplyCommand() *cobra.Command {
	var channelName string
	var depsOnly bool
	cmd := &cobra.Command{
		Use:   "apply <hash>...",
		Short: "Apply changes to a channel, dependencies first",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()
			if channelName == "" {
				channelName = repo.Config.Channel()
			}
			return repo.Pristine.Update(func(txn *pristine.MutTxn) error {
				ch, err := txn.OpenOrCreateChannel(channelName)
				if err != nil {
					return err
				}
				ws := apply.NewWorkspace()
				for _, arg := range args {
					h, ok := hash.FromBase32(arg)
					if !ok {
						return fmt.Errorf("invalid hash %q", arg)
					}
					if depsOnly {
						if err := apply.Deps(txn, ch, repo.Changes, h, ws); err != nil {
							return err
						}
						continue
					}
					nodeType := pristine.NodeTypeChange
					if stored, ok, err := txn.GetNodeTypeByHash(h); err != nil {
						return err
					} else if ok {
						nodeType = stored
					}
					if _, err := apply.NodeWS(txn, ch, repo.Changes, h, nodeType, ws); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&channelName, "channel", "", "channel to apply to")
	cmd.Flags().BoolVar(&depsOnly, "deps-only", false, "apply only the dependency closure")
	return cmd
}

func newTagCommand() *cobra.Command {
	var channelName, message, tagVersion string
	create := &cobra.Command{
		Use:   "create",
		Short: "Consolidate the channel head into a tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()
			if channelName == "" {
				channelName = repo.Config.Channel()
			}
			var created *tag.Consolidated
			err = repo.Pristine.Update(func(txn *pristine.MutTxn) error {
				ch, ok, err := txn.LoadChannel(channelName)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no channel %q", channelName)
				}
				header := change.Header{Message: message, Timestamp: time.Now().UTC()}
				var v *string
				if tagVersion != "" {
					v = &tagVersion
				}
				created, err = tag.Consolidate(txn, ch, repo.Changes, header, v)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.State.Base32())
			return nil
		},
	}
	create.Flags().StringVar(&channelName, "channel", "", "channel to tag")
	create.Flags().StringVarP(&message, "message", "m", "", "tag message")
	create.Flags().StringVar(&tagVersion, "tag-version", "", "human version string")

	cmd := &cobra.Command{Use: "tag", Short: "Manage tags"}
	cmd.AddCommand(create)
	return cmd
}

func newChannelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()
			return repo.Pristine.View(func(txn *pristine.Txn) error {
				names, err := txn.Channels()
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "new <name>",
			Short: "Create a channel",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				repo, err := openRepo()
				if err != nil {
					return err
				}
				defer repo.Close()
				return repo.Pristine.Update(func(txn *pristine.MutTxn) error {
					_, err := txn.OpenOrCreateChannel(args[0])
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "drop <name>",
			Short: "Remove a channel, leaving node content intact",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				repo, err := openRepo()
				if err != nil {
					return err
				}
				defer repo.Close()
				return repo.Pristine.Update(func(txn *pristine.MutTxn) error {
					return txn.DropChannel(args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "fork <src> <dst>",
			Short: "Snapshot a channel under a new name",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				repo, err := openRepo()
				if err != nil {
					return err
				}
				defer repo.Close()
				return repo.Pristine.Update(func(txn *pristine.MutTxn) error {
					src, ok, err := txn.LoadChannel(args[0])
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("no channel %q", args[0])
					}
					_, err = txn.ForkChannel(src, args[1])
					return err
				})
			},
		},
	)
	return cmd
}

func newLogCommand() *cobra.Command {
	var channelName string
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the channel log",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()
			if channelName == "" {
				channelName = repo.Config.Channel()
			}
			return repo.Pristine.View(func(txn *pristine.Txn) error {
				ch, ok, err := txn.LoadChannel(channelName)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no channel %q", channelName)
				}
				return txn.ForEachLog(ch, 0, func(e pristine.LogEntry) error {
					marker := "C"
					if isTag, err := txn.IsTagPosition(ch, e.Pos); err != nil {
						return err
					} else if isTag {
						marker = "T"
					}
					header, err := repo.Changes.GetHeader(e.Hash)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%d %s %s %s\n", e.Pos, marker, e.Hash.Base32(), header.Message)
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&channelName, "channel", "", "channel to read")
	return cmd
}

func newPullCommand(cfg config.Config, logger *slog.Logger) *cobra.Command {
	var channelName string
	cmd := &cobra.Command{
		Use:   "pull <remote>",
		Short: "Fetch and apply nodes from a remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()
			if channelName == "" {
				channelName = repo.Config.Channel()
			}
			peer, err := peerFor(repo, args[0], channelName, cfg, logger)
			if err != nil {
				return err
			}
			applied, err := remote.Pull(cmd.Context(), repo, peer, channelName,
				remote.NewProgress("pulling", -1))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d nodes\n", applied)
			return nil
		},
	}
	cmd.Flags().StringVar(&channelName, "channel", "", "channel to pull into")
	return cmd
}

func newPushCommand(cfg config.Config, logger *slog.Logger) *cobra.Command {
	var channelName, toChannel string
	cmd := &cobra.Command{
		Use:   "push <remote>",
		Short: "Ship local nodes the remote does not have",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()
			if channelName == "" {
				channelName = repo.Config.Channel()
			}
			peer, err := peerFor(repo, args[0], channelName, cfg, logger)
			if err != nil {
				return err
			}
			pushed, err := remote.Push(cmd.Context(), repo, peer, channelName, toChannel,
				remote.NewProgress("pushing", -1))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pushed %d nodes\n", pushed)
			return nil
		},
	}
	cmd.Flags().StringVar(&channelName, "channel", "", "channel to push from")
	cmd.Flags().StringVar(&toChannel, "to-channel", "", "target channel on the remote")
	return cmd
}

func newCloneCommand(cfg config.Config, logger *slog.Logger) *cobra.Command {
	var channelName string
	cmd := &cobra.Command{
		Use:   "clone <url> [path]",
		Short: "Clone a remote repository",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) == 2 {
				target = args[1]
			}
			if channelName == "" {
				channelName = repository.DefaultChannel
			}
			peer, err := remote.NewHttp(remote.HttpConfig{
				BaseURL:              args[0],
				Channel:              channelName,
				Timeout:              cfg.RemoteTimeout,
				RetryInitialInterval: cfg.DownloadRetryDelay,
				Logger:               logger,
			})
			if err != nil {
				return err
			}
			repo, err := remote.Clone(cmd.Context(), target, channelName, peer,
				remote.NewProgress("cloning", -1))
			if err != nil {
				return err
			}
			defer repo.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Cloned into %s\n", repo.Root)
			return nil
		},
	}
	cmd.Flags().StringVar(&channelName, "channel", "", "channel to clone")
	return cmd
}

func newServeCommand(cfg config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve this repository over the sync protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()

			srv := &http.Server{
				Addr:    cfg.ListenAddr,
				Handler: remote.NewServer(repo, logger),
			}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			logger.Info("serving repository", "addr", cfg.ListenAddr, "root", repo.Root)

			select {
			case <-cmd.Context().Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
				return cmd.Context().Err()
			case err := <-errCh:
				return err
			}
		},
	}
}

func newIdentityCommand() *cobra.Command {
	var name, email string
	create := &cobra.Command{
		Use:   "new",
		Short: "Create an identity record with a fresh key",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer repo.Close()
			dir, err := repo.IdentitiesDir()
			if err != nil {
				return err
			}
			key, err := identity.GenerateKey()
			if err != nil {
				return err
			}
			record := &identity.Identity{
				Name:         name,
				Email:        email,
				PublicKey:    key.EncodedPublic(),
				LastModified: time.Now().UTC(),
			}
			if err := record.Write(dir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), record.PublicKey)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "identity name")
	create.Flags().StringVar(&email, "email", "", "contact email")

	cmd := &cobra.Command{Use: "identity", Short: "Manage identities"}
	cmd.AddCommand(create)
	return cmd
}
