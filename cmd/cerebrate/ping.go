package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ryandielhenn/cerebrate/internal/config"
	"github.com/ryandielhenn/cerebrate/pkg/lifecycle"
	"github.com/ryandielhenn/cerebrate/pkg/registry"
	"github.com/ryandielhenn/cerebrate/pkg/taskqueue"
	"github.com/ryandielhenn/cerebrate/pkg/transport"
	"github.com/ryandielhenn/cerebrate/pkg/wire"
)

func pingCmd(load loader) *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "ping <peer-id>",
		Short: "Ping a known peer and print how the session closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			closure, err := ping(cmd.Context(), cfg, args[0], text)
			if err != nil {
				return err
			}
			if closure.Reason != transport.ReasonSuccess {
				return fmt.Errorf("%s closed with %q", args[0], closure.Reason)
			}
			fmt.Println(successMsg("%s answered %s", accent(args[0]), closure.Reason))
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "message shown on the peer (default \"PING from <id>\")")
	return cmd
}

// ping opens a one-shot session to id using the addresses this node has
// stored. The session runs against a scratch registry so the CLI never
// writes to the store of a running node.
func ping(ctx context.Context, cfg config.Config, id, text string) (transport.Closure, error) {
	stored, err := openRegistry(cfg)
	if err != nil {
		return transport.Closure{}, err
	}
	self := stored.Self()
	target, ok, err := stored.Get(id)
	stored.Close()
	if err != nil {
		return transport.Closure{}, err
	}
	if !ok {
		return transport.Closure{}, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}

	dir, err := os.MkdirTemp("", "cerebrate-ping-")
	if err != nil {
		return transport.Closure{}, err
	}
	defer os.RemoveAll(dir)
	scratch, err := registry.Open(filepath.Join(dir, "peers.db"), self, nil)
	if err != nil {
		return transport.Closure{}, err
	}
	defer scratch.Close()
	if _, err := scratch.Update(id, func(p *registry.PeerRecord) { *p = target }); err != nil {
		return transport.Closure{}, err
	}

	log := quietLogger()
	defer log.Sync()
	lc := lifecycle.New()
	lc.Set(lifecycle.Listening)
	queue := taskqueue.New(log)
	qctx, stop := context.WithCancel(ctx)
	defer stop()
	go queue.Run(qctx, lc)

	sec := transport.New(transport.Config{
		ID:             self,
		SessionTimeout: cfg.SessionTimeout.Duration,
		ConnectTimeout: cfg.ConnectTimeout.Duration,
		Limits:         wire.Limits{MaxPayloadBytes: cfg.MaxMessageBytes},
	}, scratch, lc, queue, log)
	sec.SetDispatcher(transport.DispatcherFunc(func(context.Context, wire.Message) transport.Outcome {
		return transport.Close(transport.ReasonFinished)
	}))
	defer sec.Shutdown(context.WithoutCancel(ctx))

	var data any
	if text != "" {
		data = text
	}
	msg, err := sec.Identity().NewMessage(data, "ping")
	if err != nil {
		return transport.Closure{}, err
	}
	return sec.Request(ctx, id, msg)
}
