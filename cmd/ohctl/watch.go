package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ohbridge/internal/bus"
	"ohbridge/internal/models"
	"ohbridge/internal/openhab"
)

func newWatchCmd(a *app) *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "watch [item...]",
		Short: "Stream item events until interrupted",
		Long:  "Without arguments every frame of the event stream is printed as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := a.cfg.OpenHAB
			if len(args) == 0 {
				cfg.AllowRawEvents = true
			}
			client := openhab.NewClient(cfg, a.logger, nil)
			b := bus.New(a.logger)
			subs := bus.NewGroup(b)
			defer subs.Close()

			var mu sync.Mutex
			out := cmd.OutOrStdout()
			show := func(ev models.ItemEvent) {
				mu.Lock()
				defer mu.Unlock()
				if len(args) == 0 {
					line, _ := json.Marshal(ev)
					fmt.Fprintln(out, string(line))
					return
				}
				fmt.Fprintf(out, "%s %s %s %s\n", time.Now().Format(time.TimeOnly), ev.Item, ev.Type, ev.State)
			}

			if len(args) == 0 {
				subs.Subscribe(bus.Key{Kind: models.RawEvent}, show)
			}
			for _, item := range args {
				for _, kind := range types {
					subs.Subscribe(bus.Key{Item: item, Kind: models.EventKind(kind)}, show)
				}
			}
			subs.SubscribeLifecycle(func(ev bus.LifecycleEvent) {
				a.logger.Info("connection", "status", ev.Signal, "text", ev.Text)
			})

			stream := openhab.NewStream(client, b, a.logger)
			stream.Connect()
			defer stream.Disconnect()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&types, "types",
		[]string{string(models.ItemStateChangedEvent), string(models.ItemCommandEvent)},
		"event types to print for the named items")
	return cmd
}
