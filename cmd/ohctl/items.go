package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ohbridge/internal/models"
)

func newItemsCmd(a *app) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "items",
		Short: "List every item with its state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := a.client.ListItems(cmd.Context(), refresh)
			if err != nil {
				return err
			}
			sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tSTATE")
			for _, it := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\n", it.Name, it.Type, it.State)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the item cache")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	var members bool
	cmd := &cobra.Command{
		Use:   "get <item>...",
		Short: "Print items as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := a.client.GetItems(cmd.Context(), args, members)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		},
	}
	cmd.Flags().BoolVar(&members, "members", false, "include the members of group items")
	return cmd
}

// newSendCmd builds "update" (replace the state) or "command" (send a command)
func newSendCmd(a *app, use string) *cobra.Command {
	kind := models.Command
	short := "Send a command to an item"
	if use == "update" {
		kind = models.Update
		short = "Replace the state of an item"
	}
	return &cobra.Command{
		Use:   use + " <item> <value>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.SendCommand(cmd.Context(), args[0], kind, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", kind, args[0], args[1])
			return nil
		},
	}
}
