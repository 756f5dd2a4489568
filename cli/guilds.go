package cli

import (
	"fmt"
	"io"
	"net/url"
	"text/tabwriter"

	"github.com/opencompute/Kaetram-Open/game/guild"
	"github.com/spf13/cobra"
)

func newGuildsCmd() *cobra.Command {
	var server, adminKey string

	cmd := &cobra.Command{
		Use:   "guilds",
		Short: "Inspect and administer guilds on a running shard",
	}
	cmd.PersistentFlags().StringVar(&server, "server", "http://localhost:8080", "Shard base URL")
	cmd.PersistentFlags().StringVar(&adminKey, "admin-key", "", "Value for the X-Admin-Key header")

	client := func() *Client { return NewClient(server, adminKey) }
	cmd.AddCommand(newGuildsListCmd(client))
	cmd.AddCommand(newGuildsDeleteCmd(client))
	return cmd
}

type guildPage struct {
	Guilds []guild.Summary `json:"guilds"`
	Total  int64           `json:"total"`
}

func newGuildsListCmd(client func() *Client) *cobra.Command {
	var offset, limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List joinable guilds",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("offset", fmt.Sprint(offset))
			q.Set("limit", fmt.Sprint(limit))

			var page guildPage
			if err := client().Get("/api/guilds?"+q.Encode(), &page); err != nil {
				return err
			}
			return printGuilds(cmd.OutOrStdout(), page)
		},
	}

	cmd.Flags().IntVar(&offset, "offset", 0, "Index of the first guild")
	cmd.Flags().IntVar(&limit, "limit", 10, "Page size")
	return cmd
}

func newGuildsDeleteCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <identifier>",
		Short: "Disband a guild",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Guild string `json:"guild"`
			}
			if err := client().Delete("/api/admin/guilds/"+url.PathEscape(args[0]), &result); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Disbanded %s\n", result.Guild)
			return err
		},
	}
}

func printGuilds(w io.Writer, page guildPage) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTIFIER\tNAME\tMEMBERS\tEXPERIENCE")
	for _, g := range page.Guilds {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", g.Identifier, g.Name, g.MemberCount, g.Experience)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d of %d guilds\n", len(page.Guilds), page.Total)
	return err
}
