package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zhaopengme/mobaigate/pkg/config"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured channels without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printChannels(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printChannels(out io.Writer, cfg *config.Config) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tENABLED\tENDPOINT\tALLOW\tCONFIG")

	for _, c := range cfg.Channels.DingTalk {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
			c.ID, "streaming", c.Enabled, c.APIBase, allowSummary(c.AllowFrom), configStatus(c.Validate()))
	}
	for _, c := range cfg.Channels.WeCom {
		endpoint := fmt.Sprintf("%s:%d%s", c.WebhookHost, c.WebhookPort, c.WebhookPath)
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
			c.ID, "webhook", c.Enabled, endpoint, allowSummary(c.AllowFrom), configStatus(c.Validate()))
	}
	_ = tw.Flush()

	if len(cfg.Channels.DingTalk)+len(cfg.Channels.WeCom) == 0 {
		fmt.Fprintln(out, "No channels configured")
	}
}

func allowSummary(list []string) string {
	switch {
	case len(list) == 0:
		return "nobody"
	case len(list) == 1 && list[0] == "*":
		return "everyone"
	case len(list) <= 3:
		return strings.Join(list, ",")
	default:
		return fmt.Sprintf("%d senders", len(list))
	}
}

func configStatus(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
