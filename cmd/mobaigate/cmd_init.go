package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhaopengme/mobaigate/pkg/config"
)

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config with one disabled channel of each kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeStarterConfig(cmd.OutOrStdout(), configPath, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func writeStarterConfig(out io.Writer, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	cfg.Channels.DingTalk = []config.DingTalkConfig{
		{ID: "dingtalk", ClientID: "${DINGTALK_CLIENT_ID}", ClientSecret: "${DINGTALK_CLIENT_SECRET}", AllowFrom: []string{}},
	}
	cfg.Channels.WeCom = []config.WeComConfig{
		{ID: "wecom", CorpID: "${WECOM_CORP_ID}", CorpSecret: "${WECOM_CORP_SECRET}", Token: "${WECOM_TOKEN}",
			EncodingAESKey: "${WECOM_AES_KEY}", AllowFrom: []string{}},
	}
	cfg.ApplyDefaults()

	if err := config.SaveConfig(path, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Fprintf(out, "%s mobaigate config written to %s\n", logo, path)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Fill in credentials and allow_from, then set enabled: true")
	fmt.Fprintln(out, "  2. mobaigate doctor")
	fmt.Fprintln(out, "  3. mobaigate start")
	return nil
}
