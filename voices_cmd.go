package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/glow-tts/internal/voice"
	"github.com/dgnsrekt/glow-tts/utils"
)

var voicesCmd = &cobra.Command{
	Use:     "voices [QUERY]",
	Short:   "List installed voices",
	Long:    paragraph(fmt.Sprintf("\n%s the voice models found in voices_dir, best match first when a query is given.", keyword("List"))),
	Example: paragraph("glow-tts voices\nglow-tts voices lessac"),
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := utils.ExpandPath(cfg.VoicesDir)
		// The configured voice is listed even when it has no local model
		catalog, err := voice.Scan(dir, cfg.Settings.VoiceID)
		if err != nil {
			return err
		}

		query := ""
		if len(args) > 0 {
			query = args[0]
		}
		voices := catalog.Search(query)
		if len(voices) == 0 {
			return fmt.Errorf("no voice matches %q", query)
		}

		w := cmd.OutOrStdout()
		for _, v := range voices {
			mark := " "
			if v.Name == cfg.Settings.VoiceID {
				mark = keyword("*")
			}
			detail := faint("not installed")
			if v.Installed() {
				detail = faint(v.ModelPath)
				if err := voice.Validate(v); err != nil {
					detail = errorText(err.Error())
				}
			}
			fmt.Fprintf(w, "%s %-32s %s\n", mark, v.Name, detail) //nolint:errcheck
		}
		return nil
	},
}
