package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tessiv/livedesk/internal/config"
	"github.com/tessiv/livedesk/internal/store"
	"github.com/tessiv/livedesk/internal/transcript"
)

func newExportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export an archived session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}

			db, err := store.Open(paths.ArchivePath(&cfg), log)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()

			archive := store.NewArchive(db)
			sess, err := archive.Get(args[0])
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("no archived session %s", args[0])
				}
				return err
			}

			text := transcript.Render(sess)
			if output == "" {
				fmt.Print(text)
				return nil
			}
			if output == "auto" {
				output = transcript.Filename(sess)
			}
			if err := os.WriteFile(output, []byte(text), 0o600); err != nil {
				return err
			}
			fmt.Println(output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write transcript to a file (\"auto\" derives the name from the session)")

	return cmd
}
