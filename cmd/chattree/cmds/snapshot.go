package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/go-go-golems/chattree/pkg/snapshot"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func NewExportCommand() *cobra.Command {
	var (
		convID string
		output string
		format string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the store, or one conversation, as a snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			tables, err := snapshot.Export(cmd.Context(), a.store, convID)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			f := snapshot.Format(format)
			if output != "" && output != "-" {
				file, err := os.Create(output)
				if err != nil {
					return err
				}
				defer func() {
					_ = file.Close()
				}()
				w = file
				if format == "" {
					f = snapshot.FormatForPath(output)
				}
			}
			return snapshot.Encode(w, tables, f)
		},
	}
	cmd.Flags().StringVar(&convID, "conv", "", "Only export this conversation")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	cmd.Flags().StringVar(&format, "format", "", "json or yaml (default from the file extension, else json)")
	return cmd
}

func NewImportCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a snapshot, replacing rows with the same keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := snapshot.Format(format)
			if f == "" {
				f = snapshot.FormatForPath(args[0])
			}
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() {
				_ = file.Close()
			}()
			info, err := file.Stat()
			if err != nil {
				return err
			}
			tables, err := snapshot.Decode(file, f)
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := snapshot.Import(cmd.Context(), a.store, tables, snapshot.WithAllocator(a.allocator))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "read %s\n", humanize.Bytes(uint64(info.Size())))
			return printReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "json or yaml (default from the file extension)")
	return cmd
}

func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <legacy.json>",
		Short: "Convert flat legacy conversations into trees (runs once per store)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var records []json.RawMessage
			if err := json.Unmarshal(b, &records); err != nil {
				return errors.Wrap(err, "legacy file must be a JSON array")
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := snapshot.MigrateLegacy(cmd.Context(), a.store, records, snapshot.WithAllocator(a.allocator))
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report)
		},
	}
}

func printReport(w io.Writer, report interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return err
	}
	return enc.Close()
}
