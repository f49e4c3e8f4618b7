package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chazu/mint/metadata"
)

func newBuildCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "build SOURCE.toml [DEPS.toml...]",
		Short: "Assemble a TOML image source into an encoded image",
		Long: `Assemble a TOML image source into an encoded image.

Dependencies are loaded first so the source may refer to their classes and
methods; only the first argument is written.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := metadata.NewLoader(nil)
			for _, dep := range args[1:] {
				if _, err := loader.LoadFile(dep); err != nil {
					return fmt.Errorf("%s: %w", dep, err)
				}
			}
			img, err := loader.LoadFile(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			data, err := metadata.EncodeImage(img, loader.Entry(img.Name()))
			if err != nil {
				return err
			}
			if output == "" {
				output = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ImageExt
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("cannot write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, %d methods)\n",
				output, humanize.Bytes(uint64(len(data))), len(img.Methods()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: SOURCE with "+ImageExt+")")
	return cmd
}
