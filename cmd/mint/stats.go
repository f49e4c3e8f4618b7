package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/chazu/mint/vm"
)

func newStatsCmd() *cobra.Command {
	var (
		db     string
		strict bool
	)
	cmd := &cobra.Command{
		Use:   "stats IMAGE...",
		Short: "Transform every method and report memory manager statistics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProgram(cmd.Context(), db, args)
			if err != nil {
				return err
			}
			rt := vm.NewRuntime(cfg.Options()...)
			var errs *multierror.Error
			for _, img := range p.images {
				for _, desc := range img.Methods() {
					if desc.Header == nil {
						continue
					}
					if _, err := rt.GetOrTransform(desc); err != nil {
						errs = multierror.Append(errs, err)
					}
				}
			}
			out := cmd.OutOrStdout()
			for _, mm := range rt.Managers() {
				writeStats(out, mm.Stats())
			}
			fmt.Fprintf(out, "pool: %d blocks of %s outstanding\n",
				rt.Pool().Outstanding(), humanize.IBytes(uint64(rt.Pool().BlockSize())))
			if errs != nil {
				for _, e := range errs.Errors {
					fmt.Fprintf(out, "%s %v\n", red("failed:"), e)
				}
				if strict {
					return errs.ErrorOrNil()
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "db", "mint.db", "image store for store:NAME arguments")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit with an error if any method fails to transform")
	return cmd
}

func writeStats(w io.Writer, st vm.Stats) {
	fmt.Fprintln(w, bold("context "+st.Context))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "  methods\t%d (%d ready, %d failed)\n", st.Methods, st.Transformed, st.Failed)
	fmt.Fprintf(tw, "  il\t%s\n", humanize.Bytes(uint64(st.ILBytes)))
	fmt.Fprintf(tw, "  code\t%s\n", humanize.Bytes(uint64(st.CodeBytes)))
	fmt.Fprintf(tw, "  transform time\t%s\n", st.TransformTime)
	fmt.Fprintf(tw, "  arena\t%s used of %s in %d blocks\n",
		humanize.Bytes(uint64(st.ArenaUsed)), humanize.Bytes(uint64(st.ArenaReserved)), st.ArenaBlocks)
	fmt.Fprintf(tw, "  statics\t%d\n", st.Statics)
	tw.Flush()
}
