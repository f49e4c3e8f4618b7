package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chazu/mint/imagestore"
)

func newStoreCmd() *cobra.Command {
	var db string
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the SQLite image store",
	}
	cmd.PersistentFlags().StringVar(&db, "db", "mint.db", "image store database")

	open := func() (*imagestore.Store, error) { return imagestore.Open(db) }

	put := &cobra.Command{
		Use:   "put IMAGE...",
		Short: "Store the last image; earlier images resolve its references",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProgram(cmd.Context(), db, args)
			if err != nil {
				return err
			}
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			info, err := s.Put(cmd.Context(), p.main(), p.entry())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s, %016x)\n",
				info.Name, humanize.Bytes(uint64(info.Size)), info.Fingerprint)
			return nil
		},
	}

	var output string
	get := &cobra.Command{
		Use:   "get NAME",
		Short: "Write a stored image to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			data, _, err := s.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output == "" {
				output = args[0] + ImageExt
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("cannot write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	get.Flags().StringVarP(&output, "output", "o", "", "output file (default: NAME"+ImageExt+")")

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			infos, err := s.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tENTRY\tSIZE\tFINGERPRINT\tSTORED")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%016x\t%s\n", info.Name, info.Entry,
					humanize.Bytes(uint64(info.Size)), info.Fingerprint, humanize.RelTime(info.StoredAt, time.Now(), "ago", "from now"))
			}
			return tw.Flush()
		},
	}

	rm := &cobra.Command{
		Use:   "rm NAME...",
		Short: "Delete stored images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()
			for _, name := range args {
				if err := s.Delete(cmd.Context(), name); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.AddCommand(put, get, list, rm)
	return cmd
}
