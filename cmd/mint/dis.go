package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chazu/mint/metadata"
	"github.com/chazu/mint/vm"
)

func newDisCmd() *cobra.Command {
	var (
		method string
		db     string
		raw    bool
	)
	cmd := &cobra.Command{
		Use:   "dis IMAGE...",
		Short: "Transform and disassemble methods of the last image",
		Long: `Transform and disassemble methods of the last image.

Every method with a body is transformed unless --method selects one. Methods
that fail to transform are listed with the failure reason.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProgram(cmd.Context(), db, args)
			if err != nil {
				return err
			}
			var descs []*metadata.Method
			if method != "" {
				desc, err := p.main().Method(method)
				if err != nil {
					return err
				}
				descs = append(descs, desc)
			} else {
				for _, desc := range p.main().Methods() {
					if desc.Header != nil {
						descs = append(descs, desc)
					}
				}
			}

			rt := vm.NewRuntime(cfg.Options()...)
			out := cmd.OutOrStdout()
			for i, desc := range descs {
				if i > 0 {
					fmt.Fprintln(out)
				}
				// Failed methods are still cached and disassemble with their error.
				_, _ = rt.GetOrTransform(desc)
				mm, _ := rt.Manager(p.main())
				m, ok := mm.Lookup(desc)
				if !ok {
					return fmt.Errorf("%s was not transformed", desc.FullName())
				}
				listing := vm.Disassemble(m)
				if raw {
					io.WriteString(out, listing)
					continue
				}
				writeListing(out, listing)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&method, "method", "m", "", "disassemble only this method")
	f.StringVar(&db, "db", "mint.db", "image store for store:NAME arguments")
	f.BoolVar(&raw, "raw", false, "print the listing without highlighting")
	return cmd
}

// writeListing highlights a disassembly listing line by line.
func writeListing(w io.Writer, listing string) {
	for _, line := range strings.Split(strings.TrimSuffix(listing, "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "method "):
			line = bold(line)
		case strings.HasPrefix(trimmed, "error:"):
			line = red(line)
		case strings.HasPrefix(trimmed, "IL_"):
			line = cyan(line)
		case strings.HasPrefix(line, instrIndent):
			line = highlightInstruction(line)
		}
		fmt.Fprintln(w, line)
	}
}

const instrIndent = "    "

// highlightInstruction colors the opcode of a line "    0000  OPCODE operands".
func highlightInstruction(line string) string {
	offset, instr, ok := strings.Cut(strings.TrimPrefix(line, instrIndent), "  ")
	if !ok {
		return line
	}
	op, operands, found := strings.Cut(instr, " ")
	if found {
		operands = " " + operands
	}
	return instrIndent + offset + "  " + yellow(op) + operands
}
