package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/mint/vm"
)

type runOptions struct {
	method   string
	db       string
	parallel int
	timeout  time.Duration
	trace    bool
	steps    bool
	profile  bool
	top      int
}

func newRunCmd() *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run IMAGE... [-- ARGS...]",
		Short: "Run a method of the last image",
		Long: `Run a method of the last image.

Images are TOML sources, encoded images, or store:NAME references. The
method defaults to the image's entry point. Arguments after -- are parsed
according to the method's parameter types.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			images, rest := args, []string(nil)
			if dash := cmd.ArgsLenAtDash(); dash >= 0 {
				images, rest = args[:dash], args[dash:]
			}
			return runProgram(cmd.Context(), cmd.OutOrStdout(), o, images, rest)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.method, "method", "m", "", "method to run as Namespace.Class::Name")
	f.StringVar(&o.db, "db", "mint.db", "image store for store:NAME arguments")
	f.IntVarP(&o.parallel, "parallel", "p", 1, "run the method on this many threads at once")
	f.DurationVar(&o.timeout, "timeout", 0, "cancel the run after this long")
	f.BoolVar(&o.trace, "trace", false, "log calls, returns and throws")
	f.BoolVar(&o.steps, "steps", false, "with --trace, also log every instruction")
	f.BoolVar(&o.profile, "profile", false, "print per-method counters after the run")
	f.IntVar(&o.top, "top", 10, "methods listed by --profile")
	return cmd
}

func runProgram(ctx context.Context, out io.Writer, o runOptions, paths, rawArgs []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	p, err := loadProgram(ctx, o.db, paths)
	if err != nil {
		return err
	}
	desc, err := p.method(o.method)
	if err != nil {
		return err
	}

	c := *cfg
	c.Trace.Enabled = c.Trace.Enabled || o.trace
	c.Trace.Steps = c.Trace.Steps || o.steps
	var tracers []vm.Tracer
	var prof *vm.Profiler
	if o.profile {
		prof = vm.NewProfiler()
		tracers = append(tracers, prof)
	}
	opts := append(c.Options(tracers...), vm.WithUnhandledHandler(func(*vm.UnhandledError) {}))
	rt := vm.NewRuntime(opts...)

	m, err := rt.GetOrTransform(desc)
	if err != nil {
		return err
	}
	args, err := parseArgs(m, rawArgs)
	if err != nil {
		return err
	}

	n := max(o.parallel, 1)
	results := make([]vm.Value, n)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			v, err := rt.Invoke(gctx, desc, args...)
			results[i] = v
			return err
		})
	}
	err = g.Wait()
	elapsed := time.Since(start)
	if err != nil {
		var ue *vm.UnhandledError
		if errors.As(err, &ue) {
			return fmt.Errorf("%w\n%s", err, ue.Exception.StackTrace())
		}
		return err
	}

	if m.ReturnKind != vm.KindVoid {
		fmt.Fprintln(out, results[0])
	}
	if prof != nil {
		printProfile(out, prof, o.top, n, elapsed)
	}
	return nil
}

func printProfile(out io.Writer, prof *vm.Profiler, top, threads int, elapsed time.Duration) {
	st := prof.Stats()
	fmt.Fprintf(out, "%s %s calls, %s instructions, %d throws, %d threads in %s\n",
		bold("profile:"), humanize.Comma(int64(st.Calls)), humanize.Comma(int64(st.Instructions)),
		st.Throws, threads, elapsed.Round(time.Microsecond))
	for _, mc := range prof.TopMethods(top) {
		p := prof.Profile(mc.Method)
		hot := ""
		if p.IsHot() {
			hot = yellow(" hot")
		}
		fmt.Fprintf(out, "  %12s  %8s calls  %s%s\n",
			humanize.Comma(int64(mc.Count)), humanize.Comma(int64(p.Calls.Load())), cyan(mc.Method.Name()), hot)
	}
}
