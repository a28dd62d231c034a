package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/scott-cotton/cli"
	debugscan "github.com/vskurikhin/go-pq-debugscan"
)

/*
	pq-debug-scan -config ./config.yml -table users
	pq-debug-scan -config ./config.yml -table users -snapshot 740:745:742
	pq-debug-scan -config ./config.yml -serve

	CREATE EXTENSION pageinspect;
*/

type scanConfig struct {
	Config string `cli:"name=config desc='yaml or json config file'"`
	Table  string `cli:"name=table desc='table to scan, optionally schema qualified'"`
	JSON   bool   `cli:"name=json desc='print rows as a JSON array'"`
	Serve  bool   `cli:"name=serve desc='serve /scan and /metrics over HTTP instead of scanning once'"`

	// Snapshot is nil unless -snapshot was given; an empty value is passed on and rejected by the scan.
	Snapshot *string

	Command *cli.Command
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli.MainContext(ctx, MainCommand(ctx))
}

func MainCommand(ctx context.Context) *cli.Command {
	cfg := &scanConfig{Config: "./config.yml"}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	opts = append(opts, &cli.Opt{
		Name:        "snapshot",
		Description: "snapshot to scan under; the transaction snapshot if omitted",
		Type:        cli.NamedFuncOpt(cfg.snapshotOpt, "(xmin:xmax:xip1,xip2,...)"),
	})

	return cli.NewCommandAt(&cfg.Command, "pq-debug-scan").
		WithSynopsis("pq-debug-scan [-config file] -table name [-snapshot xmin:xmax:xip] [-json] | -serve").
		WithDescription("pq-debug-scan prints the tuple versions of a table visible under a snapshot.").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return cfg.run(ctx, cc, args)
		})
}

func (cfg *scanConfig) snapshotOpt(_ *cli.Context, v string) (any, error) {
	cfg.Snapshot = &v
	return v, nil
}

func (cfg *scanConfig) validate() error {
	if cfg.Serve {
		if cfg.Table != "" || cfg.Snapshot != nil {
			return fmt.Errorf("%w: -serve takes no -table or -snapshot", cli.ErrUsage)
		}
		return nil
	}

	if cfg.Table == "" {
		return fmt.Errorf("%w: -table is required unless -serve is set", cli.ErrUsage)
	}
	return nil
}

func (cfg *scanConfig) run(ctx context.Context, cc *cli.Context, args []string) error {
	args, err := cfg.Command.Parse(cc, args)
	if err != nil {
		cfg.Command.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}
	if len(args) != 0 {
		return fmt.Errorf("%w: unexpected arguments %q", cli.ErrUsage, args)
	}
	if err = cfg.validate(); err != nil {
		return err
	}

	scanner, err := debugscan.NewScannerWithConfigFile(ctx, cfg.Config)
	if err != nil {
		return fail(err)
	}
	defer scanner.Close()

	if cfg.Serve {
		scanner.Start(ctx)
		return nil
	}

	rows, err := scanner.ScanTable(ctx, cfg.Table, cfg.Snapshot)
	if err != nil {
		return fail(err)
	}

	if cfg.JSON {
		err = writeJSON(cc.Out, rows)
	} else {
		err = writeTable(cc.Out, rows)
	}
	if err != nil {
		return fail(err)
	}
	return nil
}

func writeTable(w io.Writer, rows []debugscan.Row) error {
	header := color.New(color.Bold)
	if _, err := header.Fprintln(w, "xmin\txmax\tdata"); err != nil {
		return err
	}

	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%d\t%d\t%s\n", r.Xmin, r.Xmax, r.Data); err != nil {
			return err
		}
	}

	_, err := color.New(color.Faint).Fprintf(w, "(%d rows)\n", len(rows))
	return err
}

func writeJSON(w io.Writer, rows []debugscan.Row) error {
	if rows == nil {
		rows = []debugscan.Row{}
	}
	return jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(rows)
}

func fail(err error) error {
	color.New(color.FgRed).Fprintln(os.Stderr, "pq-debug-scan:", err)
	return cli.ExitCodeErr(1)
}
