package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	. "github.com/ZenLiuCN/dynso"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := cli.NewApp()
	app.Name = "dynso"
	app.Usage = "hot reloadable native module host"
	app.Description = "load a shared object, call its exported functions and reload it when the file changes"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, EnvVars: []string{"DYNSO_DEBUG"}},
		&cli.DurationFlag{Name: "interval", Aliases: []string{"i"}, Value: DefaultInterval, EnvVars: []string{"DYNSO_INTERVAL"}, Usage: "modification time poll interval"},
		&cli.BoolFlag{Name: "notify", Aliases: []string{"n"}, EnvVars: []string{"DYNSO_NOTIFY"}, Usage: "poll early on filesystem events"},
		&cli.StringFlag{Name: "shadow", Aliases: []string{"s"}, EnvVars: []string{"DYNSO_SHADOW"}, Usage: "directory for per generation copies of the module"},
	}
	app.Before = func(ctx *cli.Context) (err error) {
		var l *zap.Logger
		if ctx.Bool("debug") {
			l, err = zap.NewDevelopment()
		} else {
			l, err = zap.NewProduction()
		}
		if err == nil {
			SetLogger(l)
		}
		return
	}
	app.Commands = []*cli.Command{
		{
			Name:      "inspect",
			Action:    inspect,
			Usage:     "display exported functions of module files without loading them",
			ArgsUsage: "<file>...",
		},
		{
			Name:      "functions",
			Action:    functions,
			Usage:     "load a module and display its resolved functions",
			ArgsUsage: "<file>",
		},
		{
			Name:      "call",
			Action:    call,
			Usage:     "call an exported function with integer arguments",
			Flags:     []cli.Flag{bitsFlag()},
			ArgsUsage: "<file> <symbol> [int]...",
		},
		{
			Name:   "watch",
			Action: watch,
			Usage:  "call an exported function repeatedly while the module is reloaded on change",
			Flags: []cli.Flag{
				&cli.DurationFlag{Name: "every", Aliases: []string{"e"}, Value: time.Second, Usage: "delay between two calls"},
				bitsFlag(),
			},
			ArgsUsage: "<file> <symbol> [int]...",
		},
	}
	err := app.Run(os.Args)
	_ = Logger().Sync()
	if err != nil {
		log.Fatalf("failure %s", err)
	}
}

func bitsFlag() cli.Flag {
	return &cli.IntFlag{Name: "bits", Aliases: []string{"b"}, Value: 32, Usage: "width of the signed integer result: 8, 16, 32 or 64"}
}

// result reads the low bits of a raw return register as a signed integer.
func result(v uintptr, bits int) (int64, error) {
	switch bits {
	case 8:
		return int64(int8(v)), nil
	case 16:
		return int64(int16(v)), nil
	case 32:
		return int64(int32(v)), nil
	case 64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("unsupported result width %d", bits)
	}
}

func options(ctx *cli.Context) []Option {
	return []Option{
		WithInterval(ctx.Duration("interval")),
		WithNotify(ctx.Bool("notify")),
		WithShadowCopy(ctx.String("shadow")),
	}
}

func arguments(v []string) (out []uintptr, err error) {
	for _, s := range v {
		var i int64
		if i, err = strconv.ParseInt(s, 0, 64); err != nil {
			return nil, fmt.Errorf("argument %q: %w", s, err)
		}
		out = append(out, uintptr(i))
	}
	return
}

func inspect(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("missing module files")
	}
	for _, f := range ctx.Args().Slice() {
		names, err := Inspect(f)
		if err != nil {
			return err
		}
		fmt.Println(f)
		for _, n := range names {
			fmt.Printf("\t%s\n", n)
		}
	}
	return nil
}

func functions(ctx *cli.Context) (err error) {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expect one module file")
	}
	var r *Reloader
	if r, err = New(ctx.Args().First(), options(ctx)...); err != nil {
		return
	}
	defer func() {
		if e := r.Close(); err == nil {
			err = e
		}
	}()
	syms := r.Functions()
	for _, n := range syms.Names() {
		fmt.Printf("%#016x\t%s\n", uintptr(syms[n]), n)
	}
	return
}

func call(ctx *cli.Context) (err error) {
	if ctx.NArg() < 2 {
		return fmt.Errorf("expect module file and symbol")
	}
	args, err := arguments(ctx.Args().Slice()[2:])
	if err != nil {
		return
	}
	bits := ctx.Int("bits")
	if _, err = result(0, bits); err != nil {
		return
	}
	var r *Reloader
	if r, err = New(ctx.Args().Get(0), options(ctx)...); err != nil {
		return
	}
	defer func() {
		if e := r.Close(); err == nil {
			err = e
		}
	}()
	var v uintptr
	if v, err = r.Invoke(ctx.Args().Get(1), args...); err != nil {
		return
	}
	n, _ := result(v, bits)
	fmt.Println(n)
	return
}

func watch(ctx *cli.Context) (err error) {
	if ctx.NArg() < 2 {
		return fmt.Errorf("expect module file and symbol")
	}
	args, err := arguments(ctx.Args().Slice()[2:])
	if err != nil {
		return
	}
	bits := ctx.Int("bits")
	if _, err = result(0, bits); err != nil {
		return
	}
	var r *Reloader
	if r, err = New(ctx.Args().Get(0), options(ctx)...); err != nil {
		return
	}
	defer func() {
		if e := r.Close(); err == nil {
			err = e
		}
	}()
	sig, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sym := ctx.Args().Get(1)
	t := time.NewTicker(ctx.Duration("every"))
	defer t.Stop()
	l := Logger()
	for {
		select {
		case <-sig.Done():
			return nil
		case <-t.C:
			v, err := r.Invoke(sym, args...)
			if err != nil {
				l.Warn("invoke", zap.String("symbol", sym), zap.Uint64("generation", r.Generation()), zap.Error(err))
				continue
			}
			n, _ := result(v, bits)
			l.Info("invoke", zap.String("symbol", sym), zap.Uint64("generation", r.Generation()), zap.Int64("result", n))
		}
	}
}
