// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Program prmi is a command-line utility for exploring prmi addresses,
// redistribution plans, and objects.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/prmi"
	"github.com/creachadair/prmi/handler"
	"github.com/creachadair/prmi/link"
	"github.com/creachadair/prmi/mxn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var rootFlags struct {
	LogLevel string `flag:"log-level,default=info,Log level (debug, info, warn, error)"`
}

var planFlags struct {
	Caller string `flag:"caller,Caller distribution (lo:hi,lo:hi,...)"`
	Callee string `flag:"callee,Callee distribution (lo:hi,lo:hi,...)"`
}

var serveFlags struct {
	Host    string `flag:"host,default=localhost,Host to listen on"`
	Metrics string `flag:"metrics,Serve Prometheus metrics at this address (host:port)"`
	Reclaim bool   `flag:"reclaim,Release references held by peers that disconnect"`
}

var callFlags struct {
	Timeout time.Duration `flag:"timeout,default=10s,Timeout for each call"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for working with prmi objects.",
		SetFlags: command.Flags(flax.MustBind, &rootFlags),
		Commands: []*command.C{
			{
				Name:  "parse",
				Usage: "<address>...",
				Help:  "Parse object addresses and print their fields.",
				Run:   runParse,
			},
			{
				Name:     "plan",
				Usage:    "--caller <dist> --callee <dist>",
				Help:     "Print the redistribution plan between two distributions.",
				SetFlags: command.Flags(flax.MustBind, &planFlags),
				Run:      runPlan,
			},
			{
				Name: "serve",
				Help: `Export a demo object and serve it until interrupted.

The object has type ` + demoType + ` with methods "echo" and "scale".
Its address is printed to stdout.`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "call",
				Usage:    "<address> <text>",
				Help:     "Call the echo method of a demo object and print the reply.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			{
				Name:     "scale",
				Usage:    "<address> <factor> <value>...",
				Help:     "Call the scale method of a demo object and print the reply.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runScale,
			},
			{
				Name:     "info",
				Usage:    "<address>",
				Help:     "Print the identity and type of an object.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runInfo,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// initLogging configures the global logger from the root flags.
func initLogging() error {
	level, err := zerolog.ParseLevel(rootFlags.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	return nil
}

func runParse(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing address")
	}
	var errs []error
	for _, arg := range env.Args {
		a, err := prmi.ParseAddress(arg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Printf("%s\n  protocol: %q\n  host:     %q\n  port:     %d\n  spec:     %q\n",
			a, a.Protocol, a.Host, a.Port, a.Spec)
	}
	return errors.Join(errs...)
}

func runPlan(env *command.Env) error {
	if planFlags.Caller == "" || planFlags.Callee == "" {
		return env.Usagef("both --caller and --callee are required")
	}
	caller, err := mxn.ParseDistribution(planFlags.Caller)
	if err != nil {
		return fmt.Errorf("caller: %w", err)
	}
	callee, err := mxn.ParseDistribution(planFlags.Callee)
	if err != nil {
		return fmt.Errorf("callee: %w", err)
	}
	fmt.Printf("fingerprint %016x\n", mxn.Fingerprint(caller, callee))
	for _, t := range mxn.ComputePlan(caller, callee) {
		fmt.Println(t)
	}
	return nil
}

func runServe(env *command.Env) error {
	if err := initLogging(); err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := prmi.NewMux(link.TCP(), demoRegistry(), &prmi.MuxOptions{
		Logger:         &log.Logger,
		ReclaimOrphans: serveFlags.Reclaim,
	})
	defer m.Close()
	m.OnDisconnect(func(peer string, err error) {
		log.Info().Str("peer", peer).AnErr("err", err).Msg("peer disconnected")
	})

	obj, err := m.Endpoint().Export(demoSpec, demoType, nil)
	if err != nil {
		return err
	}
	obj.OnDestroy(func(o *prmi.Object) {
		log.Info().Str("spec", o.Spec()).Msg("demo object destroyed")
		cancel()
	})
	base, err := m.Open(ctx, serveFlags.Host)
	if err != nil {
		return err
	}
	fmt.Println(base.WithSpec(demoSpec))

	if serveFlags.Metrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(m.Collector(prometheus.Labels{"spec": demoSpec}))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}))
		srv := &http.Server{Addr: serveFlags.Metrics, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			srv.Shutdown(sctx)
		}()
		log.Info().Str("addr", serveFlags.Metrics).Msg("serving metrics")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

// A client holds a proxy for a demo object.
type client struct {
	m   *prmi.Mux
	p   *prmi.Proxy
	typ *prmi.Type
}

func (c client) Close() { c.p.Close(); c.m.Close() }

// dialDemo returns a client for the demo object at the address in arg.
func dialDemo(ctx context.Context, arg string) (client, error) {
	addr, err := prmi.ParseAddress(arg)
	if err != nil {
		return client{}, err
	}
	reg := demoRegistry()
	m := prmi.NewMux(link.TCP(), reg, &prmi.MuxOptions{Logger: &log.Logger})
	ref, err := m.Reference(ctx, addr)
	if err != nil {
		m.Close()
		return client{}, err
	}
	return client{
		m:   m,
		p:   prmi.NewProxy(prmi.NewReferenceManager(ref)),
		typ: reg.Lookup(demoType),
	}, nil
}

func runCall(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("need an address and a text")
	}
	if err := initLogging(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(env.Context(), callFlags.Timeout)
	defer cancel()

	c, err := dialDemo(ctx, env.Args[0])
	if err != nil {
		return err
	}
	defer c.Close()
	rsp, err := handler.Call[string](ctx, c.p, c.typ.Method("echo"), env.Args[1])
	if err != nil {
		return err
	}
	fmt.Println(rsp)
	return nil
}

func runScale(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("need an address and a factor")
	}
	if err := initLogging(); err != nil {
		return err
	}
	factor, err := strconv.ParseFloat(env.Args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid factor: %w", err)
	}
	var vs []float64
	for _, arg := range env.Args[2:] {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return fmt.Errorf("invalid value: %w", err)
		}
		vs = append(vs, v)
	}

	ctx, cancel := context.WithTimeout(env.Context(), callFlags.Timeout)
	defer cancel()
	c, err := dialDemo(ctx, env.Args[0])
	if err != nil {
		return err
	}
	defer c.Close()
	rsp, err := c.p.Call(ctx, c.typ.Method("scale"), func(m *prmi.Message) {
		m.MarshalDouble(factor)
		m.MarshalInt(int32(len(vs)))
		m.MarshalDouble(vs...)
	})
	if err != nil {
		return err
	}
	n, err := rsp.Int()
	if err != nil {
		return err
	}
	out, err := rsp.UnmarshalDouble(int(n))
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func runInfo(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("need an address")
	}
	if err := initLogging(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(env.Context(), callFlags.Timeout)
	defer cancel()
	c, err := dialDemo(ctx, env.Args[0])
	if err != nil {
		return err
	}
	defer c.Close()

	id, typeName, err := c.p.Identify(ctx)
	if err != nil {
		return err
	}
	isBase, err := c.p.IsType(ctx, baseType)
	if err != nil {
		return err
	}
	fmt.Printf("id:   %s\ntype: %s\nis %s: %v\n", id, typeName, baseType, isBase)
	if td, ok := c.m.Types().Lookup(typeName); ok {
		for name, hid := range td.Methods {
			fmt.Printf("  method %q = %d\n", name, hid)
		}
	}
	return nil
}
