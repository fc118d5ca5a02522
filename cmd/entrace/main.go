// entrace trace server and query runner
// Receives spans over the length-prefixed wire protocol, converts trace
// files between stream and indexed form, and runs Lua queries.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entrace-dev/entrace/internal/logger"
	"github.com/entrace-dev/entrace/internal/metrics"
	"github.com/entrace-dev/entrace/pkg/query"
	"github.com/entrace-dev/entrace/pkg/store"
	"github.com/entrace-dev/entrace/pkg/trace"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "convert":
		err = runConvert(os.Args[2:])
	case "query":
		err = runQuery(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "entrace: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: entrace <command> [flags]

commands:
  serve    receive spans over a socket and write a trace file on shutdown
  convert  convert a trace file between stream and indexed form
  query    run a Lua query script against a trace file`)
}

// ingestObserver adapts the ingest event hooks to Prometheus counters.
type ingestObserver struct {
	m *metrics.Metrics
}

func (o ingestObserver) ConnOpened() {
	o.m.ConnectionsTotal.Inc()
	o.m.ConnectionsActive.Inc()
}
func (o ingestObserver) ConnClosed() { o.m.ConnectionsActive.Dec() }
func (o ingestObserver) FrameReceived(n int) {
	o.m.FramesReceivedTotal.Inc()
	o.m.FrameBytesTotal.Add(float64(n))
}
func (o ingestObserver) SpanIngested() { o.m.SpansIngestedTotal.Inc() }
func (o ingestObserver) DecodeError() { o.m.FrameDecodeErrors.Inc() }

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":9180", "ingest listen address")
	metricsAddr := fs.String("metrics-addr", ":9181", "Prometheus metrics address, empty to disable")
	out := fs.String("out", "trace.etr", "output trace file written on shutdown")
	indexed := fs.Bool("indexed", false, "write the indexed form instead of stream form")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	pretty := fs.Bool("pretty", false, "pretty-print logs")
	fs.Parse(args)

	logger.InitGlobalLogger(logger.Config{Level: *logLevel, Pretty: *pretty})
	log := logger.GetGlobalLogger()
	m := metrics.NewMetrics()

	srv, err := store.NewIngestServer(store.IngestConfig{
		Addr:     *addr,
		Logger:   log.IngestLogger(),
		Observer: ingestObserver{m: m},
	})
	if err != nil {
		return err
	}
	log.LogServerStart(*addr, *out)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("metrics endpoint failed").Err(err).Send()
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		return err
	}

	st := srv.Store()
	m.TraceSpansTotal.Set(float64(st.SpanCount()))
	log.LogServerShutdown(st.SpanCount())
	return writeAtomically(*out, func(f *os.File) error {
		return srv.WriteTo(f, *indexed)
	})
}

func runConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	in := fs.String("in", "", "input trace file")
	out := fs.String("out", "", "output trace file")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.Parse(args)
	if *in == "" || *out == "" {
		return fmt.Errorf("convert: -in and -out are required")
	}

	logger.InitGlobalLogger(logger.Config{Level: *logLevel, Pretty: true})
	log := logger.GetGlobalLogger().StoreLogger("convert")

	f, err := os.Open(*in)
	if err != nil {
		return err
	}
	defer f.Close()

	var m [trace.MagicLen]byte
	if _, err := f.Read(m[:]); err != nil {
		return fmt.Errorf("reading magic: %w", err)
	}
	_, format, err := trace.ParseMagic(m)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}

	start := time.Now()
	direction := "stream_to_indexed"
	convert := store.StreamToIndexed
	if format == trace.FormatIndexed {
		direction = "indexed_to_stream"
		convert = store.IndexedToStream
	}
	err = writeAtomically(*out, func(dst *os.File) error {
		return convert(f, dst)
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("direction", direction).
		Str("in", *in).
		Str("out", *out).
		Dur("elapsed", time.Since(start)).
		Msg("conversion complete")
	return nil
}

func runQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	traceFile := fs.String("trace", "", "trace file to query")
	scriptFile := fs.String("script", "", "Lua query script")
	workers := fs.Int("workers", -1, "worker count; 0 = inline single-threaded, negative = logical CPUs")
	timeout := fs.Duration("timeout", 0, "wall-clock limit, 0 = none")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus metrics address, empty to disable")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.Parse(args)
	if *traceFile == "" || *scriptFile == "" {
		return fmt.Errorf("query: -trace and -script are required")
	}

	logger.InitGlobalLogger(logger.Config{Level: *logLevel, Pretty: true})
	log := logger.GetGlobalLogger()

	t, err := store.OpenTrace(*traceFile)
	if err != nil {
		return err
	}
	defer t.Close()

	script, err := os.ReadFile(*scriptFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	var m *metrics.Metrics
	if *metricsAddr != "" {
		m = metrics.NewMetrics()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("metrics endpoint failed").Err(err).Send()
			}
		}()
	}

	eng := query.NewEngine(t, query.Options{Logger: log.QueryLogger()})
	start := time.Now()
	ids, err := eng.Run(ctx, string(script), *workers)
	log.LogQuery(*workers, time.Since(start), len(ids), err)
	if m != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.QueryWorkers.Set(float64(*workers))
		m.RecordQuery(status, time.Since(start), len(ids))
	}
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

// writeAtomically writes through a temp file in the target directory
// and renames into place, so a failed conversion or flush never leaves
// a half-written trace behind.
func writeAtomically(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".entrace-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
