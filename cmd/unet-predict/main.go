package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/getcharzp/go-unet/batch"
	"github.com/getcharzp/go-unet/internal/ctxlog"
	"github.com/getcharzp/go-unet/segment"
	"github.com/getcharzp/go-unet/server"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

const usageText = `Usage: unet-predict [command] [flags]

Commands:
  predict   Predict masks for a directory of images (default)
  serve     Serve predictions over HTTP
  version   Print version and exit

Run 'unet-predict <command> --help' for the flags of a command.
`

// engine is what the commands need from a loaded model.
type engine interface {
	batch.Predictor
	Destroy() error
}

// openEngine loads the model. Tests replace it to run without onnxruntime.
var openEngine = func(cfg segment.Config) (engine, error) {
	e, err := segment.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usageText)
		return 2
	}

	switch first := args[0]; {
	case first == "-h" || first == "--help" || first == "help":
		fmt.Fprint(stdout, usageText)
		return 0
	case first == "version":
		printVersion(stdout)
		return 0
	case first == "predict":
		return runPredict(args[1:], stdout, stderr)
	case first == "serve":
		return runServe(args[1:], stdout, stderr)
	case strings.HasPrefix(first, "-"):
		return runPredict(args, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unet-predict: unknown command %q\n\n%s", first, usageText)
		return 2
	}
}

func printVersion(w io.Writer) {
	version := "(devel)"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		version = info.Main.Version
	}
	fmt.Fprintf(w, "unet-predict %s\n", version)
}

func predictFlags(stderr io.Writer) func(*settings) *flag.FlagSet {
	return func(s *settings) *flag.FlagSet {
		fs := flag.NewFlagSet("predict", flag.ContinueOnError)
		fs.SetOutput(stderr)
		addEngineFlags(fs, s)
		addCommonFlags(fs, s)
		fs.StringVarP(&s.Input, "input", "i", s.Input, "directory of input images, or a single image")
		fs.StringVarP(&s.Output, "output", "o", s.Output, "output directory (default: the input directory)")
		fs.StringVar(&s.Pattern, "pattern", s.Pattern, "glob selecting input files inside the input directory")
		fs.BoolVarP(&s.Viz, "viz", "v", s.Viz, "also write <name>_overlay.png with the mask blended over the image")
		fs.BoolVarP(&s.NoSave, "no-save", "n", s.NoSave, "do not save the output masks")
		fs.BoolVar(&s.NoProbs, "no-probs", s.NoProbs, "do not save the <name>.npy probability tensors")
		fs.BoolVar(&s.FullSize, "full-size", s.FullSize, "resize masks back to the source image size")
		fs.IntVar(&s.Workers, "workers", s.Workers, "number of images predicted concurrently")
		fs.StringVar(&s.Font, "font", s.Font, "TrueType font for overlay legends (default: built-in bitmap font)")
		fs.Usage = func() {
			fmt.Fprintf(stderr, "Usage: unet-predict predict [flags]\n\n"+
				"Predict segmentation masks for every matching image in a directory.\n"+
				"Writes <name>.npy (class probabilities, shape 1xCxHxW) and\n"+
				"<name>_prediction.jpg (color-coded mask) per image.\n\nFlags:\n")
			fs.PrintDefaults()
		}
		return fs
	}
}

func runPredict(args []string, stdout, stderr io.Writer) int {
	s, _, err := parseWithConfig(predictFlags(stderr), args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "unet-predict: %v\n", err)
		return 2
	}
	if s.Input == "" {
		fmt.Fprintln(stderr, "unet-predict: --input is required")
		return 2
	}

	logger, err := newLogger(stderr, s.LogLevel, s.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "unet-predict: %v\n", err)
		return 2
	}
	opts, err := s.batchOptions()
	if err != nil {
		fmt.Fprintf(stderr, "unet-predict: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = ctxlog.WithLogger(ctx, logger)

	logger.Info("loading model", "model", s.Model)
	e, err := openEngine(s.engineConfig())
	if err != nil {
		logger.Error("loading model failed", "error", err)
		return 1
	}
	defer e.Destroy()
	logger.Info("model loaded", "cuda", s.Cuda)

	runner, err := batch.NewRunner(e, opts)
	if err != nil {
		logger.Error("preparing batch failed", "error", err)
		return 1
	}
	defer runner.Close()

	summary, err := runner.Run(ctx)
	fmt.Fprintf(stdout, "predicted %d/%d images in %s\n", summary.Succeeded, summary.Total, summary.Duration.Round(time.Millisecond))
	if err != nil {
		logger.Error("batch finished with errors", "error", err)
		return 1
	}
	return 0
}

func serveFlags(stderr io.Writer) func(*settings) *flag.FlagSet {
	return func(s *settings) *flag.FlagSet {
		fs := flag.NewFlagSet("serve", flag.ContinueOnError)
		fs.SetOutput(stderr)
		addEngineFlags(fs, s)
		addCommonFlags(fs, s)
		fs.StringVar(&s.Listen, "listen", s.Listen, "address to listen on")
		fs.Usage = func() {
			fmt.Fprintf(stderr, "Usage: unet-predict serve [flags]\n\n"+
				"Serve predictions over HTTP:\n"+
				"  GET  /health\n"+
				"  POST /predict        multipart field 'image', responds with a PNG mask\n"+
				"  POST /predict/json   multipart field 'image', responds with class coverage\n\nFlags:\n")
			fs.PrintDefaults()
		}
		return fs
	}
}

func runServe(args []string, stdout, stderr io.Writer) int {
	s, _, err := parseWithConfig(serveFlags(stderr), args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "unet-predict: %v\n", err)
		return 2
	}
	logger, err := newLogger(stderr, s.LogLevel, s.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "unet-predict: %v\n", err)
		return 2
	}
	palette, err := s.palette()
	if err != nil {
		fmt.Fprintf(stderr, "unet-predict: %v\n", err)
		return 2
	}

	e, err := openEngine(s.engineConfig())
	if err != nil {
		logger.Error("loading model failed", "error", err)
		return 1
	}
	defer e.Destroy()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              s.Listen,
		Handler:           server.NewHandler(e, palette, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := serve(ctx, srv, logger); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	fmt.Fprintln(stdout, "server stopped")
	return 0
}

// serve runs srv until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
