// Package main provides the clipstitch command line tool: plan, stitch and
// preview compositions against a local ffmpeg.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/maauso/clipstitch/internal/clip"
	"github.com/maauso/clipstitch/internal/config"
	"github.com/maauso/clipstitch/internal/engine"
	"github.com/maauso/clipstitch/internal/media"
	"github.com/maauso/clipstitch/internal/planner"
	"github.com/maauso/clipstitch/internal/preview"
	"github.com/maauso/clipstitch/internal/stitch"
)

// ErrInvalidRegion is returned for a malformed --region value.
var ErrInvalidRegion = errors.New("region must be x,y,w,h")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	defaults := planner.DefaultSettings()

	return &cli.App{
		Name:  "clipstitch",
		Usage: "stitch video clips with transitions using ffmpeg",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ffmpeg", Value: "ffmpeg", EnvVars: []string{"FFMPEG_PATH"}, Usage: "ffmpeg binary"},
			&cli.StringFlag{Name: "ffprobe", Value: "ffprobe", EnvVars: []string{"FFPROBE_PATH"}, Usage: "ffprobe binary"},
			&cli.StringFlag{Name: "work-dir", Value: os.TempDir(), EnvVars: []string{"TEMP_DIR"}, Usage: "directory for engine sandboxes"},
			&cli.StringFlag{Name: "video-codec", Value: defaults.VideoCodec, EnvVars: []string{"VIDEO_CODEC"}},
			&cli.StringFlag{Name: "preset", Value: defaults.Preset, EnvVars: []string{"VIDEO_PRESET"}},
			&cli.IntFlag{Name: "crf", Value: defaults.CRF, EnvVars: []string{"VIDEO_CRF"}},
			&cli.IntFlag{Name: "fps", Value: defaults.FrameRate, EnvVars: []string{"OUTPUT_FPS"}},
			&cli.StringFlag{Name: "log-level", Value: "warn", EnvVars: []string{"LOG_LEVEL"}},
			&cli.StringFlag{Name: "log-format", Value: "text", EnvVars: []string{"LOG_FORMAT"}},
		},
		Commands: []*cli.Command{
			planCommand(),
			stitchCommand(),
			previewCommand(),
			transitionsCommand(),
		},
	}
}

// toolConfig maps the global flags onto the server's configuration so both
// binaries derive settings and loggers the same way.
func toolConfig(c *cli.Context) *config.Config {
	return &config.Config{
		FFmpegPath:  c.String("ffmpeg"),
		FFprobePath: c.String("ffprobe"),
		TempDir:     c.String("work-dir"),
		VideoCodec:  c.String("video-codec"),
		VideoPreset: c.String("preset"),
		VideoCRF:    c.Int("crf"),
		OutputFPS:   c.Int("fps"),
		LogLevel:    c.String("log-level"),
		LogFormat:   c.String("log-format"),
	}
}

func prober(cfg *config.Config) media.Prober {
	return media.ChainProber{media.NewMP4Prober(), media.NewFFprobe(cfg.FFprobePath)}
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Usage:     "print the strategy and ffmpeg arguments without running them",
		ArgsUsage: "MANIFEST",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print the plan as JSON"},
			&cli.BoolFlag{Name: "no-probe", Usage: "plan with manifest metadata only"},
		},
		Action: func(c *cli.Context) error {
			cfg := toolConfig(c)
			logger := cfg.NewLoggerTo(c.App.ErrWriter)

			comp, err := loadComposition(c, cfg, logger, !c.Bool("no-probe"))
			if err != nil {
				return err
			}
			cmd, plan, err := planner.Compose(comp, cfg.Settings())
			if err != nil {
				return fmt.Errorf("plan composition: %w", err)
			}

			if c.Bool("json") {
				return writePlanJSON(c.App.Writer, cfg.FFmpegPath, cmd, plan)
			}
			writePlan(c.App.Writer, cfg.FFmpegPath, cmd, plan)
			return nil
		},
	}
}

func stitchCommand() *cli.Command {
	return &cli.Command{
		Name:      "stitch",
		Usage:     "render a manifest with the local ffmpeg",
		ArgsUsage: "MANIFEST",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output file (default: manifest output)"},
		},
		Action: func(c *cli.Context) error {
			cfg := toolConfig(c)
			logger := cfg.NewLoggerTo(c.App.ErrWriter)

			m, err := manifestArg(c)
			if err != nil {
				return err
			}
			comp, err := m.Composition(c.Context, prober(cfg), logger)
			if err != nil {
				return err
			}

			eng, err := engine.NewFFmpegEngine(cfg.FFmpegPath, cfg.TempDir, engine.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("create engine: %w", err)
			}
			defer func() {
				if err := eng.Close(); err != nil {
					logger.Warn("failed to remove engine sandbox", slog.String("error", err.Error()))
				}
			}()

			runner := stitch.NewRunner(eng, fileOpener{}, cfg.Settings(), logger)
			progress := newProgressPrinter(c.App.ErrWriter, "stitching")
			res, err := runner.Stitch(c.Context, comp, stitch.WithProgress(progress.Update))
			progress.Done()
			if err != nil {
				return withAdvice(err)
			}

			out := outputPath(c.String("output"), m.Output, res.Output)
			if err := os.WriteFile(out, res.Data, 0o644); err != nil { // #nosec G306 - rendered media is not secret
				return fmt.Errorf("write output: %w", err)
			}
			_, _ = fmt.Fprintf(c.App.Writer, "%s (%s, %d bytes)\n", out, res.Strategy, len(res.Data))
			return nil
		},
	}
}

func previewCommand() *cli.Command {
	return &cli.Command{
		Name:      "preview",
		Usage:     "extract one frame with a mask or crop region applied",
		ArgsUsage: "CLIP",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "at", Usage: "timestamp in seconds"},
			&cli.StringFlag{Name: "mode", Value: string(planner.PreviewMask), Usage: "mask or crop"},
			&cli.StringFlag{Name: "region", Required: true, Usage: "x,y,w,h in pixels"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: planner.PreviewOutput},
		},
		Action: func(c *cli.Context) error {
			cfg := toolConfig(c)
			logger := cfg.NewLoggerTo(c.App.ErrWriter)

			if c.Args().Len() != 1 {
				return fmt.Errorf("expected one clip, got %d arguments", c.Args().Len())
			}
			path := c.Args().First()

			region, err := parseRegion(c.String("region"))
			if err != nil {
				return err
			}
			req, err := previewRequest(c.Context, prober(cfg), path, c.Float64("at"), planner.PreviewMode(c.String("mode")), region)
			if err != nil {
				return err
			}

			eng, err := engine.NewFFmpegEngine(cfg.FFmpegPath, cfg.TempDir, engine.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("create engine: %w", err)
			}
			defer func() {
				if err := eng.Close(); err != nil {
					logger.Warn("failed to remove engine sandbox", slog.String("error", err.Error()))
				}
			}()

			frame, err := preview.NewController(eng, fileOpener{}, logger).
				Extract(c.Context, req, planner.PreviewMode(c.String("mode")))
			if err != nil {
				return err
			}
			if err := os.WriteFile(c.String("output"), frame.Data, 0o644); err != nil { // #nosec G306 - rendered media is not secret
				return fmt.Errorf("write preview: %w", err)
			}
			if !frame.Filtered {
				_, _ = fmt.Fprintln(c.App.ErrWriter, "warning: the filter could not be applied; wrote the unfiltered frame")
			}
			_, _ = fmt.Fprintln(c.App.Writer, c.String("output"))
			return nil
		},
	}
}

func transitionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "transitions",
		Usage: "list transition kinds",
		Action: func(c *cli.Context) error {
			for _, k := range clip.Kinds() {
				_, _ = fmt.Fprintln(c.App.Writer, k)
			}
			return nil
		},
	}
}

func manifestArg(c *cli.Context) (*Manifest, error) {
	if c.Args().Len() != 1 {
		return nil, fmt.Errorf("expected one manifest, got %d arguments", c.Args().Len())
	}
	return LoadManifest(c.Args().First())
}

func loadComposition(c *cli.Context, cfg *config.Config, logger *slog.Logger, probe bool) (clip.Composition, error) {
	m, err := manifestArg(c)
	if err != nil {
		return clip.Composition{}, err
	}
	var p media.Prober
	if probe {
		p = prober(cfg)
	}
	return m.Composition(c.Context, p, logger)
}

func previewRequest(ctx context.Context, p media.Prober, path string, at float64, mode planner.PreviewMode, region planner.Region) (planner.PreviewRequest, error) {
	ref := planner.ClipRef{
		Source: path,
		Ext:    strings.TrimPrefix(filepath.Ext(path), "."),
	}
	if info, err := p.Probe(ctx, path); err == nil {
		ref.Width, ref.Height = info.Width, info.Height
		if info.Ext != "" {
			ref.Ext = info.Ext
		}
	}

	req := planner.PreviewRequest{Clip: ref, Timestamp: at}
	switch mode {
	case planner.PreviewMask:
		req.Mask = &region
	case planner.PreviewCrop:
		req.Crop = &region
	default:
		return planner.PreviewRequest{}, fmt.Errorf("unknown preview mode %q", mode)
	}
	return req, nil
}

func parseRegion(s string) (planner.Region, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return planner.Region{}, fmt.Errorf("%w: %q", ErrInvalidRegion, s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return planner.Region{}, fmt.Errorf("%w: %q", ErrInvalidRegion, s)
		}
		v[i] = n
	}
	return planner.Region{X: v[0], Y: v[1], W: v[2], H: v[3]}, nil
}

// withAdvice appends the operator hint to engine failures.
func withAdvice(err error) error {
	var execErr *stitch.ExecutionError
	if errors.As(err, &execErr) {
		return fmt.Errorf("%w (%s)", err, execErr.Advice())
	}
	return err
}

// outputPath picks the flag, then the manifest, then the engine's output name.
func outputPath(flag, manifest, engineName string) string {
	switch {
	case flag != "":
		return flag
	case manifest != "":
		return manifest
	default:
		return filepath.Base(engineName)
	}
}

// fileOpener serves clip sources straight from the filesystem.
type fileOpener struct{}

func (fileOpener) Open(_ context.Context, source string) (io.ReadCloser, error) {
	return os.Open(source) // #nosec G304 - paths come from the operator's manifest
}

type planJSON struct {
	Strategy  planner.Strategy   `json:"strategy"`
	Inputs    map[string]string  `json:"inputs"`
	Junctions []planner.Junction `json:"junctions,omitempty"`
	Output    string             `json:"output"`
	Argv      []string           `json:"argv"`
}

func writePlanJSON(w io.Writer, ffmpeg string, cmd *planner.Command, plan *planner.Plan) error {
	out := planJSON{
		Strategy: cmd.Strategy,
		Inputs:   make(map[string]string, len(cmd.Inputs)),
		Output:   cmd.Output,
		Argv:     append([]string{ffmpeg}, cmd.Args...),
	}
	for _, in := range cmd.Inputs {
		out.Inputs[in.Name] = in.Source
	}
	if plan != nil {
		out.Junctions = plan.Junctions
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writePlan(w io.Writer, ffmpeg string, cmd *planner.Command, plan *planner.Plan) {
	_, _ = fmt.Fprintf(w, "strategy: %s\n", cmd.Strategy)
	for _, in := range cmd.Inputs {
		_, _ = fmt.Fprintf(w, "input:    %s <- %s\n", in.Name, in.Source)
	}
	if plan != nil {
		for _, j := range plan.Junctions {
			if j.Concat {
				_, _ = fmt.Fprintf(w, "junction %d: concat at %.3fs\n", j.Index, j.Offset)
				continue
			}
			_, _ = fmt.Fprintf(w, "junction %d: %s %.3fs at %.3fs\n", j.Index, j.Kind, j.Duration, j.Offset)
		}
	}

	argv := make([]string, 0, len(cmd.Args)+1)
	for _, a := range append([]string{ffmpeg}, cmd.Args...) {
		argv = append(argv, shellQuote(a))
	}
	_, _ = fmt.Fprintln(w, strings.Join(argv, " "))
}

// shellQuote single-quotes arguments a POSIX shell would split or expand.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=,+@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
