package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/balena-io-modules/livepush/internal/config"
	"github.com/balena-io-modules/livepush/internal/containerrt/dockerapi"
	"github.com/balena-io-modules/livepush/internal/ctxlog"
	"github.com/balena-io-modules/livepush/internal/dockerfile"
	"github.com/balena-io-modules/livepush/internal/events"
	"github.com/balena-io-modules/livepush/internal/orchestrator"
	"github.com/balena-io-modules/livepush/internal/recipe"
)

// main is the entrypoint for the livepush CLI: a single-shot invocation
// that replays the stages affected by one batch of changed files. Feeding
// it repeatedly (from a filesystem watcher, a CI step, or a shell loop) is
// the caller's responsibility — livepush itself never watches anything.
func main() {
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		if exitErr, ok := err.(*ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ExitError carries a process exit code alongside a user-facing message.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

func run(outW io.Writer, args []string) error {
	flagSet := flag.NewFlagSet("livepush", flag.ContinueOnError)
	flagSet.SetOutput(outW)
	flagSet.Usage = func() {
		fmt.Fprint(outW, `
livepush - replay changed Dockerfile stages inside running containers.

Usage:
  livepush [options] [added-or-updated-file ...]

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "livepush.hcl", "path to a livepush.hcl project file")
	dockerfileFlag := flagSet.String("dockerfile", "", "path to the Dockerfile recipe (overrides the config file)")
	contextFlag := flagSet.String("context", "", "build-context root (overrides the config file)")
	terminalFlag := flagSet.String("terminal-container", "", "id of the already-running terminal container (overrides the config file)")
	stageImagesFlag := flagSet.String("stage-images", "", "comma-separated pre-built image ids for every stage before the terminal one, in stage order")
	skipRestartFlag := flagSet.Bool("skip-restart", false, "skip restarting the terminal container after a restart-eligible group")
	deletedFlag := flagSet.String("deleted", "", "comma-separated paths, relative to the build context, that were removed")
	logLevelFlag := flagSet.String("log-level", "info", "log level: debug, info, warn, error")
	logFormatFlag := flagSet.String("log-format", "text", "log format: text or json")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return &ExitError{Code: 2, Message: err.Error()}
	}

	logger, err := newLogger(*logLevelFlag, *logFormatFlag, outW)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	ctx := ctxlog.WithLogger(context.Background(), logger)

	project, err := config.Load(*configFlag)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	applyOverrides(project, *dockerfileFlag, *contextFlag, *terminalFlag, *stageImagesFlag, *skipRestartFlag)

	if project.Dockerfile == "" || project.TerminalContainer == "" {
		flagSet.Usage()
		return &ExitError{Code: 2, Message: "dockerfile and terminal-container are required (via flags or livepush.hcl)"}
	}
	if project.Context == "" {
		project.Context = filepath.Dir(project.Dockerfile)
	}

	r, err := loadRecipe(project.Dockerfile)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}

	client, err := dockerapi.New()
	if err != nil {
		return &ExitError{Code: 1, Message: err.Error()}
	}

	stageContainers, err := startStageContainers(ctx, client, r, project)
	if err != nil {
		return &ExitError{Code: 1, Message: err.Error()}
	}

	bus := events.NewBus()
	o, err := orchestrator.New(r, client, bus, project.Context, stageContainers, project.SkipContainerRestart)
	if err != nil {
		return &ExitError{Code: 1, Message: err.Error()}
	}
	o.SetBuildArguments(project.BuildArgs)

	added := toSet(flagSet.Args())
	deleted := toSet(splitNonEmpty(*deletedFlag, ","))

	logger.Info("performing livepush", "added_or_updated", len(added), "deleted", len(deleted))
	if err := o.PerformLivepush(ctx, added, deleted); err != nil {
		return &ExitError{Code: 1, Message: err.Error()}
	}
	return nil
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log-level %q: must be debug, info, warn, or error", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log-format %q: must be 'text' or 'json'", format)
	}
}

func applyOverrides(p *config.Project, dockerfile, context, terminal, stageImages string, skipRestart bool) {
	if dockerfile != "" {
		p.Dockerfile = dockerfile
	}
	if context != "" {
		p.Context = context
	}
	if terminal != "" {
		p.TerminalContainer = terminal
	}
	if stageImages != "" {
		p.StageImages = splitNonEmpty(stageImages, ",")
	}
	if skipRestart {
		p.SkipContainerRestart = true
	}
}

func loadRecipe(path string) (*recipe.Recipe, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	entries, err := dockerfile.Parse(string(text))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	r, err := recipe.Build(entries)
	if err != nil {
		return nil, fmt.Errorf("build recipe from %s: %w", path, err)
	}
	return r, nil
}

// startStageContainers starts one fresh helper container per non-terminal
// stage from its pre-built image, then maps the terminal stage onto the
// caller's already-running container. The orchestrator never starts
// containers itself: it only ever operates on ids handed to it.
func startStageContainers(ctx context.Context, client interface {
	StartContainerFromImage(ctx context.Context, image string, entrypoint []string) (string, error)
}, r *recipe.Recipe, project *config.Project) (map[int]string, error) {
	nonTerminal := len(r.Stages) - 1
	if len(project.StageImages) != nonTerminal {
		return nil, fmt.Errorf("%d stage-images required for %d non-terminal stages, got %d", nonTerminal, nonTerminal, len(project.StageImages))
	}

	out := make(map[int]string, len(r.Stages))
	for idx, image := range project.StageImages {
		id, err := client.StartContainerFromImage(ctx, image, nil)
		if err != nil {
			return nil, fmt.Errorf("start helper container for stage %d: %w", idx, err)
		}
		out[idx] = id
	}
	out[nonTerminal] = project.TerminalContainer
	return out, nil
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
