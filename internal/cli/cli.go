package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/joho/godotenv"

	"github.com/asynkron/gitapply/internal/config"
	"github.com/asynkron/gitapply/internal/gitindex"
	"github.com/asynkron/gitapply/internal/render"
	"github.com/asynkron/gitapply/pkg/logging"
	"github.com/asynkron/gitapply/pkg/objstore"
	"github.com/asynkron/gitapply/pkg/patch"
)

// Run executes gitapply using the provided CLI arguments and reads the patch
// from stdin when no file is named. It returns a POSIX-style exit code: 0 on
// success, 1 when the patch does not apply, 2 on usage errors.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return RunWithInput(ctx, args, os.Stdin, stdout, stderr)
}

// RunWithInput is Run with an explicit stdin.
func RunWithInput(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	if err := godotenv.Load(); err != nil {
		// A missing .env file is fine, but other errors should be surfaced to help with debugging.
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintf(stderr, "failed to load .env: %v\n", err)
			return 1
		}
	}

	flagSet := flag.NewFlagSet("gitapply", flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.Usage = func() {
		fmt.Fprintln(stderr, "usage: gitapply [flags] [patch-file|-]")
		flagSet.PrintDefaults()
	}
	tree := flagSet.String("tree", "", "apply against this tree-ish in the object database instead of the working tree")
	check := flagSet.Bool("check", false, "verify the patch applies without writing anything")
	jsonOut := flagSet.Bool("json", false, "print the result as JSON")
	gitDir := flagSet.String("git-dir", os.Getenv("GIT_DIR"), "path to the repository's git directory (default <work-tree>/.git)")
	workTree := flagSet.String("work-tree", os.Getenv("GIT_WORK_TREE"), "path to the working tree (default current directory)")
	configPath := flagSet.String("config", "", "config file (default <work-tree>/"+config.DefaultFile+")")
	logLevel := flagSet.String("log-level", "", "log level: debug, info, warn or error")
	allowOverwrite := flagSet.Bool("allow-overwrite", false, "let added files replace existing entries")
	noColor := flagSet.Bool("no-color", false, "disable ANSI styling")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() > 1 {
		fmt.Fprintln(stderr, "gitapply: at most one patch file may be given")
		flagSet.Usage()
		return 2
	}

	root := strings.TrimSpace(*workTree)
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(stderr, "failed to determine working directory: %v\n", err)
			return 1
		}
		root = wd
	}
	repoDir := strings.TrimSpace(*gitDir)
	if repoDir == "" {
		repoDir = filepath.Join(root, ".git")
	}

	cfgFile, optional := *configPath, false
	if cfgFile == "" {
		cfgFile, optional = filepath.Join(root, config.DefaultFile), true
	}
	cfg, err := config.Load(cfgFile, optional)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *allowOverwrite {
		cfg.AllowOverwriteOnAdd = true
	}

	color := render.ColorAuto
	if *noColor {
		color = render.ColorNever
	}
	printer := render.New(stdout, render.Options{JSON: *jsonOut, Color: color})
	logger := logging.NewStdLogger(cfg.Level(), stderr)
	ctx = logging.WithTraceID(ctx, logging.NewTraceID())

	input, closeInput, err := openPatch(flagSet.Arg(0), stdin)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer closeInput()

	opts := patch.Options{
		Logger:              logger,
		Filters:             cfg.FilterTable(),
		AllowOverwriteOnAdd: cfg.AllowOverwriteOnAdd,
		InCoreLimit:         cfg.InCoreLimit,
	}

	applier, err := newApplier(mode{tree: *tree, check: *check}, opts, root, repoDir, cfg)
	if err != nil {
		logger.Error(ctx, "failed to prepare apply", err)
		_ = printer.Failure(err)
		return 1
	}

	res, err := applier.ApplyPatch(ctx, input)
	if err != nil {
		logger.Debug(ctx, "patch rejected", logging.Field("error", err.Error()))
		if perr := printer.Failure(err); perr != nil {
			fmt.Fprintf(stderr, "failed to write output: %v\n", perr)
		}
		return 1
	}
	if err := printer.Result(res, *check); err != nil {
		fmt.Fprintf(stderr, "failed to write output: %v\n", err)
		return 1
	}
	return 0
}

type mode struct {
	tree  string
	check bool
}

// newApplier picks the backend: a virtual apply onto a tree-ish, a virtual
// dry run against the index, or a materialized apply to the working tree.
func newApplier(m mode, opts patch.Options, root, gitDir string, cfg config.Config) (*patch.Applier, error) {
	if m.tree == "" && !m.check {
		return patch.NewMaterialized(patch.FilesystemOptions{
			Options:    opts,
			WorkingDir: root,
			GitDir:     gitDir,
			AutoCRLF:   cfg.AutoCRLF,
		})
	}

	if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s is not a git directory", gitDir)
	}
	store := objstore.Open(gitDir)
	if m.check {
		store = objstore.NewScratch(store)
	}

	var base plumbing.Hash
	if m.tree != "" {
		id, err := store.ResolveTree(m.tree)
		if err != nil {
			return nil, err
		}
		base = id
	} else {
		snap, err := gitindex.Read(gitDir)
		if err != nil {
			return nil, err
		}
		id, err := store.WriteTree(snap)
		if err != nil {
			return nil, err
		}
		base = id
	}
	return patch.NewVirtual(store, base, opts), nil
}

func openPatch(name string, stdin io.Reader) (io.Reader, func(), error) {
	if name == "" || name == "-" {
		if stdin == nil {
			return nil, nil, errors.New("gitapply: no patch on stdin")
		}
		return stdin, func() {}, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open patch: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
