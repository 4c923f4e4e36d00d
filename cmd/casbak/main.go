package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"casbak/internal/dirent"
	"casbak/internal/extract"
	"casbak/internal/fusemount"
	"casbak/internal/logging"
	"casbak/internal/repo"
	"casbak/internal/scanner"
	"casbak/internal/snaplog"
)

var version = "0.1.0"

// errNoop marks a run that had nothing to do. It exits 1 unless
// --allow-noop promotes it to success.
var errNoop = errors.New("nothing to do")

// execError marks a failure during command execution, as opposed to a
// usage error. Execution failures exit 3, usage errors 2.
type execError struct{ err error }

func (e *execError) Error() string { return e.err.Error() }
func (e *execError) Unwrap() error { return e.err }

type app struct {
	backupDir string
	verbose   int
	quiet     int
	allowNoop bool

	log *zap.Logger
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	a := &app{log: zap.NewNop()}
	root := a.rootCmd()
	root.SetArgs(args)

	err := root.Execute()
	if a.log != nil {
		a.log.Sync()
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errNoop):
		if a.allowNoop {
			return 0
		}
		fmt.Fprintln(os.Stderr, "casbak:", err)
		return 1
	default:
		var ee *execError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "casbak:", ee.err)
			return 3
		}
		fmt.Fprintln(os.Stderr, "casbak:", err)
		return 2
	}
}

// exec wraps a command body so its failures are tagged as execution
// errors. No-op results pass through untouched.
func exec(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := fn(cmd, args); err != nil {
			if errors.Is(err, errNoop) {
				return err
			}
			return &execError{err}
		}
		return nil
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "casbak",
		Short:   "casbak is a deduplicating backup tool",
		Long:    `casbak stores filesystem trees in a content-addressable store. Identical content is kept once; every import is a cheap immutable snapshot.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(a.verbose - a.quiet)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			a.log = logger
			return nil
		},
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.backupDir, "backup-dir", "D", ".", "backup repository directory")
	pf.CountVarP(&a.verbose, "verbose", "v", "increase verbosity (repeatable)")
	pf.CountVarP(&a.quiet, "quiet", "q", "decrease verbosity (repeatable)")
	pf.BoolVar(&a.allowNoop, "allow-noop", false, "treat a run with nothing to do as success")
	pf.BoolP("help", "?", false, "help for casbak")
	root.Flags().BoolP("version", "V", false, "print the version")

	root.AddCommand(
		a.initCmd(),
		a.importCmd(),
		a.exportCmd(),
		a.logCmd(),
		a.lsCmd(),
		a.mountCmd(),
		a.commandsCmd(root),
	)
	return root
}

func (a *app) open() (*repo.Repository, error) {
	return repo.Open(a.backupDir, a.log)
}

func (a *app) initCmd() *cobra.Command {
	var caseInsensitive bool
	var codecName string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a backup repository",
		Args:  cobra.NoArgs,
		RunE: exec(func(cmd *cobra.Command, args []string) error {
			cfg := repo.DefaultConfig()
			cfg.CaseInsensitive = caseInsensitive
			cfg.Codec = codecName
			if err := repo.Initialize(a.backupDir, cfg); err != nil {
				return err
			}
			fmt.Println("Initialized empty backup repository in", a.backupDir)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&caseInsensitive, "case-insensitive", false, "fold name case on lookups")
	cmd.Flags().StringVar(&codecName, "codec", "", "directory codec for new blobs")
	return cmd
}

func (a *app) importCmd() *cobra.Command {
	var message string
	var watch bool

	cmd := &cobra.Command{
		Use:   "import PATH",
		Short: "Import a directory tree as a new snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: exec(func(cmd *cobra.Command, args []string) error {
			r, err := a.open()
			if err != nil {
				return err
			}
			defer r.Close()

			src := args[0]
			snap, changed, err := importOnce(r, src, message, a.log)
			if err != nil {
				return err
			}
			if changed {
				printSnapshot(snap)
			}

			if watch {
				return watchImport(r, src, message, a.log)
			}
			if !changed {
				return fmt.Errorf("%w: tree unchanged since last snapshot", errNoop)
			}
			return nil
		}),
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "snapshot message")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep watching and re-import on changes")
	return cmd
}

func importOnce(r *repo.Repository, src, message string, log *zap.Logger) (snaplog.Snapshot, bool, error) {
	prev := r.FS.Root()

	sc := scanner.New(r.FS, log)
	if err := sc.StoreDir(src, r.FS.Path()); err != nil {
		r.FS.Rollback()
		return snaplog.Snapshot{}, false, err
	}
	root, err := r.FS.Commit()
	if err != nil {
		return snaplog.Snapshot{}, false, err
	}
	if root.Ref == prev.Ref {
		return snaplog.Snapshot{}, false, nil
	}
	snap, err := r.Snaps.Append(root, message)
	if err != nil {
		return snaplog.Snapshot{}, false, err
	}
	log.Info("import finished",
		zap.Int("stored", sc.FilesStored()),
		zap.Int("reused", sc.FilesReused()))
	return snap, true, nil
}

func watchImport(r *repo.Repository, src, message string, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := scanner.NewWatcher(src, time.Second, log)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "watching", src, "(interrupt to stop)")
	err = w.Run(ctx, func() {
		snap, changed, err := importOnce(r, src, message, log)
		if err != nil {
			log.Error("re-import failed", zap.Error(err))
			return
		}
		if changed {
			printSnapshot(snap)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) exportCmd() *cobra.Command {
	var snapshotID string
	var force bool

	cmd := &cobra.Command{
		Use:   "export DEST",
		Short: "Restore a snapshot to a directory",
		Args:  cobra.ExactArgs(1),
		RunE: exec(func(cmd *cobra.Command, args []string) error {
			r, err := a.open()
			if err != nil {
				return err
			}
			defer r.Close()

			var root dirent.Entry
			if snapshotID != "" {
				snap, err := r.Snaps.Get(snapshotID)
				if err != nil {
					return err
				}
				root = snap.Root
			} else {
				latest, err := r.Snaps.Latest()
				if err != nil {
					return err
				}
				if latest == nil {
					return fmt.Errorf("%w: repository has no snapshots", errNoop)
				}
				root = latest.Root
			}

			x := extract.New(r.FS, a.log)
			if err := x.Restore(root, args[0], force); err != nil {
				return err
			}
			fmt.Printf("Restored %d files to %s\n", x.FilesWritten(), args[0])
			return nil
		}),
	}
	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "snapshot id to restore (default latest)")
	cmd.Flags().BoolVar(&force, "force", false, "restore into a non-empty destination")
	return cmd
}

func (a *app) logCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: exec(func(cmd *cobra.Command, args []string) error {
			r, err := a.open()
			if err != nil {
				return err
			}
			defer r.Close()

			snaps, err := r.Snaps.List()
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				return fmt.Errorf("%w: repository has no snapshots", errNoop)
			}
			for i := len(snaps) - 1; i >= 0; i-- {
				printSnapshot(snaps[i])
			}
			return nil
		}),
	}
}

func printSnapshot(s snaplog.Snapshot) {
	color.Yellow("snapshot %s", s.ID)
	fmt.Printf("Date: %s\n", s.CreatedAt.Local().Format(time.RFC1123))
	fmt.Printf("Root: %s\n", shortDigest(s.Root.Ref))
	if s.Message != "" {
		fmt.Printf("\n    %s\n", s.Message)
	}
	fmt.Println()
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func (a *app) lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [PATH]",
		Short: "List a directory inside the latest snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: exec(func(cmd *cobra.Command, args []string) error {
			r, err := a.open()
			if err != nil {
				return err
			}
			defer r.Close()

			path := "/"
			if len(args) == 1 {
				path = args[0]
			}
			entries, err := r.FS.SplitPath(path).List()
			if err != nil {
				return err
			}
			for _, e := range entries {
				printEntry(e)
			}
			return nil
		}),
	}
}

func printEntry(e dirent.Entry) {
	var size int64
	if e.Size != nil {
		size = *e.Size
	}
	mtime := ""
	if e.ModifyTS != nil {
		mtime = time.Unix(*e.ModifyTS, 0).Format("2006-01-02 15:04")
	}

	name := e.Name
	switch e.Kind {
	case dirent.KindDir:
		name = color.BlueString(name + "/")
	case dirent.KindSymlink:
		name = color.CyanString("%s -> %s", name, e.Ref)
	case dirent.KindFile:
	default:
		name = color.MagentaString(name)
	}
	fmt.Printf("%-8s %10d  %-16s %s\n", e.Kind, size, mtime, name)
}

func (a *app) mountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mount MOUNTPOINT",
		Short: "Mount the latest snapshot read-only",
		Args:  cobra.ExactArgs(1),
		RunE: exec(func(cmd *cobra.Command, args []string) error {
			r, err := a.open()
			if err != nil {
				return err
			}
			defer r.Close()

			root := r.FS.Root()
			if root.Ref == "" || root.Ref == r.FS.EmptyDirDigest() {
				latest, err := r.Snaps.Latest()
				if err != nil {
					return err
				}
				if latest == nil {
					return fmt.Errorf("%w: repository has no snapshots", errNoop)
				}
				root = latest.Root
			}

			server, err := fusemount.Mount(args[0], r.FS, root, a.log)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "mounted at", args[0], "(interrupt to unmount)")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				server.Unmount()
			}()
			server.Wait()
			return nil
		}),
	}
}

func (a *app) commandsCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "List available subcommands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, c := range root.Commands() {
				if c.Hidden {
					continue
				}
				fmt.Println(c.Name())
			}
			return nil
		},
	}
}
