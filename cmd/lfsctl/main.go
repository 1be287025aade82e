// Command lfsctl runs lifecycle operations on demand: sweeps, forced
// archival and localisation, uploads, deletions, and connectivity checks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/I54m/LFS/internal/app"
	"github.com/I54m/LFS/internal/config"
	"github.com/I54m/LFS/internal/database"
	"github.com/I54m/LFS/internal/embed"
	"github.com/I54m/LFS/internal/models"
	"github.com/I54m/LFS/internal/observability"
	"github.com/I54m/LFS/internal/server"
	"github.com/I54m/LFS/internal/service"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type command struct {
	usage string
	// run receives the flag set already parsed; a is nil for commands that
	// do not touch storage.
	run     func(ctx context.Context, a *app.App, fs *flag.FlagSet) error
	flags   func(fs *flag.FlagSet)
	offline bool
}

var commands = map[string]command{
	"expire": {
		usage: "archive expired local files and purge expired archived ones",
		run: func(ctx context.Context, a *app.App, _ *flag.FlagSet) error {
			return printBatch(a.Archiver.ExpireSweep(ctx))
		},
	},
	"orphans": {
		usage: "remove stored files no record claims [-tier local|archive|all]",
		flags: func(fs *flag.FlagSet) { fs.String("tier", "all", "local, archive or all") },
		run: func(ctx context.Context, a *app.App, fs *flag.FlagSet) error {
			switch tier := fs.Lookup("tier").Value.String(); tier {
			case "local":
				return printBatch(a.Sweeper.SweepLocal(ctx))
			case "archive":
				return printBatch(a.Sweeper.SweepRemote(ctx))
			case "all":
				return a.Sweeper.SweepAll(ctx)
			default:
				return fmt.Errorf("unknown tier %q", tier)
			}
		},
	},
	"archive": {
		usage: "move local files to the archive: archive ID...",
		run: func(ctx context.Context, a *app.App, fs *flag.FlagSet) error {
			ids, err := needIDs(fs)
			if err != nil {
				return err
			}
			return printBatch(a.Archiver.ForceArchive(ctx, ids))
		},
	},
	"localise": {
		usage: "bring archived files back to local storage: localise ID...",
		run: func(ctx context.Context, a *app.App, fs *flag.FlagSet) error {
			ids, err := needIDs(fs)
			if err != nil {
				return err
			}
			if len(ids) == 1 {
				if err := a.Archiver.LocaliseOne(ctx, ids[0]); err != nil {
					return err
				}
				return showRecords(ctx, a, ids)
			}
			return printBatch(a.Archiver.ForceLocalise(ctx, ids))
		},
	},
	"delete-archived": {
		usage: "delete an archived file and its record: delete-archived ID",
		run: func(ctx context.Context, a *app.App, fs *flag.FlagSet) error {
			id, err := needID(fs)
			if err != nil {
				return err
			}
			return a.Archiver.DeleteArchived(ctx, id)
		},
	},
	"delete": {
		usage: "delete a file in any tier: delete ID",
		run: func(ctx context.Context, a *app.App, fs *flag.FlagSet) error {
			id, err := needID(fs)
			if err != nil {
				return err
			}
			return a.Files.Delete(ctx, id)
		},
	},
	"persist": {
		usage: "pin a local file to local storage: persist ID",
		run: func(ctx context.Context, a *app.App, fs *flag.FlagSet) error {
			id, err := needID(fs)
			if err != nil {
				return err
			}
			if _, err := a.Files.SetPersistent(ctx, id); err != nil {
				return err
			}
			return showRecords(ctx, a, []string{id})
		},
	},
	"create": {
		usage: "upload a file: create [-kind K] [-access A] [-mime M] [-persistent] PATH",
		flags: func(fs *flag.FlagSet) {
			fs.String("kind", string(models.UploadManual), "upload kind")
			fs.String("access", string(models.AccessPublic), "access level")
			fs.String("mime", "", "MIME type, detected when empty")
			fs.String("uploader", "", "uploader id")
			fs.Bool("persistent", false, "never archive")
		},
		run: func(ctx context.Context, a *app.App, fs *flag.FlagSet) error {
			if fs.NArg() != 1 {
				return errors.New("create needs exactly one PATH")
			}
			f, err := os.Open(fs.Arg(0))
			if err != nil {
				return err
			}
			defer f.Close()

			rec, err := a.Files.Create(ctx, service.CreateRequest{
				Filename:   filepath.Base(fs.Arg(0)),
				Content:    f,
				UploadKind: models.UploadKind(fs.Lookup("kind").Value.String()),
				MimeType:   fs.Lookup("mime").Value.String(),
				UploaderID: fs.Lookup("uploader").Value.String(),
				Access:     models.AccessLevel(fs.Lookup("access").Value.String()),
				Persistent: fs.Lookup("persistent").Value.String() == "true",
			})
			if err != nil {
				return err
			}
			// thumbnails may still be rendering on the pool
			a.Pool.Wait()
			return showRecords(ctx, a, []string{rec.ID})
		},
	},
	"show": {
		usage: "print records: show ID...",
		run: func(ctx context.Context, a *app.App, fs *flag.FlagSet) error {
			ids, err := needIDs(fs)
			if err != nil {
				return err
			}
			return showRecords(ctx, a, ids)
		},
	},
	"embed": {
		usage: "print the oEmbed document: embed [-format json|xml] [-maxwidth N] [-maxheight N] ID",
		flags: func(fs *flag.FlagSet) {
			fs.String("format", "json", "json or xml")
			fs.Int("maxwidth", 0, "maximum width")
			fs.Int("maxheight", 0, "maximum height")
		},
		run: func(ctx context.Context, a *app.App, fs *flag.FlagSet) error {
			id, err := needID(fs)
			if err != nil {
				return err
			}
			resp, err := a.Files.Embed(ctx, id, embed.Options{
				MaxWidth:  intFlag(fs, "maxwidth"),
				MaxHeight: intFlag(fs, "maxheight"),
			})
			if err != nil {
				return err
			}
			var body []byte
			switch format := fs.Lookup("format").Value.String(); format {
			case "json":
				body, err = resp.JSON()
			case "xml":
				body, err = resp.XML()
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	},
	"check-archive": {
		usage: "open an archive session and list its root",
		run: func(ctx context.Context, a *app.App, _ *flag.FlagSet) error {
			if err := a.Archiver.CheckArchive(ctx); err != nil {
				return err
			}
			color.Green.Println("archive reachable")
			return nil
		},
	},
	"health": {
		usage: "query a running lfsd: health [-addr host:port]",
		flags: func(fs *flag.FlagSet) { fs.String("addr", "localhost:50051", "lfsd gRPC address") },
		run: func(ctx context.Context, _ *app.App, fs *flag.FlagSet) error {
			return printHealth(ctx, fs.Lookup("addr").Value.String())
		},
		offline: true,
	},
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" {
		usage()
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		color.Red.Printf("unknown command %q\n", args[0])
		usage()
		return 2
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	verbose := fs.Bool("v", false, "log at the configured level instead of warn")
	timeout := fs.Duration("timeout", 0, "abort after this long")
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	if cmd.offline {
		return report(cmd.run(ctx, nil, fs))
	}

	cfg, err := config.Load()
	if err != nil {
		return report(err)
	}
	level := "warn"
	if *verbose {
		level = cfg.LogLevel
	}
	logger, err := observability.InitLogger(observability.LogOptions{Dev: cfg.LogDev, Level: level, Stderr: true})
	if err != nil {
		return report(err)
	}
	defer logger.Sync()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return report(err)
	}
	code := report(cmd.run(ctx, a, fs))
	if err := a.Close(); err != nil && code == 0 {
		code = report(err)
	}
	return code
}

// report prints err and maps it to an exit status: 1 for failures, 3 when a
// batch finished with per-record failures.
func report(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, models.ErrAggregate):
		color.Yellow.Println(err)
		return 3
	case errors.Is(err, database.ErrLocked):
		color.Red.Println(err)
		color.Yellow.Println("lfsd holds the badger store; stop it or set LFS_REPOSITORY_DRIVER=postgres")
		return 1
	default:
		color.Red.Println(err)
		return 1
	}
}

func usage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(os.Stderr, "usage: lfsctl COMMAND [-v] [-timeout D] [flags] [args]")
	fmt.Fprintln(os.Stderr)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-16s %s\n", name, commands[name].usage)
	}
}

func needIDs(fs *flag.FlagSet) ([]string, error) {
	if fs.NArg() == 0 {
		return nil, errors.New("at least one ID is required")
	}
	return fs.Args(), nil
}

func needID(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", errors.New("exactly one ID is required")
	}
	return fs.Arg(0), nil
}

func intFlag(fs *flag.FlagSet, name string) int {
	var n int
	_, _ = fmt.Sscan(fs.Lookup(name).Value.String(), &n)
	return n
}

func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	return table
}

func printBatch(res service.BatchResult, err error) error {
	table := newTable("Operation", "Run ID", "Processed", "Failed")
	failed := fmt.Sprint(res.Failed)
	if res.Failed > 0 {
		failed = color.Red.Render(failed)
	}
	table.Append([]string{res.Operation, res.RunID, fmt.Sprint(res.Processed), failed})
	table.Render()
	return err
}

func showRecords(ctx context.Context, a *app.App, ids []string) error {
	table := newTable("ID", "State", "Kind", "MIME", "Path", "Thumbnail", "Persistent", "Expires", "Access")
	var missing []string
	for _, id := range ids {
		rec, err := a.Files.Get(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return err
		}
		table.Append([]string{
			rec.ID,
			stateLabel(rec.State),
			string(rec.ContentKind),
			rec.MimeType,
			rec.StoragePath,
			rec.ThumbnailPath,
			fmt.Sprint(rec.Persistent),
			rec.ExpirationDate.Format(time.DateOnly),
			string(rec.Access),
		})
	}
	table.Render()
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", models.ErrNotFound, strings.Join(missing, ", "))
	}
	return nil
}

func stateLabel(s models.State) string {
	switch s {
	case models.StateLocal:
		return color.Green.Render(string(s))
	case models.StateArchived:
		return color.Cyan.Render(string(s))
	default:
		return color.Yellow.Render(string(s))
	}
}

func printHealth(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	table := newTable("Service", "Status")
	for _, svc := range []string{"", server.ArchiveService} {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		cancel()
		if err != nil {
			return err
		}
		name := svc
		if name == "" {
			name = "(server)"
		}
		status := resp.GetStatus().String()
		if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			status = color.Green.Render(status)
		} else {
			status = color.Red.Render(status)
		}
		table.Append([]string{name, status})
	}
	table.Render()
	return nil
}
