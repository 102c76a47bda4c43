package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	cli "github.com/jawher/mow.cli"
	"github.com/olekukonko/tablewriter"
	"github.com/opencontainers/go-digest"
	"github.com/seantis/tagsweep/pkg/config"
	"github.com/seantis/tagsweep/pkg/journal"
	"github.com/seantis/tagsweep/pkg/lock"
	_ "github.com/seantis/tagsweep/pkg/provider" // to register providers
	"github.com/seantis/tagsweep/pkg/registry"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// the options every command connecting to the registry accepts
const connectSpec = "[--config] [--registry] [--auth] [--data] [--timeout] [--verbose]"

func main() {
	app := cli.App("tagsweep", "Delete tags from a docker registry without losing shared tags")
	ctx := newInterruptableContext()

	log.SetReportTimestamp(false)

	app.Command("version", "Show version", func(cmd *cli.Cmd) {
		cmd.Action = func() {
			fmt.Printf("tagsweep %s, commit %s, built at %s\n", version, commit, date)
		}
	})

	app.Command("repos", "List the repositories with tags", func(cmd *cli.Cmd) {
		cmd.Spec = "[--all] " + connectSpec

		var (
			opts = newConnectOpts(cmd)
			all  = cmd.BoolOpt("all", false, "Include repositories without tags")
		)

		cmd.Action = func() {
			c := opts.load()
			ctx, cancel := withTimeout(ctx, c)
			defer cancel()

			reg := opts.open(ctx, c, nil)

			list := reg.ListRepositoryNames
			if *all {
				list = reg.ListAllRepositoryNames
			}

			names, err := list(ctx)
			if err != nil {
				log.Fatal("error listing repositories", "err", err)
			}

			for _, name := range names {
				fmt.Println(name)
			}
		}
	})

	app.Command("tags", "List the tags of a repository", func(cmd *cli.Cmd) {
		cmd.Spec = "REPOSITORY " + connectSpec

		var (
			name = newRepositoryArg(cmd)
			opts = newConnectOpts(cmd)
		)

		cmd.Action = func() {
			c := opts.load()
			ctx, cancel := withTimeout(ctx, c)
			defer cancel()

			repo := mustRepository(ctx, opts.open(ctx, c, nil), *name)

			tags, err := repo.ListTags(ctx)
			if err != nil {
				log.Fatal("error listing tags", "repository", *name, "err", err)
			}

			for _, tag := range tags {
				fmt.Println(tag)
			}
		}
	})

	app.Command("info", "Show the metadata of one or all tags", func(cmd *cli.Cmd) {
		cmd.Spec = "REPOSITORY [TAG] " + connectSpec

		var (
			name = newRepositoryArg(cmd)
			tag  = cmd.StringArg("TAG", "", "The tag, all tags are listed if omitted")
			opts = newConnectOpts(cmd)
		)

		cmd.Action = func() {
			c := opts.load()
			ctx, cancel := withTimeout(ctx, c)
			defer cancel()

			repo := mustRepository(ctx, opts.open(ctx, c, nil), *name)

			if *tag != "" {
				info, err := repo.GetInfo(ctx, *tag)
				if err != nil {
					log.Fatal("error reading tag", "repository", *name, "tag", *tag, "err", err)
				}

				renderInfo(info)
				return
			}

			tags, err := repo.ListTags(ctx)
			if err != nil {
				log.Fatal("error listing tags", "repository", *name, "err", err)
			}

			infos := make([]*registry.TagInfo, len(tags))

			g, ctx := errgroup.WithContext(ctx)
			g.SetLimit(4)

			for i, t := range tags {
				i, t := i, t
				g.Go(func() (err error) {
					if infos[i], err = repo.GetInfo(ctx, t); err != nil {
						return fmt.Errorf("error reading tag %s: %w", t, err)
					}
					return nil
				})
			}

			if err := g.Wait(); err != nil {
				log.Fatal("error reading tags", "repository", *name, "err", err)
			}

			renderInfos(infos)
		}
	})

	app.Command("find", "Find the tags of all repositories pointing to a digest", func(cmd *cli.Cmd) {
		cmd.Spec = "DIGEST " + connectSpec

		var (
			arg  = cmd.StringArg("DIGEST", "", "The manifest digest, e.g. sha256:6c3c62...")
			opts = newConnectOpts(cmd)
		)

		cmd.Action = func() {
			d, err := digest.Parse(strings.TrimSpace(*arg))
			if err != nil {
				log.Fatal("invalid digest", "digest", *arg, "err", err)
			}

			c := opts.load()
			ctx, cancel := withTimeout(ctx, c)
			defer cancel()

			refs, err := opts.open(ctx, c, nil).FindImagesByDigest(ctx, d)
			if err != nil {
				log.Fatal("error searching digest", "digest", d, "err", err)
			}

			for _, ref := range refs {
				fmt.Println(ref)
			}
		}
	})

	app.Command("delete-tag", "Delete a tag, keeping other tags of the same image", func(cmd *cli.Cmd) {
		cmd.Spec = "REPOSITORY TAG [--layers] [--enable-delete] " + connectSpec

		var (
			name   = newRepositoryArg(cmd)
			tag    = cmd.StringArg("TAG", "", "The tag to delete")
			layers = newLayersOpt(cmd)
			enable = newEnableDeleteOpt(cmd)
			opts   = newConnectOpts(cmd)
		)

		cmd.Action = func() {
			c := opts.load()
			c.DeleteEnabled = c.DeleteEnabled || *enable
			ctx, cancel := withTimeout(ctx, c)
			defer cancel()

			reg, release := opts.openForDelete(ctx, c)
			defer release()

			repo := mustRepository(ctx, reg, *name)

			result, err := repo.DeleteTag(ctx, *tag, *layers)
			if result != nil {
				renderResult(*name, result)
			}

			if err != nil {
				fatalDelete(err)
			}
		}
	})

	app.Command("delete-repo", "Delete all tags of a repository", func(cmd *cli.Cmd) {
		cmd.Spec = "REPOSITORY [--layers] [--enable-delete] " + connectSpec

		var (
			name   = newRepositoryArg(cmd)
			layers = newLayersOpt(cmd)
			enable = newEnableDeleteOpt(cmd)
			opts   = newConnectOpts(cmd)
		)

		cmd.Action = func() {
			c := opts.load()
			c.DeleteEnabled = c.DeleteEnabled || *enable
			ctx, cancel := withTimeout(ctx, c)
			defer cancel()

			reg, release := opts.openForDelete(ctx, c)
			defer release()

			if err := reg.DeleteRepository(ctx, *name, *layers); err != nil {
				var derr *registry.RepositoryDeletionError
				if errors.As(err, &derr) && len(derr.Deleted) > 0 {
					log.Warn("tags deleted before the failure", "tags", strings.Join(derr.Deleted, ", "))
				}

				fatalDelete(err)
			}

			fmt.Printf("deleted %s\n", *name)
		}
	})

	app.Command("pending", "List tag restores interrupted during a deletion", func(cmd *cli.Cmd) {
		cmd.Spec = "[--config] [--data]"

		var (
			cfg  = newConfigOpt(cmd)
			data = newDataOpt(cmd)
		)

		cmd.Action = func() {
			opts := &connectOpts{config: cfg, data: data, registry: new(string), auth: new(string)}

			for _, p := range mustPending(opts.load()) {
				fmt.Printf("%s@%s: %s (deleting %s at %s)\n",
					p.Repository, p.Digest, strings.Join(p.Tags, ", "), p.Tag,
					p.Created.Format("2006-01-02 15:04:05"))
			}
		}
	})

	app.Command("restore", "Restore the tags of interrupted deletions", func(cmd *cli.Cmd) {
		cmd.Spec = "[--enable-delete] " + connectSpec

		var (
			enable = newEnableDeleteOpt(cmd)
			opts   = newConnectOpts(cmd)
		)

		cmd.Action = func() {
			c := opts.load()
			c.DeleteEnabled = c.DeleteEnabled || *enable
			ctx, cancel := withTimeout(ctx, c)
			defer cancel()

			reg, release := opts.openForDelete(ctx, c)
			defer release()

			for _, p := range mustPending(c) {
				restored, err := reg.RestorePending(ctx, p)
				for _, tag := range restored {
					color.Green("restored %s:%s", p.Repository, tag)
				}

				if err != nil {
					fatalDelete(err)
				}
			}
		}
	})

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal("error running command", "err", err)
	}
}

func newInterruptableContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		signal.Stop(c)
		cancel()
	}()

	return ctx
}

func withTimeout(ctx context.Context, c *config.Config) (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(ctx, c.Timeout)
	}

	return context.WithCancel(ctx)
}

// connectOpts are the options needed to connect to a registry
type connectOpts struct {
	config   *string
	registry *string
	auth     *string
	data     *string
	timeout  *string
	verbose  *bool
}

func newConnectOpts(cmd *cli.Cmd) *connectOpts {
	return &connectOpts{
		config:   newConfigOpt(cmd),
		registry: newRegistryOpt(cmd),
		auth:     newAuthOpt(cmd),
		data:     newDataOpt(cmd),
		timeout:  cmd.StringOpt("timeout", "", "Abort the command after the given duration, e.g. 5m (env TAGSWEEP_TIMEOUT)"),
		verbose:  cmd.BoolOpt("v verbose", false, "Log every request"),
	}
}

// load reads the configuration, the flags take precedence over the config
// file and the environment
func (o *connectOpts) load() *config.Config {
	if *o.config == "" {
		*o.config = os.Getenv("TAGSWEEP_CONFIG")
	}

	c, err := config.Load(*o.config)
	if err != nil {
		log.Fatal("error loading config", "err", err)
	}

	flags := map[string]string{
		"REGISTRY":      *o.registry,
		"TAGSWEEP_AUTH": *o.auth,
		"TAGSWEEP_DATA": *o.data,
	}

	if o.timeout != nil {
		flags["TAGSWEEP_TIMEOUT"] = *o.timeout
	}

	if err := c.ReadEnv(func(key string) (string, bool) {
		v, ok := flags[key]
		return v, ok
	}); err != nil {
		log.Fatal("invalid option", "err", err)
	}

	if o.verbose != nil && *o.verbose {
		log.SetLevel(log.DebugLevel)
	}

	return c
}

// open connects to the registry or exits
func (o *connectOpts) open(ctx context.Context, c *config.Config, j registry.Journal) *registry.Registry {
	reg, err := registry.Open(ctx, registry.Options{
		URL:     c.Registry,
		Auth:    c.Auth,
		Logger:  log.Default(),
		Journal: j,
	})

	if err != nil {
		log.Fatal("failed to connect", "registry", c.Registry, "err", err)
	}

	return reg
}

// openForDelete checks that deleting is enabled, takes the maintenance lock
// and connects to the registry with the journal. The returned function
// releases the lock.
func (o *connectOpts) openForDelete(ctx context.Context, c *config.Config) (*registry.Registry, func()) {
	if !c.DeleteEnabled {
		log.Fatal("deleting is disabled, pass --enable-delete or set DELETE_ENABLED=true")
	}

	l, err := lock.Acquire(c.LockPath(), false)
	if errors.Is(err, lock.ErrLocked) {
		log.Fatal("another tagsweep run is changing the registry", "lock", c.LockPath())
	}
	if err != nil {
		log.Fatal("error acquiring lock", "err", err)
	}

	j, err := journal.Open(c.DataDir)
	if err != nil {
		log.Fatal("error opening journal", "err", err)
	}

	release := func() {
		if err := l.Unlock(); err != nil {
			log.Error("error releasing lock", "err", err)
		}
	}

	return o.open(ctx, c, j), release
}

func mustRepository(ctx context.Context, reg *registry.Registry, name string) *registry.Repository {
	repo, err := reg.Repository(ctx, name)
	if err != nil {
		log.Fatal("error opening repository", "repository", name, "err", err)
	}

	return repo
}

func mustPending(c *config.Config) []*registry.PendingRestore {
	j, err := journal.Open(c.DataDir)
	if err != nil {
		log.Fatal("error opening journal", "err", err)
	}

	pending, err := j.Pending()
	if err != nil {
		log.Fatal("error reading journal", "err", err)
	}

	return pending
}

// fatalDelete exits with a hint on how to recover from the given error
func fatalDelete(err error) {
	var mismatch *registry.DigestMismatchError
	if errors.As(err, &mismatch) {
		loud := color.New(color.FgRed, color.Bold)
		loud.Fprintln(os.Stderr, mismatch.Error())
		loud.Fprintln(os.Stderr, "the registry changed the manifest while restoring tags,")
		loud.Fprintln(os.Stderr, "inspect the repository by hand before deleting anything else")
		os.Exit(2)
	}

	log.Fatal("deletion failed, 'tagsweep pending' lists tags left to restore", "err", err)
}

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	return table
}

func renderInfos(infos []*registry.TagInfo) {
	data := make([][]string, len(infos))
	for i, info := range infos {
		data[i] = []string{
			info.Name,
			info.ImageID,
			fmt.Sprintf("%s/%s", info.OS, info.Architecture),
			humanize.IBytes(uint64(info.CompressedSize)),
			humanize.Time(info.Created),
		}
	}

	table := newTable([]string{"TAG", "IMAGE ID", "PLATFORM", "SIZE", "CREATED"})
	table.AppendBulk(data)
	table.Render()
}

func renderInfo(info *registry.TagInfo) {
	data := [][]string{
		{"Tag", info.Name},
		{"Digest", info.Digest},
		{"Image ID", info.ImageID},
		{"Platform", fmt.Sprintf("%s/%s", info.OS, info.Architecture)},
		{"Docker", info.DockerVersion},
		{"Author", info.Author},
		{"Size", humanize.IBytes(uint64(info.CompressedSize))},
		{"Created", info.Created.Format("2006-01-02 15:04:05")},
	}

	keys := make([]string, 0, len(info.Labels))
	for k := range info.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		data = append(data, []string{"Label " + k, info.Labels[k]})
	}

	table := newTable([]string{"KEY", "VALUE"})
	table.AppendBulk(data)
	table.Render()
}

func renderResult(repository string, result *registry.DeleteResult) {
	deleted := color.New(color.FgRed)
	restored := color.New(color.FgGreen)

	deleted.Printf("deleted %s:%s (%s)\n", repository, result.Tag, result.Digest)

	for _, layer := range result.DeletedLayers {
		deleted.Printf("deleted layer %s\n", layer)
	}

	for _, tag := range result.RestoredTags {
		restored.Printf("restored %s:%s\n", repository, tag)
	}
}

func newRepositoryArg(cmd *cli.Cmd) *string {
	return cmd.StringArg("REPOSITORY", "",
		`The repository name, example values:

               - myapp
               - group/app
	`)
}

func newConfigOpt(cmd *cli.Cmd) *string {
	return cmd.StringOpt("config", "",
		`Path to a yaml config file with the following keys:

               registry, auth, data_dir, delete_enabled, timeout

               This value can also be set through the env var TAGSWEEP_CONFIG,
               though the flag takes precedence.
	`)
}

func newRegistryOpt(cmd *cli.Cmd) *string {
	return cmd.StringOpt("registry", "",
		`The registry base url, example values:

               * localhost:5000 (http is used for local addresses)
               * registry.example.org
               * https://example.org/mirror

               Defaults to http://localhost:5000.

               This value can also be set through the env var REGISTRY,
               though the flag takes precedence.
	`)
}

func newAuthOpt(cmd *cli.Cmd) *string {
	return cmd.StringOpt("auth", "",
		`Authentication, one of:

               * basic:<username>:<password>
               * token:<bearer token>
               * Path to a google service account json file (gcr.io and
                 *-docker.pkg.dev only)

               This value can also be set through the env var TAGSWEEP_AUTH,
               though the flag takes precedence.
	`)
}

func newDataOpt(cmd *cli.Cmd) *string {
	return cmd.StringOpt("data", "",
		`The folder holding the journal and the lock. Defaults:

               * For non-root users:
                 ~/.local/share/seantis/tagsweep

               * For root users:
                 /var/lib/tagsweep

               This value can also be set through the env var TAGSWEEP_DATA,
               though the flag takes precedence.
	`)
}

func newLayersOpt(cmd *cli.Cmd) *bool {
	return cmd.BoolOpt("layers", false, `Also delete the layers no other tag of the repository uses

               Only tags of the same repository are considered. On
               registries sharing blobs between repositories, a layer
               may still be used elsewhere.
	`)
}

func newEnableDeleteOpt(cmd *cli.Cmd) *bool {
	return cmd.BoolOpt("enable-delete", false,
		"Allow changes to the registry (env DELETE_ENABLED=true)")
}
