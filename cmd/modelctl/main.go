package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	ouroboros "github.com/i5heu/ouroboros-model"
	"github.com/i5heu/ouroboros-model/internal/config"
	"github.com/i5heu/ouroboros-model/pkg/backup"
	"github.com/i5heu/ouroboros-model/pkg/branch"
	"github.com/i5heu/ouroboros-model/pkg/replication"
)

const Version = "0.1.0"

const usage = `Model control.

Remote commands use replication.url and replication.jwtSecret of the
configuration unless --url or --secret are given.

Usage:
    modelctl head [--config=<path>] <repo> <branch>
    modelctl history [--config=<path>] <repo> <branch> [--limit=<n>]
    modelctl repositories [--config=<path>] [--url=<url>] [--secret=<secret>]
    modelctl branches [--config=<path>] [--url=<url>] [--secret=<secret>] <repo>
    modelctl remote-head [--config=<path>] [--url=<url>] [--secret=<secret>] <repo> <branch>
    modelctl pull [--config=<path>] [--url=<url>] [--secret=<secret>] <repo> <branch>
    modelctl push [--config=<path>] [--url=<url>] [--secret=<secret>] <repo> <branch>
    modelctl sync [--config=<path>] [--url=<url>] [--secret=<secret>] <repo> <branch>...
    modelctl follow [--config=<path>] [--url=<url>] [--secret=<secret>] <repo> <branch>
    modelctl apply [--config=<path>] <repo> <branch> <file>
    modelctl backup export [--config=<path>] <repo> <branch> <file>
    modelctl backup import [--config=<path>] <repo> <branch> <file>
    modelctl -h | --help
    modelctl --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    YAML configuration file.
    --url=<url>        Replication server url.
    --secret=<secret>  Shared JWT secret of the server.
    --limit=<n>        Number of versions to print [default: 20].`

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime)
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		Err.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := config.Default()
	if path, _ := opts.String("--config"); path != "" {
		if c, err = config.Load(path); err != nil {
			Err.Fatal(err)
		}
	}

	var cmd func(context.Context, *ouroboros.Model, config.Config, docopt.Opts) error
	switch {
	case flag(opts, "head"):
		cmd = head
	case flag(opts, "history"):
		cmd = history
	case flag(opts, "repositories"):
		cmd = repositories
	case flag(opts, "branches"):
		cmd = branches
	case flag(opts, "apply"):
		cmd = apply
	case flag(opts, "remote-head"):
		cmd = remoteHead
	case flag(opts, "pull"):
		cmd = pull
	case flag(opts, "push"):
		cmd = push
	case flag(opts, "sync"):
		cmd = sync
	case flag(opts, "follow"):
		cmd = follow
	case flag(opts, "export"):
		cmd = exportBackup
	case flag(opts, "import"):
		cmd = importBackup
	default:
		Err.Fatal("unknown command")
	}

	conf, err := ouroboros.FromFile(c)
	if err != nil {
		Err.Fatal(err)
	}
	model, err := ouroboros.New(ctx, conf)
	if err != nil {
		Err.Fatal(err)
	}
	err = cmd(ctx, model, c, opts)
	if closeErr := model.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		Err.Fatal(err)
	}
}

func flag(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func repoAndBranch(opts docopt.Opts) (string, string) {
	repo, _ := opts.String("<repo>")
	// <branch> is repeated for sync
	switch v := opts["<branch>"].(type) {
	case string:
		return repo, v
	case []string:
		if len(v) > 0 {
			return repo, v[0]
		}
	}
	return repo, ""
}

func client(c config.Config, opts docopt.Opts) (*replication.Client, error) {
	url := c.Replication.URL
	if v, _ := opts.String("--url"); v != "" {
		url = v
	}
	if url == "" {
		return nil, fmt.Errorf("no replication url configured")
	}
	secret := c.Replication.JWTSecret
	if v, _ := opts.String("--secret"); v != "" {
		secret = v
	}
	clientOpts := []replication.ClientOption{
		replication.WithTimeout(c.Replication.Timeout),
		replication.WithMaxRetries(c.Replication.MaxRetries),
		replication.WithServerPollTimeout(c.Server.PollTimeout),
	}
	if secret != "" {
		clientOpts = append(clientOpts, replication.WithTokenProvider(&replication.SigningTokenProvider{
			Secret:  []byte(secret),
			Subject: "modelctl",
		}))
	}
	return replication.NewClient(url, clientOpts...)
}

func head(ctx context.Context, m *ouroboros.Model, _ config.Config, opts docopt.Opts) error {
	repo, name := repoAndBranch(opts)
	b, err := m.Branch(ctx, repo, name)
	if err != nil {
		return err
	}
	h, err := b.HeadHash(ctx)
	if err != nil {
		return err
	}
	Out.Println(h)
	return nil
}

func history(ctx context.Context, m *ouroboros.Model, _ config.Config, opts docopt.Opts) error {
	limit, err := opts.Int("--limit")
	if err != nil {
		return err
	}
	repo, name := repoAndBranch(opts)
	b, err := m.Branch(ctx, repo, name)
	if err != nil {
		return err
	}
	versions, err := b.History(ctx, "")
	if err != nil {
		return err
	}
	for i, v := range versions {
		if i == limit {
			break
		}
		Out.Printf("%s %s %s %d operations\n", v.Hash(), v.Time().UTC().Format(time.RFC3339), v.Author(), v.NumberOfOperations())
	}
	return nil
}

func repositories(ctx context.Context, _ *ouroboros.Model, c config.Config, opts docopt.Opts) error {
	cl, err := client(c, opts)
	if err != nil {
		return err
	}
	repos, err := cl.Repositories(ctx)
	if err != nil {
		return err
	}
	for _, repo := range repos {
		Out.Println(repo)
	}
	return nil
}

func branches(ctx context.Context, _ *ouroboros.Model, c config.Config, opts docopt.Opts) error {
	cl, err := client(c, opts)
	if err != nil {
		return err
	}
	repo, _ := opts.String("<repo>")
	names, err := cl.Branches(ctx, repo)
	if err != nil {
		return err
	}
	for _, name := range names {
		Out.Println(name)
	}
	return nil
}

// apply imports a file of serialized operations, one per line.
func apply(ctx context.Context, m *ouroboros.Model, _ config.Config, opts docopt.Opts) error {
	path, _ := opts.String("<file>")
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	repo, name := repoAndBranch(opts)
	result, err := m.Import(ctx, repo, name, f)
	if err != nil {
		return err
	}
	Out.Println(result.Version.Hash())
	for _, err := range result.Errors {
		Out.Printf("skipped: %v\n", err)
	}
	return nil
}

func remoteHead(ctx context.Context, _ *ouroboros.Model, c config.Config, opts docopt.Opts) error {
	cl, err := client(c, opts)
	if err != nil {
		return err
	}
	repo, name := repoAndBranch(opts)
	h, err := cl.HeadHash(ctx, repo, name)
	if err != nil {
		return err
	}
	Out.Println(h)
	return nil
}

func replica(ctx context.Context, m *ouroboros.Model, c config.Config, opts docopt.Opts, name string) (*replication.Replica, error) {
	cl, err := client(c, opts)
	if err != nil {
		return nil, err
	}
	repo, _ := opts.String("<repo>")
	return m.Replica(ctx, cl, repo, name)
}

func printResult(r *branch.CommitResult) {
	Out.Println(r.Version.Hash())
	for _, conflict := range r.Conflicts {
		Out.Printf("conflict: %s\n", conflict)
	}
}

func pull(ctx context.Context, m *ouroboros.Model, c config.Config, opts docopt.Opts) error {
	_, name := repoAndBranch(opts)
	r, err := replica(ctx, m, c, opts, name)
	if err != nil {
		return err
	}
	result, err := r.Pull(ctx)
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func push(ctx context.Context, m *ouroboros.Model, c config.Config, opts docopt.Opts) error {
	_, name := repoAndBranch(opts)
	r, err := replica(ctx, m, c, opts, name)
	if err != nil {
		return err
	}
	result, err := r.Push(ctx)
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func sync(ctx context.Context, m *ouroboros.Model, c config.Config, opts docopt.Opts) error {
	names, _ := opts["<branch>"].([]string)
	replicas := make([]*replication.Replica, 0, len(names))
	for _, name := range names {
		r, err := replica(ctx, m, c, opts, name)
		if err != nil {
			return err
		}
		replicas = append(replicas, r)
	}
	if err := replication.SyncAll(ctx, replicas...); err != nil {
		return err
	}
	for _, r := range replicas {
		Out.Printf("%s %s\n", r.Branch().Name(), r.Remote())
	}
	return nil
}

func follow(ctx context.Context, m *ouroboros.Model, c config.Config, opts docopt.Opts) error {
	_, name := repoAndBranch(opts)
	r, err := replica(ctx, m, c, opts, name)
	if err != nil {
		return err
	}
	err = r.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func exportBackup(ctx context.Context, m *ouroboros.Model, _ config.Config, opts docopt.Opts) error {
	repo, name := repoAndBranch(opts)
	b, err := m.Branch(ctx, repo, name)
	if err != nil {
		return err
	}
	path, _ := opts.String("<file>")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	manager := backup.NewManager()
	if err := manager.BackupBranch(ctx, f, b); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	status := manager.Status()
	Out.Printf("%s %d objects %d bytes\n", status.LastBackupVersion, status.LastBackupObjects, status.LastBackupSize)
	return nil
}

func importBackup(ctx context.Context, m *ouroboros.Model, _ config.Config, opts docopt.Opts) error {
	path, _ := opts.String("<file>")
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	result, err := backup.NewManager().RestoreBranch(ctx, f, m.BranchConfig(repoAndBranch(opts)))
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}
