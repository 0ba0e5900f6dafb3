package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/a-h/pypiresolve/artifact"
	"github.com/a-h/pypiresolve/auth"
	"github.com/a-h/pypiresolve/cache"
	"github.com/a-h/pypiresolve/cachestats"
	"github.com/a-h/pypiresolve/extract"
	"github.com/a-h/pypiresolve/hooks"
	"github.com/a-h/pypiresolve/index"
	"github.com/a-h/pypiresolve/loggedstorage"
	"github.com/a-h/pypiresolve/metrics"
	"github.com/a-h/pypiresolve/orchestrator"
	"github.com/a-h/pypiresolve/pkgmanager"
	"github.com/a-h/pypiresolve/resolveaudit"
	"github.com/a-h/pypiresolve/storage"
	"github.com/a-h/pypiresolve/store"

	"github.com/alecthomas/kong"
)

// Globals holds the flags shared by every subcommand.
type Globals struct {
	Verbose bool `help:"Enable verbose logging" short:"v"`
}

type CLI struct {
	Globals
	Resolve ResolveCmd `cmd:"" help:"Resolve a set of top-level requirements into a pinned, transitive dependency graph" default:"1"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

var Version = "dev"

type VersionCmd struct{}

func (cmd *VersionCmd) Run(globals *Globals) error {
	fmt.Printf("%s", Version)
	return nil
}

type ResolveCmd struct {
	Specs []string `arg:"" optional:"" help:"Top-level requirement lines, e.g. 'requests>=2.0'"`

	SpecFile  string   `help:"Path to a JSON specline file; merged with any positional Specs" type:"existingfile"`
	External  []string `help:"External pin or requirements.txt/buildout .cfg URL, repeatable" name:"external-version"`
	Overrides string   `help:"Path to a JSON file of {name: override} policy entries"`
	Extra     []string `help:"Extra (optional dependency group) to enable for a top-level package, 'name:extra'"`

	Update bool   `help:"Invalidate the persistent link cache before resolving"`
	Envs   string `help:"Comma-separated name|interpreter-path|search-path triples; only the first is resolved, and its search-path is not used" default:""`

	DBType string `help:"Cache database backend" default:"sqlite" enum:"sqlite,rqlite,postgres" env:"PYPIRESOLVE_DB_TYPE"`
	DBURL  string `help:"Cache database connection URL" default:"" env:"PYPIRESOLVE_DB_URL"`

	CacheRoot         string `help:"Root directory for named cache tables" default:"" env:"PYPIRESOLVE_CACHE_ROOT"`
	DownloadCacheRoot string `help:"Root directory for downloaded artifacts" default:"" env:"PYPIRESOLVE_DOWNLOAD_CACHE_ROOT"`

	TestProfile string `help:"Which declared-tests sections to surface" default:"all" enum:"none,top_level,all"`

	MirrorConfig string `help:"Path to a mirror credential file (host fingerprint comment per line)" default:""`

	MaxIterations int `help:"Resolver fixed-point iteration cap, 0 uses the default" default:"0"`

	MetricsListenAddr string `help:"Serve a Prometheus /metrics endpoint on this address while resolving, empty disables it" default:""`

	StorageBackend string `help:"Artifact storage backend" default:"filesystem" enum:"filesystem,s3"`
	S3Bucket       string `help:"S3 bucket name, required when --storage-backend=s3" default:""`
	S3Prefix       string `help:"S3 key prefix" default:""`
	S3Region       string `help:"S3 region" default:""`
	S3Endpoint     string `help:"S3-compatible endpoint override (e.g. for MinIO)" default:""`
}

func (cmd *ResolveCmd) Run(globals *Globals) error {
	opts := &slog.HandlerOptions{}
	if globals.Verbose {
		opts.Level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, opts))

	envName, pythonPath := "default", ""
	if cmd.Envs != "" {
		first, _, _ := strings.Cut(cmd.Envs, ",")
		if first != cmd.Envs {
			log.Warn("multiple envs requested, resolving only the first", slog.String("envs", cmd.Envs))
		}
		fields := strings.Split(first, "|")
		if fields[0] != "" {
			envName = fields[0]
		}
		if len(fields) > 1 {
			pythonPath = fields[1]
		}
	}

	specs := append([]string{}, cmd.Specs...)
	var externalVersions []string
	overrides := make(map[string]hooks.Override)

	if cmd.SpecFile != "" {
		fileSpecs, fileExternal, fileOverrides, err := loadSpecFile(cmd.SpecFile)
		if err != nil {
			return fmt.Errorf("failed to load spec file: %w", err)
		}
		specs = append(specs, fileSpecs...)
		externalVersions = append(externalVersions, fileExternal...)
		for name, ov := range fileOverrides {
			overrides[name] = ov
		}
	}
	externalVersions = append(externalVersions, cmd.External...)

	if cmd.Overrides != "" {
		loaded, err := loadOverrides(cmd.Overrides)
		if err != nil {
			return fmt.Errorf("failed to load overrides: %w", err)
		}
		for name, ov := range loaded {
			overrides[name] = ov
		}
	}

	for _, e := range cmd.Extra {
		name, extra, ok := strings.Cut(e, ":")
		if !ok {
			return fmt.Errorf("invalid --extra %q, expected 'name:extra'", e)
		}
		for i, s := range specs {
			if strings.HasPrefix(s, name) {
				specs[i] = name + "[" + extra + "]" + s[len(name):]
			}
		}
	}

	if len(specs) == 0 {
		return fmt.Errorf("no top-level requirements given (pass them as arguments or via --spec-file)")
	}

	cacheRoot := cmd.CacheRoot
	if cacheRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		cacheRoot = filepath.Join(home, ".cache", "pypiresolve")
	}
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create cache root: %w", err)
	}
	downloadRoot := cmd.DownloadCacheRoot
	if downloadRoot == "" {
		downloadRoot = filepath.Join(cacheRoot, "downloads")
	}

	dbURL := cmd.DBURL
	if dbURL == "" {
		dbURL = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_busy_timeout=5000&_txlock=immediate&_journal_mode=DELETE",
			filepath.Join(cacheRoot, "pypiresolve.db"))
	}

	ctx := context.Background()
	kvStore, closer, err := store.New(ctx, cmd.DBType, dbURL)
	if err != nil {
		return fmt.Errorf("failed to connect to cache database: %w", err)
	}
	defer closer()

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if cmd.MetricsListenAddr != "" {
		go func() {
			if err := metrics.ListenAndServe(cmd.MetricsListenAddr); err != nil {
				log.Error("metrics server exited", slog.String("addr", cmd.MetricsListenAddr), slog.Any("error", err))
			}
		}()
	}

	statEvents, statShutdown := cachestats.NewBufferedCounter(ctx, log, kvStore, m, 256)
	defer statShutdown()
	stats := cachestats.NewAsyncCounter(statEvents)
	linkCache := cache.New(kvStore, stats, "default", cache.KindLink)
	depCache := cache.New(kvStore, stats, envName, cache.KindDep)
	pkgInfoCache := cache.New(kvStore, stats, envName, cache.KindPkgInfo)
	if cmd.Update {
		log.Info("--update set, clearing the persistent link cache before resolving")
		if err := linkCache.Empty(ctx); err != nil {
			return fmt.Errorf("failed to clear link cache: %w", err)
		}
	}

	audit := resolveaudit.New(kvStore)

	httpClient, err := buildHTTPClient(log, cmd.MirrorConfig)
	if err != nil {
		return fmt.Errorf("failed to build http client: %w", err)
	}

	idx := index.NewPyPIIndex(httpClient)

	var baseStorage storage.Storage
	switch cmd.StorageBackend {
	case "s3":
		if cmd.S3Bucket == "" {
			return fmt.Errorf("--s3-bucket is required when --storage-backend=s3")
		}
		s3Store, err := storage.NewS3(ctx, storage.S3Config{
			Bucket:   cmd.S3Bucket,
			Prefix:   cmd.S3Prefix,
			Region:   cmd.S3Region,
			Endpoint: cmd.S3Endpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		baseStorage = s3Store
	default:
		baseStorage = storage.NewFileSystem(downloadRoot)
	}
	loggedStore, shutdown := loggedstorage.New(ctx, log, baseStorage, m)
	defer func() { _ = shutdown(0) }()

	artifacts := artifact.New(loggedStore, httpClient, filepath.Join(downloadRoot, "work"))
	extractor := extract.New(log, extract.NewSubprocessIntrospector(pythonPath)).WithMetrics(m)

	newMgr := func(policy hooks.Policy) *pkgmanager.Manager {
		return pkgmanager.New(log, idx, artifacts, extractor, linkCache, depCache, pkgInfoCache, audit, policy)
	}

	orch := orchestrator.New(log, newMgr, httpClient, m)

	result, err := orch.Resolve(ctx, orchestrator.Request{
		Specs:            specs,
		ExternalVersions: externalVersions,
		Overrides:        overrides,
		TestProfile:      orchestrator.TestProfile(cmd.TestProfile),
		MaxIterations:    cmd.MaxIterations,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Packages map[string]*orchestrator.ResolvedPackage `json:"packages"`
		Roots    map[string]string                        `json:"roots"`
	}{Packages: result.Packages, Roots: result.Roots})
}

func buildHTTPClient(log *slog.Logger, mirrorConfigPath string) (*http.Client, error) {
	if mirrorConfigPath == "" {
		return http.DefaultClient, nil
	}
	cfg, err := auth.LoadMirrorConfig(mirrorConfigPath)
	if err != nil {
		return nil, err
	}
	keys, err := auth.DiscoverSSHKeys(log)
	if err != nil {
		log.Warn("failed to discover signing keys, mirror fetches will be unauthenticated", slog.Any("error", err))
		keys = nil
	}
	return &http.Client{Transport: auth.NewMirrorTransport(http.DefaultTransport, cfg, keys, log)}, nil
}

type specFile struct {
	Specs            []string                  `json:"specs"`
	ExternalVersions []string                  `json:"external_versions"`
	Overrides        map[string]hooks.Override `json:"overrides"`
}

func loadSpecFile(path string) (specs, external []string, overrides map[string]hooks.Override, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	var decoded specFile
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, nil, nil, fmt.Errorf("malformed spec file: %w", err)
	}
	return decoded.Specs, decoded.ExternalVersions, decoded.Overrides, nil
}

func loadOverrides(path string) (map[string]hooks.Override, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var overrides map[string]hooks.Override
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("malformed overrides file: %w", err)
	}
	return overrides, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("pypiresolve"),
		kong.Description("Resolve a PyPI dependency closure into a pinned, hashed package graph"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
