// Command availability-engine is a thin CLI wrapper: it parses
// flags/config with cobra and viper, wires the
// Hasher/FolderCache/Catalog/Scheduler components into one
// availability.Coordinator, runs the startup pipeline, and optionally
// answers a single retriever query. It contains no catalog or
// scheduler logic of its own; that all lives in the library packages.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sanguine-rose/availability/archive"
	"github.com/sanguine-rose/availability/availability"
	"github.com/sanguine-rose/availability/hash"
	"github.com/sanguine-rose/availability/memo"
	"github.com/sanguine-rose/availability/retriever"
	"github.com/sanguine-rose/availability/scheduler"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "availability-engine",
		Short: "Index, hash, and track provenance of a downloads+github archive tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("cachedir", "", "directory for the memo's binary cache and blob store (required)")
	flags.String("tmpdir", "", "scratch directory for archive extraction (required)")
	flags.String("rootgitdir", "", "directory holding known-archives.json (required)")
	flags.StringSlice("downloads", nil, "downloads folder root (repeatable)")
	flags.StringSlice("github-folder", nil, "tracked github checkout root (repeatable)")
	flags.Int("workers", 4, "bounded worker pool size for pure (hash/extract) tasks")
	flags.Float64("extract-qps", 0, "if > 0, cap concurrent pure-task dispatch to this rate")
	flags.String("query", "", "if set, print retrievers for this content hash (hex) after the scan and exit")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("AVAILABILITY_ENGINE")
	v.AutomaticEnv()
	v.SetConfigName("availability-engine")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // config file is optional; absence is not an error

	for _, req := range []string{"cachedir", "tmpdir", "rootgitdir"} {
		_ = cmd.MarkFlagRequired(req)
	}

	return cmd
}

func run(v *viper.Viper) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cachedir := v.GetString("cachedir")
	tmpdir := v.GetString("tmpdir")
	journalPath := v.GetString("rootgitdir") + "/known-archives.json"
	downloads := v.GetStringSlice("downloads")
	githubRoots := v.GetStringSlice("github-folder")
	workers := v.GetInt("workers")
	queryHex := v.GetString("query")

	registry, err := archive.NewRegistry(archive.ZipHandler{}, archive.TarHandler{}, archive.BsaHandler{})
	if err != nil {
		logger.Error("archive handler registry conflict", zap.Error(err))
		return err
	}

	m, err := memo.New(cachedir)
	if err != nil {
		logger.Error("memo init failed", zap.Error(err))
		return err
	}

	cacheDataPath := cachedir + "/cache-data.msgpack"
	cacheData, err := memo.LoadCacheData(cacheDataPath)
	if err != nil {
		logger.Error("cache data load failed", zap.Error(err))
		return err
	}

	githubFolders := make([]availability.GithubFolder, 0, len(githubRoots))
	for _, root := range githubRoots {
		gf, err := availability.NewGithubFolder(root)
		if err != nil {
			logger.Warn("skipping github folder with unresolvable origin", zap.String("path", root), zap.Error(err))
			continue
		}
		githubFolders = append(githubFolders, gf)
	}

	coord := availability.New(m, registry, tmpdir, downloads, githubFolders, journalPath, cacheData)

	var limiter *rate.Limiter
	if qps := v.GetFloat64("extract-qps"); qps > 0 {
		limiter = rate.NewLimiter(rate.Limit(qps), 1)
	}
	p := scheduler.New(workers, limiter)
	if err := coord.StartTasks(p); err != nil {
		logger.Error("task graph wiring failed", zap.Error(err))
		return err
	}

	ctx := context.Background()
	if err := p.Run(ctx); err != nil {
		logger.Error("pipeline failed", zap.Error(err))
		return err
	}
	for _, w := range coord.Warnings() {
		logger.Warn("pipeline warning", zap.Error(w))
	}
	if err := memo.SaveCacheData(cacheDataPath, coord.CacheData()); err != nil {
		logger.Error("cache data save failed", zap.Error(err))
		return err
	}
	logger.Info("pipeline ready",
		zap.Int("archives", len(coord.Catalog().AllArchives())),
		zap.Bool("ready", coord.Ready()))

	if queryHex == "" {
		return nil
	}
	h, err := hash.Parse(queryHex)
	if err != nil {
		logger.Error("invalid query hash", zap.String("hash", queryHex), zap.Error(err))
		return err
	}
	retrievers, err := coord.RetrieversByHash(h)
	if err != nil {
		logger.Error("query failed", zap.Error(err))
		return err
	}
	printRetrievers(h, retrievers)
	return nil
}

func printRetrievers(h hash.Hash, rs []retriever.Retriever) {
	if len(rs) == 0 {
		fmt.Printf("%s: no retrievers available\n", h)
		return
	}
	for i, r := range rs {
		fmt.Printf("%s[%d]: %s\n", h, i, describeRetriever(r))
	}
}

func describeRetriever(r retriever.Retriever) string {
	switch v := r.(type) {
	case retriever.ZeroRetriever:
		return "zero-file"
	case retriever.GithubRetriever:
		return fmt.Sprintf("github %s/%s:%s", v.Author, v.Project, strings.Join(v.IntraPath, "/"))
	case retriever.ArchiveRetriever:
		parts := make([]string, len(v.Steps))
		for i, s := range v.Steps {
			parts[i] = fmt.Sprintf("%s:%s", s.ArchiveHash, strings.Join(s.IntraPath, "/"))
		}
		return "archive " + strings.Join(parts, " -> ")
	default:
		return "unknown retriever"
	}
}
