// Package repo ties the storage pieces together under a backup
// directory. The on-disk layout is .casbak/{config.json,db,content}:
// badger holds blob metadata and the snapshot journal, content holds the
// sharded blob files.
package repo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"casbak/internal/cas"
	"casbak/internal/codec"
	"casbak/internal/snaplog"
	"casbak/internal/vfs"
)

const stateDir = ".casbak"

// Config is the persisted repository configuration.
type Config struct {
	// CaseInsensitive folds lookup keys in the stored tree.
	CaseInsensitive bool `json:"case_insensitive"`
	// Codec is the format tag for newly written directory blobs. Empty
	// selects the default codec.
	Codec string `json:"codec"`
	// CacheSize bounds the in-memory blob cache.
	CacheSize int `json:"cache_size"`

	Compression struct {
		MinSize int `json:"min_size"`
		Level   int `json:"level"`
	} `json:"compression"`
}

func DefaultConfig() Config {
	var cfg Config
	cfg.CacheSize = 512
	copts := cas.DefaultCompressionOptions()
	cfg.Compression.MinSize = copts.MinSize
	cfg.Compression.Level = copts.Level
	return cfg
}

// Repository is an open backup repository.
type Repository struct {
	Root   string
	Config Config
	DB     *badger.DB
	Store  *cas.Store
	FS     *vfs.FS
	Snaps  *snaplog.Log

	log *zap.Logger
}

func statePath(root string) string {
	return filepath.Join(root, stateDir)
}

func configPath(root string) string {
	return filepath.Join(statePath(root), "config.json")
}

// Exists reports whether root holds an initialized repository.
func Exists(root string) bool {
	_, err := os.Stat(configPath(root))
	return err == nil
}

// Initialize lays out a fresh repository under root and writes cfg. It
// fails when one already exists.
func Initialize(root string, cfg Config) error {
	if Exists(root) {
		return fmt.Errorf("repository already initialized at %s", root)
	}
	if cfg.Codec != "" {
		if _, ok := codec.Get(cfg.Codec); !ok {
			return fmt.Errorf("unknown codec %q", cfg.Codec)
		}
	}

	for _, dir := range []string{
		statePath(root),
		filepath.Join(statePath(root), "db"),
		filepath.Join(statePath(root), "content"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath(root), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Open opens the repository under root.
func Open(root string, logger *zap.Logger) (*Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving repository root: %w", err)
	}

	cfg, err := loadConfig(absRoot)
	if err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(filepath.Join(statePath(absRoot), "db"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store, err := cas.New(db, cas.Options{
		Root:      filepath.Join(statePath(absRoot), "content"),
		CacheSize: cfg.CacheSize,
		Compression: cas.CompressionOptions{
			MinSize: cfg.Compression.MinSize,
			Level:   cfg.Compression.Level,
		},
		Logger: logger,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening content store: %w", err)
	}

	var fsOpts []vfs.Option
	if cfg.CaseInsensitive {
		fsOpts = append(fsOpts, vfs.WithCaseInsensitive())
	}
	if cfg.Codec != "" {
		c, ok := codec.Get(cfg.Codec)
		if !ok {
			db.Close()
			return nil, fmt.Errorf("unknown codec %q", cfg.Codec)
		}
		fsOpts = append(fsOpts, vfs.WithCodec(c))
	}
	fsOpts = append(fsOpts, vfs.WithLogger(logger))

	fsys, err := vfs.New(store, fsOpts...)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating filesystem: %w", err)
	}

	r := &Repository{
		Root:   absRoot,
		Config: cfg,
		DB:     db,
		Store:  store,
		FS:     fsys,
		Snaps:  snaplog.New(db, logger),
		log:    logger,
	}

	// Resume from the latest snapshot when one exists.
	latest, err := r.Snaps.Latest()
	if err != nil {
		db.Close()
		return nil, err
	}
	if latest != nil {
		if err := fsys.SetRoot(latest.Root); err != nil {
			db.Close()
			return nil, err
		}
	}

	return r, nil
}

func loadConfig(root string) (Config, error) {
	file, err := os.Open(configPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("no repository at %s (run init first)", root)
		}
		return Config{}, fmt.Errorf("opening config: %w", err)
	}
	defer file.Close()

	cfg := DefaultConfig()
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func (r *Repository) Close() error {
	return r.DB.Close()
}
