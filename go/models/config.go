package models

import (
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	VENDOR = "memscope"
	APP    = "memscope"

	CONFIG_FILE = "config.yaml"
)

type Config struct {
	// Location is a path or a file:// URL naming the memory image.
	Location   string
	SymbolDirs []string
	// SymbolCache overrides the symbol identifier cache file.
	SymbolCache string
	OutputDir   string
	Renderer    string

	Quiet   bool
	Verbose int
	Color   bool
	// Parallel bounds concurrent scan workers, 0 means GOMAXPROCS.
	Parallel int

	// overrides for stack construction, zero means autodetect
	ForceDTB   uint64
	ForceShift uint64
	ForceArch  string

	Output io.Writer
	Logger *zap.Logger
}

// FileConfig is the on-disk subset of Config.
type FileConfig struct {
	SymbolDirs []string `yaml:"symbol_dirs"`
	OutputDir  string   `yaml:"output_dir"`
	Renderer   string   `yaml:"renderer"`
	Parallel   int      `yaml:"parallel"`
	Color      *bool    `yaml:"color"`
}

func (c *Config) Log() *zap.Logger {
	if c == nil || c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Config) Out() io.Writer {
	if c == nil || c.Output == nil {
		return os.Stdout
	}
	return c.Output
}

// ImagePath resolves Location to a filesystem path.
func (c *Config) ImagePath() (string, error) {
	loc := c.Location
	if loc == "" {
		return "", errors.New("no image location given")
	}
	if !strings.Contains(loc, "://") {
		return loc, nil
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", errors.Wrapf(err, "bad location %q", loc)
	}
	if u.Scheme != "file" {
		return "", errors.Errorf("unsupported location scheme %q", u.Scheme)
	}
	path := u.Path
	if u.Host != "" {
		path = filepath.Join(u.Host, path)
	}
	// file:///C:/image.raw
	if len(path) > 2 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}
	return filepath.FromSlash(path), nil
}

// Merge copies file settings into fields that flags left unset.
func (c *Config) Merge(f *FileConfig) {
	if f == nil {
		return
	}
	c.SymbolDirs = append(c.SymbolDirs, f.SymbolDirs...)
	if c.OutputDir == "" {
		c.OutputDir = f.OutputDir
	}
	if c.Renderer == "" {
		c.Renderer = f.Renderer
	}
	if c.Parallel == 0 {
		c.Parallel = f.Parallel
	}
	if f.Color != nil {
		c.Color = *f.Color
	}
}

func ParseFileConfig(data []byte) (*FileConfig, error) {
	var f FileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	return &f, nil
}

// LoadFileConfig reads path, or the first config.yaml found in the user and
// system config folders when path is empty. A missing default file is not an error.
func LoadFileConfig(path string) (*FileConfig, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config")
		}
		return ParseFileConfig(data)
	}
	dirs := configdir.New(VENDOR, APP)
	folder := dirs.QueryFolderContainsFile(CONFIG_FILE)
	if folder == nil {
		return nil, nil
	}
	data, err := folder.ReadFile(CONFIG_FILE)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	return ParseFileConfig(data)
}

// CacheDir returns (and creates) the per-user cache folder for name.
func CacheDir(name string) (string, error) {
	dirs := configdir.New(VENDOR, name)
	cache := dirs.QueryCacheFolder()
	if err := cache.MkdirAll(); err != nil {
		return "", errors.Wrap(err, "failed to create cache folder")
	}
	return cache.Path, nil
}
