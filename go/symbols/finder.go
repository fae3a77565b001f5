package symbols

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const CACHE_FILE = "identifiers.json"

// Entry identifies the image a symbol file was generated for.
type Entry struct {
	Path   string `json:"path"`
	OS     string `json:"os"`
	Banner string `json:"banner,omitempty"`
	GUID   string `json:"guid,omitempty"`
	Age    uint32 `json:"age,omitempty"`
	Size   int64  `json:"size"`
	Mtime  int64  `json:"mtime"`
}

// PDBKey formats a PDB identity the way it appears in a CodeView record.
func PDBKey(guid string, age uint32) string {
	g := strings.ToUpper(strings.NewReplacer("-", "", "{", "", "}", "").Replace(guid))
	return g + "-" + itoa(uint64(age))
}

// Finder locates symbol files under a set of directories. Identities are
// cached in CachePath (if set) keyed by path, size and mtime, so repeated
// runs do not reparse every file.
type Finder struct {
	Dirs      []string
	CachePath string
	Logger    *zap.Logger

	once    sync.Once
	entries []*Entry
	err     error
}

func NewFinder(dirs []string, cachePath string, logger *zap.Logger) *Finder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finder{Dirs: dirs, CachePath: cachePath, Logger: logger}
}

func (f *Finder) loadCache() map[string]*Entry {
	cache := make(map[string]*Entry)
	if f.CachePath == "" {
		return cache
	}
	data, err := os.ReadFile(f.CachePath)
	if err != nil {
		return cache
	}
	var list []*Entry
	if err := json.Unmarshal(data, &list); err != nil {
		f.Logger.Debug("ignoring corrupt symbol cache", zap.String("path", f.CachePath), zap.Error(err))
		return cache
	}
	for _, e := range list {
		cache[e.Path] = e
	}
	return cache
}

func (f *Finder) saveCache() {
	if f.CachePath == "" {
		return
	}
	data, err := json.Marshal(f.entries)
	if err == nil {
		err = os.WriteFile(f.CachePath, data, 0644)
	}
	if err != nil {
		f.Logger.Debug("failed to write symbol cache", zap.Error(err))
	}
}

func identify(path string, info fs.FileInfo) (*Entry, error) {
	isf, err := Load(path)
	if err != nil {
		return nil, err
	}
	t, err := NewTable(TableName(path), isf)
	if err != nil {
		return nil, err
	}
	e := &Entry{Path: path, OS: t.OS(), Banner: t.Banner(), Size: info.Size(), Mtime: info.ModTime().UnixNano()}
	if pdb := t.PDB(); pdb != nil {
		e.GUID = pdb.GUID
		e.Age = pdb.Age
	}
	return e, nil
}

func (f *Finder) index() {
	cache := f.loadCache()
	dirty := false
	for _, dir := range f.Dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !IsSymbolFile(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if e, ok := cache[path]; ok && e.Size == info.Size() && e.Mtime == info.ModTime().UnixNano() {
				f.entries = append(f.entries, e)
				return nil
			}
			e, err := identify(path, info)
			if err != nil {
				f.Logger.Warn("skipping symbol file", zap.String("path", path), zap.Error(err))
				return nil
			}
			dirty = true
			f.entries = append(f.entries, e)
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			f.err = errors.Wrapf(err, "failed to scan %s", dir)
			return
		}
	}
	sort.Slice(f.entries, func(i, j int) bool { return sortorder.NaturalLess(f.entries[i].Path, f.entries[j].Path) })
	if dirty || len(cache) != len(f.entries) {
		f.saveCache()
	}
	f.Logger.Debug("indexed symbol files", zap.Int("count", len(f.entries)))
}

// Entries returns every identified symbol file in natural path order.
func (f *Finder) Entries() ([]*Entry, error) {
	f.once.Do(f.index)
	return f.entries, f.err
}

// FindBanner returns the entry generated for a Linux or macOS kernel banner.
func (f *Finder) FindBanner(banner string) (*Entry, error) {
	entries, err := f.Entries()
	if err != nil {
		return nil, err
	}
	want := normalizeBanner(banner)
	for _, e := range entries {
		if e.Banner != "" && normalizeBanner(e.Banner) == want {
			return e, nil
		}
	}
	return nil, errors.Errorf("no symbol table matches banner %q", strings.TrimSpace(banner))
}

func (f *Finder) FindPDB(guid string, age uint32) (*Entry, error) {
	entries, err := f.Entries()
	if err != nil {
		return nil, err
	}
	want := PDBKey(guid, age)
	for _, e := range entries {
		if e.GUID != "" && PDBKey(e.GUID, e.Age) == want {
			return e, nil
		}
	}
	return nil, errors.Errorf("no symbol table matches PDB %s", want)
}

func normalizeBanner(s string) string {
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}
