// Package store implements the directory-backed descriptor queue.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/msageha/patchd/internal/descriptor"
	"github.com/msageha/patchd/internal/model"
)

// Area is one of the per-phase queue areas.
type Area string

const (
	AreaPending   Area = "pending"
	AreaClaimed   Area = ".claimed"
	AreaCompleted Area = ".completed"
	AreaFailed    Area = ".failed"
)

// Item is a descriptor file found in one of the queue areas.
type Item struct {
	Path    string
	Area    Area
	Phase   string // phase directory name, e.g. "phase-6"
	Author  string // optional author sub-directory
	Name    string // file name
	ID      model.PatchID
	Parsed  bool // ID was parsed from the file name
	ModTime time.Time
}

// Claim is a descriptor moved into the claimed area by Acquire.
type Claim struct {
	Item
	Source string // pending path the claim was taken from
}

// QueueStore is the descriptor queue consumed by the engine.
type QueueStore interface {
	Scan(ctx context.Context) ([]Item, error)
	Acquire(ctx context.Context, path string) (Claim, error)
	Complete(ctx context.Context, c Claim) (string, error)
	Fail(ctx context.Context, c Claim) (string, error)
	Orphans(ctx context.Context) ([]Claim, error)
}

// FSStore keeps descriptors under root/phase-*/[author/]*.{json,yaml,yml}.
// Claimed and terminal descriptors live in dot-directories inside each
// phase directory, mirroring the author layout.
type FSStore struct {
	root string
	now  func() time.Time
}

var _ QueueStore = (*FSStore)(nil)

func NewFSStore(root string) *FSStore {
	return &FSStore{root: root, now: time.Now}
}

func (s *FSStore) Root() string { return s.root }

// Scan lists pending descriptors in execution order.
func (s *FSStore) Scan(ctx context.Context) ([]Item, error) {
	return s.List(ctx, AreaPending)
}

// List returns every descriptor in area across all phases, sorted by parsed
// id (phase, step, attempt, version) and then path. Files whose name is not
// a patch id sort last.
func (s *FSStore) List(ctx context.Context, area Area) ([]Item, error) {
	phases, err := s.phaseDirs()
	if err != nil {
		return nil, err
	}

	var items []Item
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := filepath.Join(s.root, phase)
		if area != AreaPending {
			dir = filepath.Join(dir, string(area))
		}
		found, err := s.listArea(dir, area, phase)
		if err != nil {
			return nil, err
		}
		items = append(items, found...)
	}
	SortItems(items)
	return items, nil
}

func (s *FSStore) phaseDirs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue root: %w", err)
	}
	var phases []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			phases = append(phases, e.Name())
		}
	}
	return phases, nil
}

// listArea reads dir and at most one level of author sub-directories.
func (s *FSStore) listArea(dir string, area Area, phase string) ([]Item, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var items []Item
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if e.IsDir() {
			sub, err := os.ReadDir(filepath.Join(dir, name))
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", filepath.Join(dir, name), err)
			}
			for _, f := range sub {
				if f.IsDir() || !descriptor.IsDescriptorFile(f.Name()) {
					continue
				}
				items = append(items, newItem(filepath.Join(dir, name, f.Name()), area, phase, name, f))
			}
			continue
		}
		if descriptor.IsDescriptorFile(name) {
			items = append(items, newItem(filepath.Join(dir, name), area, phase, "", e))
		}
	}
	return items, nil
}

func newItem(path string, area Area, phase, author string, e fs.DirEntry) Item {
	it := Item{
		Path:   path,
		Area:   area,
		Phase:  phase,
		Author: author,
		Name:   e.Name(),
	}
	if id, err := model.ParsePatchID(e.Name()); err == nil {
		it.ID, it.Parsed = id, true
	}
	if info, err := e.Info(); err == nil {
		it.ModTime = info.ModTime()
	}
	return it
}

// SortItems orders items for execution.
func SortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Parsed != b.Parsed {
			return a.Parsed
		}
		if a.Parsed && a.ID.Raw != b.ID.Raw {
			if a.ID.Less(b.ID) {
				return true
			}
			if b.ID.Less(a.ID) {
				return false
			}
		}
		return a.Path < b.Path
	})
}

// ItemFor describes a pending path without touching the file system.
func (s *FSStore) ItemFor(path string) (Item, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return Item{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == ".." {
		return Item{}, fmt.Errorf("%s is not a pending descriptor path", path)
	}
	for _, p := range parts[:len(parts)-1] {
		if strings.HasPrefix(p, ".") {
			return Item{}, fmt.Errorf("%s is not in the pending area", path)
		}
	}
	it := Item{Path: path, Area: AreaPending, Phase: parts[0], Name: parts[len(parts)-1]}
	if len(parts) == 3 {
		it.Author = parts[1]
	}
	if id, err := model.ParsePatchID(it.Name); err == nil {
		it.ID, it.Parsed = id, true
	}
	return it, nil
}

func (s *FSStore) areaPath(it Item, area Area) string {
	dir := filepath.Join(s.root, it.Phase)
	if area != AreaPending {
		dir = filepath.Join(dir, string(area))
	}
	if it.Author != "" {
		dir = filepath.Join(dir, it.Author)
	}
	return filepath.Join(dir, it.Name)
}

// Acquire claims the pending descriptor at path with a single rename. When
// the source is gone (another worker won) it returns ErrAlreadyClaimed.
func (s *FSStore) Acquire(ctx context.Context, path string) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return Claim{}, err
	}
	it, err := s.ItemFor(path)
	if err != nil {
		return Claim{}, err
	}
	dst := s.areaPath(it, AreaClaimed)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return Claim{}, fmt.Errorf("create claim dir: %w", err)
	}
	// rename(2) would silently replace an existing claim.
	if _, err := os.Lstat(dst); err == nil {
		return Claim{}, fmt.Errorf("%w: %s is already running", model.ErrAlreadyClaimed, it.Name)
	}
	if err := os.Rename(path, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Claim{}, fmt.Errorf("%w: %s", model.ErrAlreadyClaimed, path)
		}
		return Claim{}, fmt.Errorf("claim %s: %w", path, err)
	}

	claimed := it
	claimed.Path = dst
	claimed.Area = AreaClaimed
	if info, err := os.Stat(dst); err == nil {
		claimed.ModTime = info.ModTime()
	}
	return Claim{Item: claimed, Source: path}, nil
}

// Complete moves a claim into the completed area and returns the new path.
func (s *FSStore) Complete(ctx context.Context, c Claim) (string, error) {
	return s.settle(ctx, c, AreaCompleted)
}

// Fail moves a claim into the failed area and returns the new path.
func (s *FSStore) Fail(ctx context.Context, c Claim) (string, error) {
	return s.settle(ctx, c, AreaFailed)
}

func (s *FSStore) settle(_ context.Context, c Claim, area Area) (string, error) {
	dst := s.areaPath(c.Item, area)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("create %s dir: %w", area, err)
	}
	if _, err := os.Lstat(dst); err == nil {
		dst = s.suffixed(dst)
	}
	if err := os.Rename(c.Path, dst); err != nil {
		return "", fmt.Errorf("move %s to %s: %w", c.Name, area, err)
	}
	return dst, nil
}

var stampSuffix = regexp.MustCompile(`\.\d{8}T\d{6}\.\d{9}(-\d+)?$`)

// OriginalName strips the collision suffix added when name was archived.
func OriginalName(name string) string {
	ext := filepath.Ext(name)
	return stampSuffix.ReplaceAllString(strings.TrimSuffix(name, ext), "") + ext
}

// suffixed inserts a timestamp before the extension so terminal areas never
// overwrite an earlier run of the same file.
func (s *FSStore) suffixed(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	stamp := s.now().UTC().Format("20060102T150405.000000000")
	candidate := fmt.Sprintf("%s.%s%s", base, stamp, ext)
	for i := 1; ; i++ {
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
		candidate = fmt.Sprintf("%s.%s-%d%s", base, stamp, i, ext)
	}
}

// Orphans lists claims left behind by a worker that died mid-run.
func (s *FSStore) Orphans(ctx context.Context) ([]Claim, error) {
	items, err := s.List(ctx, AreaClaimed)
	if err != nil {
		return nil, err
	}
	claims := make([]Claim, 0, len(items))
	for _, it := range items {
		claims = append(claims, Claim{Item: it, Source: s.areaPath(it, AreaPending)})
	}
	return claims, nil
}

// Find returns items in the given areas whose descriptor satisfies match.
// Items whose file cannot be parsed are skipped.
func (s *FSStore) Find(ctx context.Context, match func(Item, *model.Descriptor) bool, areas ...Area) ([]Item, error) {
	var out []Item
	for _, area := range areas {
		items, err := s.List(ctx, area)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			d, err := descriptor.Load(it.Path)
			if err != nil {
				continue
			}
			if match(it, d) {
				out = append(out, it)
			}
		}
	}
	return out, nil
}
