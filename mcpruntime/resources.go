package mcpruntime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/ggoodman/mcp-sse-go/mcp"
)

// ErrResourceNotFound reports that a URI does not resolve to a readable
// resource. Providers return it (or wrap it) so the runtime can map the
// failure to the protocol-level resource error.
var ErrResourceNotFound = errors.New("resource not found")

// ResourceProvider serves the resources/list and resources/read operations.
type ResourceProvider interface {
	List(ctx context.Context) ([]mcp.Resource, error)
	Read(ctx context.Context, uri string) ([]mcp.ResourceContents, error)
}

// ResourceWatcher is implemented by providers whose resource set can change
// after startup. Watch blocks until ctx is done, invoking onChange whenever
// the listing may have changed.
type ResourceWatcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// StaticResources serves a fixed set of in-memory text resources.
type StaticResources struct {
	byURI map[string]staticResource
	order []mcp.Resource
}

type staticResource struct {
	descriptor mcp.Resource
	text       string
}

// NewStaticResources builds an empty provider; add entries with AddText.
func NewStaticResources() *StaticResources {
	return &StaticResources{byURI: make(map[string]staticResource)}
}

// AddText registers a text resource under the given URI. Re-adding a URI
// replaces its content but keeps its listing position.
func (s *StaticResources) AddText(uri, name, mimeType, text string) *StaticResources {
	desc := mcp.Resource{URI: uri, Name: name, MimeType: mimeType}
	if _, exists := s.byURI[uri]; !exists {
		s.order = append(s.order, desc)
	} else {
		for i := range s.order {
			if s.order[i].URI == uri {
				s.order[i] = desc
				break
			}
		}
	}
	s.byURI[uri] = staticResource{descriptor: desc, text: text}
	return s
}

func (s *StaticResources) List(ctx context.Context) ([]mcp.Resource, error) {
	out := make([]mcp.Resource, len(s.order))
	copy(out, s.order)
	return out, nil
}

func (s *StaticResources) Read(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	res, ok := s.byURI[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	return []mcp.ResourceContents{{
		URI:      uri,
		MimeType: res.descriptor.MimeType,
		Text:     res.text,
	}}, nil
}

var _ ResourceProvider = (*StaticResources)(nil)

// DirResources exposes the files under an OS directory as resources with
// file:// URIs. Listings skip directories and symlinks; reads resolve
// symlinks and refuse paths that escape the root.
type DirResources struct {
	log     *slog.Logger
	root    string
	baseURI string
}

// NewDirResources builds a provider rooted at dir. The directory must exist.
func NewDirResources(dir string, log *slog.Logger) (*DirResources, error) {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve resources dir: %w", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat resources dir: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("resources path is not a directory: %s", abs)
	}
	return &DirResources{
		log:     log,
		root:    abs,
		baseURI: "file://" + filepath.ToSlash(abs),
	}, nil
}

func (d *DirResources) List(ctx context.Context) ([]mcp.Resource, error) {
	var out []mcp.Resource
	err := filepath.WalkDir(d.root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable nodes
		}
		if de.IsDir() || de.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		out = append(out, mcp.Resource{
			URI:      d.relToURI(rel),
			Name:     path.Base(rel),
			MimeType: mime.TypeByExtension(strings.ToLower(path.Ext(rel))),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

func (d *DirResources) Read(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	rel, ok := d.uriToRel(uri)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	abs := filepath.Join(d.root, filepath.FromSlash(rel))
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	if !within(real, d.root) {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return nil, fmt.Errorf("read resource: %w", err)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(real)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	contents := mcp.ResourceContents{URI: uri, MimeType: mimeType}
	if utf8.Valid(data) {
		contents.Text = string(data)
	} else {
		contents.Blob = base64.StdEncoding.EncodeToString(data)
	}
	return []mcp.ResourceContents{contents}, nil
}

// Watch blocks until ctx is done, invoking onChange whenever files appear,
// disappear, or are renamed anywhere under the root. New subdirectories are
// added to the watch as they are created.
func (d *DirResources) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start resource watcher: %w", err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()

	addDirs := func() error {
		return filepath.WalkDir(d.root, func(p string, de fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !de.IsDir() {
				return nil
			}
			return w.Add(p)
		})
	}
	if err := addDirs(); err != nil {
		d.log.Debug("fsnotify add dirs failed", slog.String("err", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				// New directories need their own watch before contents show up.
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.Add(ev.Name)
				}
				onChange()
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.log.Debug("fsnotify error", slog.String("err", err.Error()))
		}
	}
}

var (
	_ ResourceProvider = (*DirResources)(nil)
	_ ResourceWatcher  = (*DirResources)(nil)
)

func (d *DirResources) relToURI(rel string) string {
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return d.baseURI + "/" + strings.Join(segs, "/")
}

func (d *DirResources) uriToRel(uri string) (string, bool) {
	base := strings.TrimRight(d.baseURI, "/") + "/"
	if !strings.HasPrefix(uri, base) {
		return "", false
	}
	segs := strings.Split(strings.TrimPrefix(uri, base), "/")
	for i, s := range segs {
		dec, err := url.PathUnescape(s)
		if err != nil {
			return "", false
		}
		segs[i] = dec
	}
	rel := path.Clean(strings.Join(segs, "/"))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func within(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && !strings.HasPrefix(rel, "../")
}
