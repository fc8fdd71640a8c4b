// Package storage keeps calendar and address book objects as plain files,
// one directory per collection, and serves them with golang.org/x/net/webdav.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/webdav"

	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/acl"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
)

// Object kinds, used as directory names under <data_dir>/objects.
const (
	KindCalendars    = "calendars"
	KindAddressBooks = "addressbooks"
)

// Object describes a stored calendar object or vCard.
type Object struct {
	Name    string
	Size    int64
	ModTime time.Time
	ETag    string
}

// Store maps collection ids to directories.
type Store struct {
	root string
	log  *slog.Logger

	mu    sync.Mutex
	locks map[int64]webdav.LockSystem
}

// New creates a store rooted at <dataDir>/objects/<kind>.
func New(dataDir, kind string, log *slog.Logger) *Store {
	return &Store{
		root:  filepath.Join(dataDir, "objects", kind),
		log:   logutil.NoopIfNil(log).With("component", "storage", "kind", kind),
		locks: make(map[int64]webdav.LockSystem),
	}
}

// Dir returns the directory of a collection.
func (s *Store) Dir(id int64) string {
	return filepath.Join(s.root, strconv.FormatInt(id, 10))
}

// Ensure creates the directory of a collection.
func (s *Store) Ensure(id int64) error {
	if err := os.MkdirAll(s.Dir(id), 0o750); err != nil {
		return fmt.Errorf("create collection dir: %w", err)
	}
	return nil
}

// Remove deletes a collection directory with all its objects.
func (s *Store) Remove(_ context.Context, id int64) error {
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()

	if err := os.RemoveAll(s.Dir(id)); err != nil {
		return fmt.Errorf("remove collection dir: %w", err)
	}
	s.log.Debug("collection objects removed", "collection_id", id)
	return nil
}

// List returns the objects of a collection sorted by name. A missing
// directory is an empty collection.
func (s *Store) List(id int64) ([]Object, error) {
	entries, err := os.ReadDir(s.Dir(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list collection: %w", err)
	}

	objects := make([]Object, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		objects = append(objects, Object{
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			ETag:    etag(info),
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

// Serve hands an object request to the webdav handler. prefix is the URL
// path of the collection; the remainder of r.URL.Path names the object.
func (s *Store) Serve(w http.ResponseWriter, r *http.Request, id int64, prefix string) {
	if err := s.Ensure(id); err != nil {
		s.log.Error("collection dir unavailable", "collection_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h := &webdav.Handler{
		Prefix:     prefix,
		FileSystem: webdav.Dir(s.Dir(id)),
		LockSystem: s.lockSystem(id),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				s.log.Debug("object operation failed", "method", r.Method, "path", r.URL.Path, "error", err)
			}
		},
	}
	h.ServeHTTP(w, r)
}

func (s *Store) lockSystem(id int64) webdav.LockSystem {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.locks[id]
	if !ok {
		ls = webdav.NewMemLS()
		s.locks[id] = ls
	}
	return ls
}

// RequiredPrivilege returns the privilege a method needs on an object.
// Unknown methods return "".
func RequiredPrivilege(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, "PROPFIND", "REPORT":
		return acl.Read
	case http.MethodPut:
		return acl.WriteContent
	case http.MethodDelete, "MOVE":
		return acl.Unbind
	case "COPY":
		return acl.Bind
	case "PROPPATCH":
		return acl.WriteProperties
	case "LOCK", "UNLOCK":
		return acl.WriteContent
	default:
		return ""
	}
}

// etag matches the format golang.org/x/net/webdav uses for files.
func etag(info fs.FileInfo) string {
	return fmt.Sprintf(`"%x%x"`, info.ModTime().UnixNano(), info.Size())
}
