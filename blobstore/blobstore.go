package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// DefaultMaxSize caps a single attachment
const DefaultMaxSize = 10 << 20

var (
	ErrNotFound = errors.New("blob not found")
	ErrTooLarge = errors.New("blob exceeds size limit")
	ErrEmpty    = errors.New("blob is empty")
)

// Blob is a stored attachment
type Blob struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	Data        []byte    `json:"-"`
}

// Store keeps report attachments in badger and hands out stable URLs for them.
// Keys: "blob:<id>" holds the bytes, "meta:<id>" the JSON encoded Blob without data.
type Store struct {
	db      *badger.DB
	baseURL string
	maxSize int
	logger  cmtlog.Logger
}

// Open opens (or creates) the store at path. An empty path keeps everything in memory.
func Open(path, baseURL string, logger cmtlog.Logger) (*Store, error) {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	logger = logger.With("module", "blobstore")

	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &Store{
		db:      db,
		baseURL: strings.TrimRight(baseURL, "/"),
		maxSize: DefaultMaxSize,
		logger:  logger,
	}, nil
}

// Close closes the badger database
func (s *Store) Close() error {
	return s.db.Close()
}

// URL returns the public URL of a blob
func (s *Store) URL(id string) string {
	return s.baseURL + "/blobs/" + id
}

// IDFromURL extracts the blob id from a URL produced by URL.
func IDFromURL(url string) string {
	idx := strings.LastIndex(url, "/blobs/")
	if idx < 0 {
		return ""
	}
	return strings.Trim(url[idx+len("/blobs/"):], "/")
}

// Upload stores data and returns its URL
func (s *Store) Upload(ctx context.Context, name, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if len(data) > s.maxSize {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), s.maxSize)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	blob := Blob{
		ID:          uuid.NewString(),
		Name:        name,
		ContentType: contentType,
		Size:        len(data),
		CreatedAt:   time.Now().UTC(),
	}
	meta, err := json.Marshal(blob)
	if err != nil {
		return "", err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blobKey(blob.ID), data); err != nil {
			return err
		}
		return txn.Set(metaKey(blob.ID), meta)
	})
	if err != nil {
		s.logger.Error("Error storing blob", "name", name, "err", err)
		return "", err
	}

	s.logger.Debug("Stored blob", "id", blob.ID, "name", name, "size", blob.Size)
	return s.URL(blob.ID), nil
}

// Get loads a blob with its data
func (s *Store) Get(id string) (*Blob, error) {
	var blob Blob
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(id))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &blob)
		}); err != nil {
			return err
		}

		item, err = txn.Get(blobKey(id))
		if err != nil {
			return err
		}
		blob.Data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &blob, nil
}

// Delete removes the blob behind url. Deleting a missing blob is not an error.
func (s *Store) Delete(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := IDFromURL(url)
	if id == "" {
		return fmt.Errorf("not a blob url: %s", url)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(blobKey(id)); err != nil {
			return err
		}
		return txn.Delete(metaKey(id))
	})
}

// ServeHTTP serves GET /blobs/<id>
func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := IDFromURL(r.URL.Path)
	blob, err := s.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.logger.Error("Error reading blob", "id", id, "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(blob.Data)
	}
}

func blobKey(id string) []byte { return []byte("blob:" + id) }
func metaKey(id string) []byte { return []byte("meta:" + id) }

// badgerLogger routes badger's printf-style logging into the key/value logger.
type badgerLogger struct {
	logger cmtlog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
