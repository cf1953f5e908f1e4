package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

var bucketBundles = []byte("bundles")

// DefaultClearLimit is the cached-bundle count past which the cache is
// wiped wholesale at startup. Bundles are content-addressed and cheap to
// re-upload, so the bound is deliberately coarse.
const DefaultClearLimit = 10

var (
	// ErrNotFound is returned when a bundle is absent or its upload has not
	// completed yet. A reserved slot with no data reads as absent.
	ErrNotFound = errors.New("bundle not found")

	// ErrNotReserved is returned by PutData when no slot was reserved for
	// the fingerprint.
	ErrNotReserved = errors.New("bundle slot not reserved")

	// ErrUnknownCompression is returned for any compression value other
	// than "none". Refusing beats decoding with the wrong codec.
	ErrUnknownCompression = errors.New("unknown compression codec")

	// ErrInvalidFingerprint rejects fingerprints that are not lowercase hex.
	ErrInvalidFingerprint = errors.New("invalid bundle fingerprint")
)

// Fingerprint computes the content digest used as a bundle's cache key.
// Every participant derives keys with this function; a client hashing with
// anything else will never get a cache hit.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Cache is the node's content-addressed bundle store. Artifact bytes live
// as {fingerprint}.js files in the scratch directory; the metadata index
// (fingerprint, size, created) lives beside them in a bbolt database.
type Cache struct {
	dir string
	db  *bolt.DB
}

// NewCache opens the cache over a scratch directory, creating it if absent.
// When the index holds more than limit records the whole cache is cleared
// before use (limit <= 0 means DefaultClearLimit).
func NewCache(dir string, limit int) (*Cache, error) {
	if limit <= 0 {
		limit = DefaultClearLimit
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bundle directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle index: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBundles)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bundle bucket: %w", err)
	}

	c := &Cache{dir: dir, db: db}

	count, err := c.Count()
	if err != nil {
		db.Close()
		return nil, err
	}
	if count > limit {
		logger := log.WithComponent("bundle")
		logger.Info().
			Int("count", count).
			Int("limit", limit).
			Msg("bundle cache over limit, clearing")
		if err := c.Clear(); err != nil {
			db.Close()
			return nil, err
		}
	}

	c.updateGauge()
	return c, nil
}

// Close closes the metadata index
func (c *Cache) Close() error {
	return c.db.Close()
}

// Create reserves a slot for a fingerprint. Idempotent: reserving an
// existing slot (complete or not) changes nothing, so two racing clients
// converge on one record.
func (c *Cache) Create(hash string) error {
	if !validFingerprint(hash) {
		return ErrInvalidFingerprint
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		if b.Get([]byte(hash)) != nil {
			return nil
		}
		data, err := json.Marshal(&types.BundleInfo{Hash: hash, Created: time.Now().UTC()})
		if err != nil {
			return err
		}
		return b.Put([]byte(hash), data)
	})
}

// PutData writes the artifact bytes for a reserved fingerprint. The write
// is staged to a temporary file and renamed into place, so Describe never
// observes a half-written artifact. Only the "none" compression codec is
// accepted; an empty value means "none".
func (c *Cache) PutData(hash string, r io.Reader, compression string) (int64, error) {
	if !validFingerprint(hash) {
		return 0, ErrInvalidFingerprint
	}
	if compression != "" && compression != "none" {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCompression, compression)
	}

	reserved, err := c.exists(hash)
	if err != nil {
		return 0, err
	}
	if !reserved {
		return 0, ErrNotReserved
	}

	pf, err := renameio.TempFile("", c.Path(hash))
	if err != nil {
		return 0, fmt.Errorf("failed to stage bundle: %w", err)
	}
	defer pf.Cleanup()

	size, err := io.Copy(pf, r)
	if err != nil {
		return 0, fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("failed to commit bundle: %w", err)
	}

	err = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		data, err := json.Marshal(&types.BundleInfo{Hash: hash, Size: size, Created: time.Now().UTC()})
		if err != nil {
			return err
		}
		return b.Put([]byte(hash), data)
	})
	if err != nil {
		return 0, err
	}

	metrics.BundleUploads.Inc()
	metrics.BundleBytesReceived.Add(float64(size))
	c.updateGauge()
	return size, nil
}

// Describe returns the record of a complete bundle. A fingerprint that was
// only reserved (size still zero) reads as absent, which keeps the upload
// dedupe protocol honest: describe succeeds only after put_data finished.
func (c *Cache) Describe(hash string) (*types.BundleInfo, error) {
	if !validFingerprint(hash) {
		return nil, ErrInvalidFingerprint
	}

	var info types.BundleInfo
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBundles).Get([]byte(hash))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &info)
	})
	if err != nil {
		return nil, err
	}
	if info.Size == 0 {
		return nil, ErrNotFound
	}
	return &info, nil
}

// Open returns the artifact path of a complete bundle for the worker
// launcher, or ErrNotFound when the bundle is absent or incomplete.
func (c *Cache) Open(hash string) (string, error) {
	if _, err := c.Describe(hash); err != nil {
		return "", err
	}
	return c.Path(hash), nil
}

// Path returns where a fingerprint's artifact is (or would be) stored
func (c *Cache) Path(hash string) string {
	return filepath.Join(c.dir, hash+".js")
}

// Count returns the number of index records, reserved slots included.
// The startup clear decision uses this count.
func (c *Cache) Count() (int, error) {
	var count int
	err := c.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketBundles).Stats().KeyN
		return nil
	})
	return count, err
}

// Clear removes every record and artifact
func (c *Cache) Clear() error {
	var hashes []string
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		if err := b.ForEach(func(k, v []byte) error {
			hashes = append(hashes, string(k))
			return nil
		}); err != nil {
			return err
		}
		for _, h := range hashes {
			if err := b.Delete([]byte(h)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, h := range hashes {
		if err := os.Remove(c.Path(h)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove artifact %s: %w", h, err)
		}
	}

	c.updateGauge()
	return nil
}

// exists reports whether any record (reserved or complete) is indexed
func (c *Cache) exists(hash string) (bool, error) {
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketBundles).Get([]byte(hash)) != nil
		return nil
	})
	return found, err
}

// updateGauge refreshes the cached-bundle gauge with the complete count
func (c *Cache) updateGauge() {
	var complete int
	_ = c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBundles).ForEach(func(k, v []byte) error {
			var info types.BundleInfo
			if err := json.Unmarshal(v, &info); err == nil && info.Size > 0 {
				complete++
			}
			return nil
		})
	})
	metrics.BundlesCached.Set(float64(complete))
}

func validFingerprint(hash string) bool {
	if hash == "" {
		return false
	}
	for _, r := range hash {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
