package store

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Key layout, all components separated by 0x00:
//
//	d <pk> <id>                     -> JSON Document
//	s <pk> <type> <sort_key> <id>   -> empty (ordering index)
const (
	docPrefix   = 'd'
	indexPrefix = 's'
	sep         = 0x00
)

// PebbleContainer stores documents in a Pebble LSM keyed by partition. Writes that
// compare an ETag are serialized by mu since Pebble has no compare-and-swap.
type PebbleContainer struct {
	db     *pebble.DB
	logger *slog.Logger
	mu     sync.Mutex
}

var _ Container = (*PebbleContainer)(nil)

func NewPebbleContainer(path string, logger *slog.Logger) (*PebbleContainer, error) {
	return openPebble(path, &pebble.Options{}, logger)
}

// NewInMemoryPebbleContainer opens a Pebble database on an in-memory filesystem.
func NewInMemoryPebbleContainer(logger *slog.Logger) (*PebbleContainer, error) {
	return openPebble("", &pebble.Options{FS: vfs.NewMem()}, logger)
}

func openPebble(path string, opts *pebble.Options, logger *slog.Logger) (*PebbleContainer, error) {
	logger.Info("opening pebble db", "path", path)
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pebble db at %q", path)
	}
	return &PebbleContainer{db: db, logger: logger}, nil
}

func (c *PebbleContainer) Close() error {
	if err := c.db.Close(); err != nil {
		return errors.Wrapf(err, "failed to close pebble db")
	}
	c.logger.Info("pebble db closed")
	return nil
}

func (c *PebbleContainer) Ping(ctx context.Context) error {
	_, closer, err := c.db.Get([]byte{docPrefix, sep})
	if err == nil {
		return closer.Close()
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return errors.Wrapf(err, "pebble ping failed")
}

func (c *PebbleContainer) Create(ctx context.Context, doc *Document) error {
	if bytes.IndexByte([]byte(doc.PartitionKey), sep) >= 0 || bytes.IndexByte([]byte(doc.ID), sep) >= 0 {
		return errors.Wrapf(ErrInvalidParams, "document %q/%q: key contains a separator byte", doc.PartitionKey, doc.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := docKey(doc.PartitionKey, doc.ID)
	if _, err := c.get(key); err == nil {
		return errors.Wrapf(ErrAlreadyExists, "document %s/%s", doc.PartitionKey, doc.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	stored := *doc
	stored.ETag = uuid.NewString()
	if err := c.write(&stored, ""); err != nil {
		return err
	}
	doc.ETag = stored.ETag
	return nil
}

func (c *PebbleContainer) Read(ctx context.Context, partitionKey, id string) (*Document, error) {
	doc, err := c.get(docKey(partitionKey, id))
	if err != nil {
		return nil, errors.Wrapf(err, "document %s/%s", partitionKey, id)
	}
	return doc, nil
}

func (c *PebbleContainer) Replace(ctx context.Context, doc *Document, ifMatch string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.get(docKey(doc.PartitionKey, doc.ID))
	if err != nil {
		return errors.Wrapf(err, "document %s/%s", doc.PartitionKey, doc.ID)
	}
	if current.ETag != ifMatch {
		return errors.Wrapf(ErrPreconditionFailed, "document %s/%s", doc.PartitionKey, doc.ID)
	}

	stored := *doc
	stored.ETag = uuid.NewString()
	staleIndex := ""
	if current.Type != stored.Type || current.SortKey != stored.SortKey {
		staleIndex = string(indexKey(current.PartitionKey, current.Type, current.SortKey, current.ID))
	}
	if err := c.write(&stored, staleIndex); err != nil {
		return err
	}
	doc.ETag = stored.ETag
	return nil
}

func (c *PebbleContainer) Query(ctx context.Context, q Query) ([]*Document, error) {
	prefix := indexTypePrefix(q.PartitionKey, q.Type)
	lower := prefix
	if q.After != "" {
		// Every index key of sort key q.After continues with sep; sep+1 skips them all.
		lower = append(append(append([]byte{}, prefix...), q.After...), sep+1)
	}

	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open iterator")
	}
	defer iter.Close()

	var docs []*Document
	for iter.First(); iter.Valid(); iter.Next() {
		rest := iter.Key()[len(prefix):]
		i := bytes.LastIndexByte(rest, sep)
		if i < 0 {
			continue
		}
		id := string(rest[i+1:])
		doc, err := c.get(docKey(q.PartitionKey, id))
		if errors.Is(err, ErrNotFound) {
			c.logger.Warn("dangling index entry", "partition_key", q.PartitionKey, "id", id)
			continue
		} else if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
		if q.Limit > 0 && len(docs) >= q.Limit {
			break
		}
	}
	return docs, errors.WithStack(iter.Error())
}

func (c *PebbleContainer) DeletePartition(ctx context.Context, partitionKey string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := partitionPrefix(docPrefix, partitionKey)
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open iterator")
	}
	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed to scan partition")
	}
	if count == 0 {
		return 0, nil
	}

	batch := c.db.NewBatch()
	defer batch.Close()
	for _, p := range [][]byte{prefix, partitionPrefix(indexPrefix, partitionKey)} {
		if err := batch.DeleteRange(p, prefixUpperBound(p), nil); err != nil {
			return 0, errors.Wrapf(err, "failed to stage partition delete")
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, errors.Wrapf(err, "failed to commit partition delete")
	}
	return count, nil
}

func (c *PebbleContainer) get(key []byte) (*Document, error) {
	value, closer, err := c.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to get key")
	}
	defer closer.Close()

	var doc Document
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil, errors.Wrapf(err, "failed to decode document")
	}
	return &doc, nil
}

// write stores doc and its index entry in one batch, dropping staleIndex if set.
func (c *PebbleContainer) write(doc *Document, staleIndex string) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrapf(err, "failed to encode document")
	}

	batch := c.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(docKey(doc.PartitionKey, doc.ID), data, nil); err != nil {
		return errors.WithStack(err)
	}
	if err := batch.Set(indexKey(doc.PartitionKey, doc.Type, doc.SortKey, doc.ID), nil, nil); err != nil {
		return errors.WithStack(err)
	}
	if staleIndex != "" {
		if err := batch.Delete([]byte(staleIndex), nil); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.Wrapf(batch.Commit(pebble.Sync), "failed to commit document")
}

func partitionPrefix(kind byte, partitionKey string) []byte {
	key := make([]byte, 0, len(partitionKey)+3)
	key = append(key, kind, sep)
	key = append(key, partitionKey...)
	return append(key, sep)
}

func docKey(partitionKey, id string) []byte {
	return append(partitionPrefix(docPrefix, partitionKey), id...)
}

func indexTypePrefix(partitionKey, docType string) []byte {
	key := append(partitionPrefix(indexPrefix, partitionKey), docType...)
	return append(key, sep)
}

func indexKey(partitionKey, docType, sortKey, id string) []byte {
	key := append(indexTypePrefix(partitionKey, docType), sortKey...)
	key = append(key, sep)
	return append(key, id...)
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
