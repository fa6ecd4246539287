package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound           = errors.New("store: not found")
	ErrAlreadyExists      = errors.New("store: already exists")
	ErrPreconditionFailed = errors.New("store: precondition failed")
	ErrInvalidParams      = errors.New("store: invalid params")
)

// Document is one item of a partitioned collection. (PartitionKey, ID) is unique.
// SortKey orders documents of the same type inside a partition.
type Document struct {
	ID           string `json:"id"`
	PartitionKey string `json:"partition_key"`
	Type         string `json:"type"`
	SortKey      string `json:"sort_key,omitempty"`
	ETag         string `json:"etag"`
	Body         []byte `json:"body"`
}

// Query selects documents of one type in one partition, ascending by SortKey,
// strictly after After. Limit <= 0 means no limit.
type Query struct {
	PartitionKey string
	Type         string
	After        string
	Limit        int
}

// Container is a partitioned document collection.
type Container interface {
	// Create inserts doc and assigns doc.ETag. ErrAlreadyExists if the key is taken.
	Create(ctx context.Context, doc *Document) error
	// Read returns ErrNotFound when the document does not exist.
	Read(ctx context.Context, partitionKey, id string) (*Document, error)
	// Replace overwrites doc only if the stored ETag equals ifMatch, then assigns a
	// new doc.ETag. ErrNotFound or ErrPreconditionFailed otherwise.
	Replace(ctx context.Context, doc *Document, ifMatch string) error
	Query(ctx context.Context, q Query) ([]*Document, error)
	// DeletePartition removes every document of the partition as one unit and
	// returns how many were removed. Nothing is written when the partition is empty.
	DeletePartition(ctx context.Context, partitionKey string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// lastSortNano is the timestamp of the most recent sort key issued by this process.
var lastSortNano atomic.Int64

// newSortKey returns a key greater than every key issued before it by this
// process, so listing order is insertion order even when the wall clock steps
// backwards or two messages share a nanosecond. ts is used while it moves forward.
func newSortKey(ts time.Time) string {
	for {
		last := lastSortNano.Load()
		next := max(ts.UnixNano(), last+1)
		if lastSortNano.CompareAndSwap(last, next) {
			return fmt.Sprintf("%020d", next)
		}
	}
}
