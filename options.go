package snapdb

import (
	"log/slog"

	"github.com/hupe1980/snapdb/blobstore"
	"github.com/hupe1980/snapdb/resource"
	"github.com/hupe1980/snapdb/snapshot"
)

type options struct {
	metaStore   snapshot.MetaStore
	blobStore   blobstore.BlobStore
	logger      *Logger
	resourceCfg resource.Config
	mergePolicy MergePolicy
}

// Option configures database constructor behavior.
type Option func(*options)

// WithMetaStore configures the metadata store. Defaults to an in-memory
// store; pass a metastore.BlobMetaStore for a persistent database.
func WithMetaStore(ms snapshot.MetaStore) Option {
	return func(o *options) {
		o.metaStore = ms
	}
}

// WithBlobStore configures where segment file payloads are stored.
// Defaults to an in-memory store.
func WithBlobStore(bs blobstore.BlobStore) Option {
	return func(o *options) {
		o.blobStore = bs
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithResourceConfig configures the budgets for background work: segment
// merges and stale metadata reclamation.
func WithResourceConfig(cfg resource.Config) Option {
	return func(o *options) {
		o.resourceCfg = cfg
	}
}

// WithMergePolicy configures when flushed segments are merged.
// Pass nil to disable merging.
func WithMergePolicy(p MergePolicy) Option {
	return func(o *options) {
		o.mergePolicy = p
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:      NoopLogger(),
		mergePolicy: DefaultMergePolicy(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
