package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/pbkdf2"

	"github.com/orneryd/champ/pkg/model"
)

// Key prefixes for the BadgerDB layout.
const (
	prefixObject       = byte(0x01) // object:key -> objectRecord
	prefixRelationship = byte(0x02) // relationship:key -> relationshipRecord
	prefixOutgoing     = byte(0x04) // outgoing:objectKey:0x00:relKey -> []byte{}
	prefixIncoming     = byte(0x05) // incoming:objectKey:0x00:relKey -> []byte{}
	prefixMeta         = byte(0x06) // meta:name -> engine bookkeeping
)

var sequenceKey = []byte{prefixMeta, 's', 'e', 'q'}

// BadgerEngine is a durable Engine backed by BadgerDB.
//
// Every batch runs in one Badger read-write transaction, so a batch is
// atomic and, with SyncWrites, durable once ApplyBatch returns. Concurrent
// batches touching the same keys are detected by Badger's optimistic
// concurrency control and surface as ErrCommitConflict.
//
// Keys:
//   - 0x01 + key               object record (msgpack)
//   - 0x02 + key               relationship record (msgpack)
//   - 0x04 + src + 0x00 + rel  outgoing adjacency
//   - 0x05 + tgt + 0x00 + rel  incoming adjacency
type BadgerEngine struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures a BadgerEngine.
type BadgerOptions struct {
	// DataDir is the directory for data files. Required unless InMemory.
	DataDir string

	// InMemory keeps everything in RAM. Data is lost on Close.
	InMemory bool

	// SyncWrites forces fsync on every commit.
	// Slower but durable against power loss.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil keeps Badger quiet.
	Logger *slog.Logger

	// LowMemory shrinks memtables and caches for constrained environments.
	LowMemory bool

	// EncryptionPassphrase enables encryption at rest. The AES key is derived
	// with PBKDF2-SHA256 from the passphrase and EncryptionSalt.
	EncryptionPassphrase string
	EncryptionSalt       []byte
	// KDFIterations defaults to 600000.
	KDFIterations int

	// KeyLeaseBandwidth is how many keys NewKey leases from the sequence at
	// a time. Defaults to 100.
	KeyLeaseBandwidth uint64
}

const defaultEncryptionSalt = "champ-badger-default-salt"

// NewBadgerEngine opens (or creates) a BadgerDB store in dataDir.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
//
// Example:
//
//	engine, err := storage.NewBadgerEngineInMemory()
//	if err != nil {
//		t.Fatal(err)
//	}
//	defer engine.Close()
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerEngineWithOptions opens a BadgerEngine with full control over
// durability, memory use and encryption.
//
// Configuration Trade-offs:
//   - SyncWrites=true: slower writes but nothing acknowledged is lost
//   - LowMemory=true: less RAM, slightly slower
//   - InMemory=true: fastest, nothing persisted
//   - EncryptionPassphrase: data files unreadable without the passphrase
//
// Example:
//
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
//		DataDir:              "./data/champ",
//		SyncWrites:           true,
//		EncryptionPassphrase: os.Getenv("CHAMP_ENCRYPTION_PASSPHRASE"),
//	})
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if !opts.InMemory && opts.DataDir == "" {
		return nil, fmt.Errorf("badger: data directory is required")
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(&badgerLogger{log: opts.Logger})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	badgerOpts = badgerOpts.
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20) // required > 0 when encryption is on

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).
			WithValueLogFileSize(64 << 20).
			WithNumMemtables(2).
			WithNumLevelZeroTables(2).
			WithNumLevelZeroTablesStall(4).
			WithValueThreshold(1024)
	}

	if opts.EncryptionPassphrase != "" {
		badgerOpts = badgerOpts.WithEncryptionKey(deriveEncryptionKey(opts))
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	bandwidth := opts.KeyLeaseBandwidth
	if bandwidth == 0 {
		bandwidth = 100
	}
	seq, err := db.GetSequence(sequenceKey, bandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open key sequence: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &BadgerEngine{db: db, seq: seq, logger: logger}, nil
}

// deriveEncryptionKey stretches the passphrase into a 32-byte AES-256 key.
func deriveEncryptionKey(opts BadgerOptions) []byte {
	salt := opts.EncryptionSalt
	if len(salt) == 0 {
		salt = []byte(defaultEncryptionSalt)
	}
	iterations := opts.KDFIterations
	if iterations <= 0 {
		iterations = 600000
	}
	return pbkdf2.Key([]byte(opts.EncryptionPassphrase), salt, iterations, 32, sha256.New)
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func objectKey(key model.Key) []byte {
	return append([]byte{prefixObject}, key...)
}

func relationshipKey(key model.Key) []byte {
	return append([]byte{prefixRelationship}, key...)
}

func adjacencyKey(prefix byte, obj, rel model.Key) []byte {
	k := make([]byte, 0, 1+len(obj)+1+len(rel))
	k = append(k, prefix)
	k = append(k, obj...)
	k = append(k, 0x00)
	k = append(k, rel...)
	return k
}

func adjacencyPrefix(prefix byte, obj model.Key) []byte {
	k := make([]byte, 0, 1+len(obj)+1)
	k = append(k, prefix)
	k = append(k, obj...)
	return append(k, 0x00)
}

// relKeyFromAdjacency extracts the relationship key after the separator.
func relKeyFromAdjacency(key []byte) model.Key {
	idx := bytes.IndexByte(key[1:], 0x00)
	if idx < 0 {
		return ""
	}
	return model.Key(key[1+idx+1:])
}

// badgerKeyOK rejects keys that would corrupt the adjacency layout.
func badgerKeyOK(key model.Key) error {
	if key == "" || bytes.IndexByte([]byte(key), 0x00) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// ============================================================================
// Reads
// ============================================================================

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// GetObject returns the object stored under key.
func (b *BadgerEngine) GetObject(ctx context.Context, key model.Key) (*model.Object, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var obj *model.Object
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		obj, err = getObjectInTxn(txn, key)
		return err
	})
	return obj, classifyBadgerError(err)
}

// GetRelationship returns the relationship stored under key.
func (b *BadgerEngine) GetRelationship(ctx context.Context, key model.Key) (*model.Relationship, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var rel *model.Relationship
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rel, err = getRelationshipInTxn(txn, key)
		return err
	})
	return rel, classifyBadgerError(err)
}

func getObjectInTxn(txn *badger.Txn, key model.Key) (*model.Object, error) {
	item, err := txn.Get(objectKey(key))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var obj *model.Object
	err = item.Value(func(val []byte) error {
		var decodeErr error
		obj, decodeErr = decodeObject(key, val)
		return decodeErr
	})
	return obj, err
}

func getRelationshipInTxn(txn *badger.Txn, key model.Key) (*model.Relationship, error) {
	item, err := txn.Get(relationshipKey(key))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rel *model.Relationship
	err = item.Value(func(val []byte) error {
		var decodeErr error
		rel, decodeErr = decodeRelationship(key, val)
		return decodeErr
	})
	return rel, err
}

// RelationshipsOf returns every relationship touching key.
func (b *BadgerEngine) RelationshipsOf(ctx context.Context, key model.Key) ([]*model.Relationship, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var rels []*model.Relationship
	err := b.db.View(func(txn *badger.Txn) error {
		keys, err := incidentKeysInTxn(txn, key)
		if err != nil {
			return err
		}
		for _, rk := range keys {
			rel, err := getRelationshipInTxn(txn, rk)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			rels = append(rels, rel)
		}
		return nil
	})
	if err != nil {
		return nil, classifyBadgerError(err)
	}
	return rels, nil
}

// incidentKeysInTxn lists relationship keys from both adjacency indexes,
// without duplicates for self-loops.
func incidentKeysInTxn(txn *badger.Txn, key model.Key) ([]model.Key, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	seen := make(map[model.Key]struct{})
	var keys []model.Key
	for _, p := range []byte{prefixOutgoing, prefixIncoming} {
		prefix := adjacencyPrefix(p, key)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rk := relKeyFromAdjacency(it.Item().Key())
			if rk == "" {
				continue
			}
			if _, dup := seen[rk]; dup {
				continue
			}
			seen[rk] = struct{}{}
			keys = append(keys, rk)
		}
	}
	return keys, nil
}

// ScanObjects streams every object.
func (b *BadgerEngine) ScanObjects(ctx context.Context, fn func(*model.Object) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.scan(ctx, prefixObject, func(key model.Key, val []byte) error {
		obj, err := decodeObject(key, val)
		if err != nil {
			b.logger.Warn("skipping undecodable object", "key", key, "error", err)
			return nil
		}
		return fn(obj)
	})
}

// ScanRelationships streams every relationship.
func (b *BadgerEngine) ScanRelationships(ctx context.Context, fn func(*model.Relationship) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.scan(ctx, prefixRelationship, func(key model.Key, val []byte) error {
		rel, err := decodeRelationship(key, val)
		if err != nil {
			b.logger.Warn("skipping undecodable relationship", "key", key, "error", err)
			return nil
		}
		return fn(rel)
	})
}

func (b *BadgerEngine) scan(ctx context.Context, prefix byte, fn func(model.Key, []byte) error) error {
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			key := model.Key(item.Key()[1:])
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(key, val); err != nil {
				if err == ErrIterationStopped {
					return nil
				}
				return err
			}
		}
		return nil
	})
	return err
}

// ObjectCount counts objects with a key-only scan.
func (b *BadgerEngine) ObjectCount(ctx context.Context) (int64, error) {
	return b.count(prefixObject)
}

// RelationshipCount counts relationships with a key-only scan.
func (b *BadgerEngine) RelationshipCount(ctx context.Context) (int64, error) {
	return b.count(prefixRelationship)
}

func (b *BadgerEngine) count(prefix byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// ============================================================================
// Writes
// ============================================================================

// UpsertObject stores obj, replacing any previous version.
func (b *BadgerEngine) UpsertObject(ctx context.Context, obj *model.Object) error {
	return b.ApplyBatch(ctx, []Operation{PutObject(obj)})
}

// UpsertRelationship stores rel. Both endpoints must exist.
func (b *BadgerEngine) UpsertRelationship(ctx context.Context, rel *model.Relationship) error {
	return b.ApplyBatch(ctx, []Operation{PutRelationship(rel)})
}

// DeleteObject removes an object and its incident relationships.
func (b *BadgerEngine) DeleteObject(ctx context.Context, key model.Key) error {
	return b.ApplyBatch(ctx, []Operation{DeleteObjectOp(key)})
}

// DeleteRelationship removes a relationship.
func (b *BadgerEngine) DeleteRelationship(ctx context.Context, key model.Key) error {
	return b.ApplyBatch(ctx, []Operation{DeleteRelationshipOp(key)})
}

// ApplyBatch applies ops in a single Badger transaction.
//
// Reads inside the transaction observe earlier operations of the same batch,
// so a relationship may reference an object put earlier in the batch. Any
// failure discards the transaction and nothing becomes visible.
func (b *BadgerEngine) ApplyBatch(ctx context.Context, ops []Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
		if err := badgerKeyOK(op.Key); err != nil {
			return err
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	for i, op := range ops {
		var err error
		switch op.Type {
		case OpPutObject:
			err = putObjectInTxn(txn, op.Object)
		case OpPutRelationship:
			err = putRelationshipInTxn(txn, op.Relationship)
		case OpDeleteObject:
			err = deleteObjectInTxn(txn, op.Key)
		case OpDeleteRelationship:
			err = deleteRelationshipInTxn(txn, op.Key)
		}
		if err != nil {
			return fmt.Errorf("operation %d (%s %s): %w", i, op.Type, op.Key, classifyBadgerError(err))
		}
	}

	if err := txn.Commit(); err != nil {
		b.logger.Warn("badger batch commit failed", "operations", len(ops), "error", err)
		return classifyBadgerError(err)
	}
	return nil
}

func putObjectInTxn(txn *badger.Txn, obj *model.Object) error {
	data, err := encodeObject(obj)
	if err != nil {
		return err
	}
	return txn.Set(objectKey(obj.Key()), data)
}

func putRelationshipInTxn(txn *badger.Txn, rel *model.Relationship) error {
	src, tgt := rel.Source().Key(), rel.Target().Key()
	for _, endpoint := range []model.Key{src, tgt} {
		if _, err := txn.Get(objectKey(endpoint)); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w (%s)", ErrInvalidEdge, endpoint)
		} else if err != nil {
			return err
		}
	}

	old, err := getRelationshipInTxn(txn, rel.Key())
	switch {
	case err == nil:
		if err := unlinkInTxn(txn, old); err != nil {
			return err
		}
	case err != ErrNotFound:
		return err
	}

	data, err := encodeRelationship(rel)
	if err != nil {
		return err
	}
	if err := txn.Set(relationshipKey(rel.Key()), data); err != nil {
		return err
	}
	if err := txn.Set(adjacencyKey(prefixOutgoing, src, rel.Key()), []byte{}); err != nil {
		return err
	}
	return txn.Set(adjacencyKey(prefixIncoming, tgt, rel.Key()), []byte{})
}

func unlinkInTxn(txn *badger.Txn, rel *model.Relationship) error {
	if err := txn.Delete(adjacencyKey(prefixOutgoing, rel.Source().Key(), rel.Key())); err != nil {
		return err
	}
	return txn.Delete(adjacencyKey(prefixIncoming, rel.Target().Key(), rel.Key()))
}

func deleteRelationshipInTxn(txn *badger.Txn, key model.Key) error {
	rel, err := getRelationshipInTxn(txn, key)
	if err != nil {
		return err
	}
	if err := unlinkInTxn(txn, rel); err != nil {
		return err
	}
	return txn.Delete(relationshipKey(key))
}

func deleteObjectInTxn(txn *badger.Txn, key model.Key) error {
	if _, err := txn.Get(objectKey(key)); err == badger.ErrKeyNotFound {
		return ErrNotFound
	} else if err != nil {
		return err
	}

	rels, err := incidentKeysInTxn(txn, key)
	if err != nil {
		return err
	}
	for _, rk := range rels {
		if err := deleteRelationshipInTxn(txn, rk); err != nil && err != ErrNotFound {
			return err
		}
	}
	return txn.Delete(objectKey(key))
}

// AssignedKeyPrefix starts every key NewKey returns on a BadgerEngine, so
// sequence numbers never land on numeric keys chosen by callers.
const AssignedKeyPrefix = "_k"

// NewKey leases the next value from the engine's Badger sequence. Values
// already in use are skipped.
func (b *BadgerEngine) NewKey(ctx context.Context, kind model.EntityKind) (model.Key, error) {
	if err := b.checkOpen(); err != nil {
		return "", err
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := b.seq.Next()
		if err != nil {
			return "", classifyBadgerError(err)
		}
		key := model.Key(AssignedKeyPrefix + strconv.FormatUint(n+1, 36))

		taken := false
		err = b.db.View(func(txn *badger.Txn) error {
			for _, k := range [][]byte{objectKey(key), relationshipKey(key)} {
				if _, err := txn.Get(k); err == nil {
					taken = true
				} else if err != badger.ErrKeyNotFound {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return "", classifyBadgerError(err)
		}
		if !taken {
			return key, nil
		}
	}
}

// ConcurrencySafe implements the ConcurrencySafe capability.
func (b *BadgerEngine) ConcurrencySafe() bool { return true }

// Sync forces buffered writes to disk.
func (b *BadgerEngine) Sync() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Sync()
}

// RunGC runs one round of value log garbage collection.
// Returns nil when there was nothing to collect.
func (b *BadgerEngine) RunGC() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.RunValueLogGC(0.5)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}

// Close releases the key sequence and closes the database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.seq.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release sequence: %w", err))
	}
	if err := b.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// classifyBadgerError maps Badger errors onto the engine error kinds.
func classifyBadgerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %v", ErrCommitConflict, err)
	case errors.Is(err, badger.ErrDBClosed):
		return ErrStorageClosed
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidEdge),
		errors.Is(err, ErrInvalidKey), errors.Is(err, ErrInvalidData),
		errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrCommitConflict),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
}

// badgerLogger routes BadgerDB logging into slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...), "component", "badger")
}
