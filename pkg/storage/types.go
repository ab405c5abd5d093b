// Package storage provides the storage engine interface Champ commits through,
// plus the engines that ship with it.
//
// The core never talks to a concrete backend. It depends on Engine, a small
// capability interface: single-entity get/put/delete, an atomic batch
// primitive, key generation, adjacency reads and full scans (used to backfill
// new indexes).
//
// Engines:
//   - MemoryEngine: map-based, for tests and embedded use
//   - BadgerEngine: durable embedded store on BadgerDB
//   - Neo4jEngine: adapter translating operations to Cypher over Bolt
//
// Engines that are not safe for concurrent use can be wrapped with
// Serialized, which funnels every call through one mutex.
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	host, _ := model.NewObject(model.ObjectConfig{Type: "pserver", Key: "h1"})
//	err := engine.ApplyBatch(ctx, []storage.Operation{
//		storage.PutObject(host),
//	})
//
//	obj, err := engine.GetObject(ctx, "h1")
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/orneryd/champ/pkg/model"
)

// Common errors
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidKey         = errors.New("invalid key")
	ErrInvalidData        = errors.New("invalid data")
	ErrInvalidEdge        = errors.New("invalid relationship: source or target object not found")
	ErrStorageClosed      = errors.New("storage closed")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrCommitConflict     = errors.New("commit conflict")
	ErrIterationStopped   = errors.New("iteration stopped") // Sentinel to stop scans early
)

// OperationType identifies a write in a batch.
type OperationType string

const (
	OpPutObject          OperationType = "put_object"
	OpPutRelationship    OperationType = "put_relationship"
	OpDeleteObject       OperationType = "delete_object"
	OpDeleteRelationship OperationType = "delete_relationship"
)

// Operation is one write of an ApplyBatch call.
//
// Put operations carry a fully keyed entity; relationship endpoints must be
// key references. Delete operations carry only Key.
type Operation struct {
	Type         OperationType
	Key          model.Key
	Object       *model.Object
	Relationship *model.Relationship
}

// PutObject builds a put operation for obj.
func PutObject(obj *model.Object) Operation {
	return Operation{Type: OpPutObject, Key: obj.Key(), Object: obj}
}

// PutRelationship builds a put operation for rel.
func PutRelationship(rel *model.Relationship) Operation {
	return Operation{Type: OpPutRelationship, Key: rel.Key(), Relationship: rel}
}

// DeleteObjectOp builds a delete operation for an object key.
func DeleteObjectOp(key model.Key) Operation {
	return Operation{Type: OpDeleteObject, Key: key}
}

// DeleteRelationshipOp builds a delete operation for a relationship key.
func DeleteRelationshipOp(key model.Key) Operation {
	return Operation{Type: OpDeleteRelationship, Key: key}
}

// Validate checks the operation is well formed before an engine applies it.
func (op Operation) Validate() error {
	if op.Key == "" {
		return fmt.Errorf("%w: %s without key", ErrInvalidKey, op.Type)
	}
	switch op.Type {
	case OpPutObject:
		if op.Object == nil || op.Object.Key() != op.Key {
			return fmt.Errorf("%w: put_object payload does not match key %s", ErrInvalidData, op.Key)
		}
	case OpPutRelationship:
		rel := op.Relationship
		if rel == nil || rel.Key() != op.Key {
			return fmt.Errorf("%w: put_relationship payload does not match key %s", ErrInvalidData, op.Key)
		}
		if rel.Source().Key() == "" || rel.Target().Key() == "" {
			return fmt.Errorf("%w: relationship %s has unresolved endpoints", ErrInvalidData, op.Key)
		}
	case OpDeleteObject, OpDeleteRelationship:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidData, op.Type)
	}
	return nil
}

// Engine is the storage capability interface the core commits through.
//
// Implementations must make ApplyBatch atomic: either every operation becomes
// durably visible or none does. Readers must never observe a partially applied
// batch.
//
// DeleteObject also removes the object's incident relationships, like a
// DETACH DELETE. The transaction engine never relies on this; it deletes
// relationships explicitly first.
type Engine interface {
	GetObject(ctx context.Context, key model.Key) (*model.Object, error)
	GetRelationship(ctx context.Context, key model.Key) (*model.Relationship, error)

	UpsertObject(ctx context.Context, obj *model.Object) error
	UpsertRelationship(ctx context.Context, rel *model.Relationship) error
	DeleteObject(ctx context.Context, key model.Key) error
	DeleteRelationship(ctx context.Context, key model.Key) error

	// ApplyBatch applies ops in order as a single atomic unit.
	ApplyBatch(ctx context.Context, ops []Operation) error

	// NewKey generates a fresh key for an entity of the given kind.
	NewKey(ctx context.Context, kind model.EntityKind) (model.Key, error)

	// RelationshipsOf returns every relationship whose source or target is key.
	RelationshipsOf(ctx context.Context, key model.Key) ([]*model.Relationship, error)

	// ScanObjects and ScanRelationships visit every stored entity. Returning
	// ErrIterationStopped from fn ends the scan without error.
	ScanObjects(ctx context.Context, fn func(*model.Object) error) error
	ScanRelationships(ctx context.Context, fn func(*model.Relationship) error) error

	Close() error
}

// ConcurrencySafe is implemented by engines that report whether they may be
// called from multiple goroutines at once.
type ConcurrencySafe interface {
	ConcurrencySafe() bool
}

// IsConcurrencySafe reports whether e can be used without external locking.
// Engines that do not implement ConcurrencySafe are assumed unsafe.
func IsConcurrencySafe(e Engine) bool {
	cs, ok := e.(ConcurrencySafe)
	return ok && cs.ConcurrencySafe()
}

// Counter is implemented by engines that can count entities cheaply.
type Counter interface {
	ObjectCount(ctx context.Context) (int64, error)
	RelationshipCount(ctx context.Context) (int64, error)
}

// IsUnavailable reports whether err means the engine could not serve the
// request, as opposed to rejecting it.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrStorageClosed)
}

func checkKey(key model.Key) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}
