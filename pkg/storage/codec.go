// Package storage - Serialization helpers for BadgerDB.
package storage

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/orneryd/champ/pkg/model"
)

// objectRecord is the on-disk form of an object. The key lives in the
// Badger key, not the value.
type objectRecord struct {
	Type       string         `msgpack:"t"`
	Properties map[string]any `msgpack:"p,omitempty"`
}

type relationshipRecord struct {
	Type       string         `msgpack:"t"`
	Source     string         `msgpack:"s"`
	Target     string         `msgpack:"d"`
	Properties map[string]any `msgpack:"p,omitempty"`
}

func encodeObject(obj *model.Object) ([]byte, error) {
	return msgpack.Marshal(objectRecord{Type: obj.Type(), Properties: obj.Properties()})
}

// decodeObject rebuilds an object. MessagePack shrinks integers to their
// smallest width, so values go back through model normalization.
func decodeObject(key model.Key, data []byte) (*model.Object, error) {
	var rec objectRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling object %s: %w", key, err)
	}
	obj, err := model.NewObject(model.ObjectConfig{Type: rec.Type, Key: key, Properties: rec.Properties})
	if err != nil {
		return nil, fmt.Errorf("%w: object %s: %v", ErrInvalidData, key, err)
	}
	return obj, nil
}

func encodeRelationship(rel *model.Relationship) ([]byte, error) {
	return msgpack.Marshal(relationshipRecord{
		Type:       rel.Type(),
		Source:     string(rel.Source().Key()),
		Target:     string(rel.Target().Key()),
		Properties: rel.Properties(),
	})
}

func decodeRelationship(key model.Key, data []byte) (*model.Relationship, error) {
	var rec relationshipRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling relationship %s: %w", key, err)
	}
	rel, err := model.NewRelationship(model.RelationshipConfig{
		Type:       rec.Type,
		Key:        key,
		Source:     model.RefKey(model.Key(rec.Source)),
		Target:     model.RefKey(model.Key(rec.Target)),
		Properties: rec.Properties,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: relationship %s: %v", ErrInvalidData, key, err)
	}
	return rel, nil
}
