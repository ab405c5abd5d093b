package model

import "fmt"

// MutationOp is the kind of change a Mutation requests.
type MutationOp int

const (
	OpUpsertObject MutationOp = iota + 1
	OpDeleteObject
	OpUpsertRelationship
	OpDeleteRelationship
)

func (op MutationOp) String() string {
	switch op {
	case OpUpsertObject:
		return "UPSERT_OBJECT"
	case OpDeleteObject:
		return "DELETE_OBJECT"
	case OpUpsertRelationship:
		return "UPSERT_RELATIONSHIP"
	case OpDeleteRelationship:
		return "DELETE_RELATIONSHIP"
	default:
		return fmt.Sprintf("MutationOp(%d)", int(op))
	}
}

// Kind returns the entity kind the op applies to.
func (op MutationOp) Kind() EntityKind {
	if op == OpUpsertRelationship || op == OpDeleteRelationship {
		return KindRelationship
	}
	return KindObject
}

// IsDelete reports whether op removes an entity.
func (op MutationOp) IsDelete() bool {
	return op == OpDeleteObject || op == OpDeleteRelationship
}

// Mutation is one entry of a Partition.
type Mutation struct {
	Op           MutationOp
	Object       *Object
	Relationship *Relationship
	// Key is set for deletes.
	Key Key
}

// UpsertObject creates or replaces obj.
func UpsertObject(obj *Object) Mutation { return Mutation{Op: OpUpsertObject, Object: obj} }

// DeleteObject removes the object stored under key.
func DeleteObject(key Key) Mutation { return Mutation{Op: OpDeleteObject, Key: key} }

// UpsertRelationship creates or replaces rel.
func UpsertRelationship(rel *Relationship) Mutation {
	return Mutation{Op: OpUpsertRelationship, Relationship: rel}
}

// DeleteRelationship removes the relationship stored under key.
func DeleteRelationship(key Key) Mutation { return Mutation{Op: OpDeleteRelationship, Key: key} }

// EntityKey returns the key the mutation targets, or "" for keyless upserts.
func (m Mutation) EntityKey() Key {
	switch m.Op {
	case OpUpsertObject:
		if m.Object != nil {
			return m.Object.key
		}
	case OpUpsertRelationship:
		if m.Relationship != nil {
			return m.Relationship.key
		}
	default:
		return m.Key
	}
	return ""
}

// PartitionConfig holds the mutations of a Partition in submission order.
type PartitionConfig struct {
	Mutations []Mutation
}

// Partition is an immutable, ordered batch of mutations committed atomically.
type Partition struct {
	mutations []Mutation
}

// NewPartition validates cfg and returns the built Partition.
//
// Structural rules checked here:
//   - the partition is not empty and every mutation carries its payload
//   - no entity key (or Object value) appears in more than one mutation
//   - a relationship that references a keyless Object via RefTo has that
//     Object upserted in the same partition
//
// Rules that need storage (existence of keyed endpoints, incident
// relationships of deleted objects) are checked at commit time.
func NewPartition(cfg PartitionConfig) (*Partition, error) {
	if len(cfg.Mutations) == 0 {
		return nil, malformed("partition", "no mutations")
	}

	objKeys := make(map[Key]int)
	relKeys := make(map[Key]int)
	pending := make(map[*Object]int)

	for i, m := range cfg.Mutations {
		switch m.Op {
		case OpUpsertObject:
			if m.Object == nil {
				return nil, malformed("partition", fmt.Sprintf("mutation %d: object is nil", i))
			}
			if _, dup := pending[m.Object]; dup {
				return nil, malformed("partition", fmt.Sprintf("mutation %d: object upserted twice", i))
			}
			pending[m.Object] = i
			if k := m.Object.key; k != "" {
				if j, dup := objKeys[k]; dup {
					return nil, malformed("partition", fmt.Sprintf("mutations %d and %d both target object %s", j, i, k))
				}
				objKeys[k] = i
			}
		case OpUpsertRelationship:
			if m.Relationship == nil {
				return nil, malformed("partition", fmt.Sprintf("mutation %d: relationship is nil", i))
			}
			if k := m.Relationship.key; k != "" {
				if j, dup := relKeys[k]; dup {
					return nil, malformed("partition", fmt.Sprintf("mutations %d and %d both target relationship %s", j, i, k))
				}
				relKeys[k] = i
			}
		case OpDeleteObject, OpDeleteRelationship:
			if m.Key == "" {
				return nil, malformed("partition", fmt.Sprintf("mutation %d: delete requires a key", i))
			}
			seen := objKeys
			if m.Op == OpDeleteRelationship {
				seen = relKeys
			}
			if j, dup := seen[m.Key]; dup {
				return nil, malformed("partition", fmt.Sprintf("mutations %d and %d both target %s", j, i, m.Key))
			}
			seen[m.Key] = i
		default:
			return nil, malformed("partition", fmt.Sprintf("mutation %d: unknown op %v", i, m.Op))
		}
	}

	for i, m := range cfg.Mutations {
		if m.Op != OpUpsertRelationship {
			continue
		}
		for _, ref := range []ObjectRef{m.Relationship.source, m.Relationship.target} {
			obj := ref.obj
			if obj == nil || obj.key != "" {
				continue
			}
			if _, ok := pending[obj]; !ok {
				return nil, malformed("partition", fmt.Sprintf(
					"mutation %d: relationship references a new %s object that is not part of the partition", i, obj.typ))
			}
		}
	}

	muts := make([]Mutation, len(cfg.Mutations))
	copy(muts, cfg.Mutations)
	return &Partition{mutations: muts}, nil
}

// Mutations returns the partition's mutations in submission order.
func (p *Partition) Mutations() []Mutation {
	out := make([]Mutation, len(p.mutations))
	copy(out, p.mutations)
	return out
}

// Len returns the number of mutations.
func (p *Partition) Len() int { return len(p.mutations) }
