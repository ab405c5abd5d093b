package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/orneryd/champ/pkg/model"
)

// Reserved property names the adapter stores alongside user properties.
const (
	neo4jReservedPrefix = "_champ_"
	neo4jKeyProp        = "_champ_key"
	neo4jTypeProp       = "_champ_type"
	neo4jGraphProp      = "_champ_graph"

	neo4jObjectLabel = "ChampObject"
	neo4jRelType     = "CHAMP_REL"

	neo4jScanPage = 1000
)

// Neo4jOptions configures a Neo4jEngine.
type Neo4jOptions struct {
	URI      string
	Username string
	Password string
	// Database defaults to "neo4j".
	Database string
	// Graph scopes every node and relationship this engine writes, so several
	// Champ graphs can share one database.
	Graph  string
	Logger *slog.Logger
}

// Neo4jEngine stores the graph in a Neo4j database over Bolt.
//
// Objects become (:ChampObject) nodes and relationships become [:CHAMP_REL]
// edges. The Champ type, key and graph name are kept in reserved
// "_champ_"-prefixed properties; user properties sit next to them. A batch
// runs in one managed write transaction.
type Neo4jEngine struct {
	client   neo4j.DriverWithContext
	database string
	graph    string
	logger   *slog.Logger
}

// NewNeo4jEngine creates the driver. It does not contact the server; call
// Ping to verify connectivity.
func NewNeo4jEngine(opts Neo4jOptions) (*Neo4jEngine, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("neo4j: uri is required")
	}
	if opts.Graph == "" {
		return nil, fmt.Errorf("neo4j: graph name is required")
	}
	driver, err := neo4j.NewDriverWithContext(opts.URI, neo4j.BasicAuth(opts.Username, opts.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	database := opts.Database
	if database == "" {
		database = "neo4j"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Neo4jEngine{
		client:   driver,
		database: database,
		graph:    opts.Graph,
		logger:   logger.With("component", "neo4j", "graph", opts.Graph),
	}, nil
}

// Ping verifies the server is reachable.
func (n *Neo4jEngine) Ping(ctx context.Context) error {
	if err := n.client.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// EnsureSchema creates the native lookup index the adapter relies on for
// key access. Champ secondary indexes are maintained by the core.
func (n *Neo4jEngine) EnsureSchema(ctx context.Context) error {
	session := n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			CREATE INDEX champ_object_key IF NOT EXISTS
			FOR (n:ChampObject) ON (n._champ_graph, n._champ_key)
		`, nil)
		return nil, err
	})
	return classifyNeo4jError(err)
}

func (n *Neo4jEngine) ConcurrencySafe() bool { return true }

// GetObject returns the object stored under key.
func (n *Neo4jEngine) GetObject(ctx context.Context, key model.Key) (*model.Object, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	records, err := n.read(ctx, `
		MATCH (n:ChampObject {_champ_graph: $graph, _champ_key: $key})
		RETURN n
	`, map[string]any{"graph": n.graph, "key": string(key)})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return objectFromRecord(records[0])
}

// GetRelationship returns the relationship stored under key.
func (n *Neo4jEngine) GetRelationship(ctx context.Context, key model.Key) (*model.Relationship, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	records, err := n.read(ctx, `
		MATCH (s:ChampObject)-[r:CHAMP_REL {_champ_graph: $graph, _champ_key: $key}]->(t:ChampObject)
		RETURN r, s._champ_key AS source, t._champ_key AS target
	`, map[string]any{"graph": n.graph, "key": string(key)})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return relationshipFromRecord(records[0])
}

func (n *Neo4jEngine) UpsertObject(ctx context.Context, obj *model.Object) error {
	return n.ApplyBatch(ctx, []Operation{PutObject(obj)})
}

func (n *Neo4jEngine) UpsertRelationship(ctx context.Context, rel *model.Relationship) error {
	return n.ApplyBatch(ctx, []Operation{PutRelationship(rel)})
}

func (n *Neo4jEngine) DeleteObject(ctx context.Context, key model.Key) error {
	return n.ApplyBatch(ctx, []Operation{DeleteObjectOp(key)})
}

func (n *Neo4jEngine) DeleteRelationship(ctx context.Context, key model.Key) error {
	return n.ApplyBatch(ctx, []Operation{DeleteRelationshipOp(key)})
}

// ApplyBatch runs every operation in one managed write transaction. The
// driver retries transient failures; anything else rolls the transaction back.
func (n *Neo4jEngine) ApplyBatch(ctx context.Context, ops []Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}

	session := n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for i, op := range ops {
			if err := n.applyOp(ctx, tx, op); err != nil {
				return nil, fmt.Errorf("operation %d (%s %s): %w", i, op.Type, op.Key, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		n.logger.Warn("neo4j batch failed", "operations", len(ops), "error", err)
	}
	return classifyNeo4jError(err)
}

func (n *Neo4jEngine) applyOp(ctx context.Context, tx neo4j.ManagedTransaction, op Operation) error {
	switch op.Type {
	case OpPutObject:
		props, err := n.storedProperties(op.Key, op.Object.Type(), op.Object.Properties())
		if err != nil {
			return err
		}
		_, err = tx.Run(ctx, `
			MERGE (n:ChampObject {_champ_graph: $graph, _champ_key: $key})
			SET n = $props
		`, map[string]any{"graph": n.graph, "key": string(op.Key), "props": props})
		return err

	case OpPutRelationship:
		rel := op.Relationship
		props, err := n.storedProperties(op.Key, rel.Type(), rel.Properties())
		if err != nil {
			return err
		}
		res, err := tx.Run(ctx, `
			MATCH (s:ChampObject {_champ_graph: $graph, _champ_key: $source})
			MATCH (t:ChampObject {_champ_graph: $graph, _champ_key: $target})
			OPTIONAL MATCH ()-[old:CHAMP_REL {_champ_graph: $graph, _champ_key: $key}]->()
			DELETE old
			WITH DISTINCT s, t
			CREATE (s)-[r:CHAMP_REL]->(t)
			SET r = $props
			RETURN r._champ_key AS key
		`, map[string]any{
			"graph":  n.graph,
			"key":    string(op.Key),
			"source": string(rel.Source().Key()),
			"target": string(rel.Target().Key()),
			"props":  props,
		})
		if err != nil {
			return err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return ErrInvalidEdge
		}
		return nil

	case OpDeleteObject:
		return n.runDelete(ctx, tx, `
			MATCH (n:ChampObject {_champ_graph: $graph, _champ_key: $key})
			DETACH DELETE n
			RETURN count(*) AS deleted
		`, op.Key)

	case OpDeleteRelationship:
		return n.runDelete(ctx, tx, `
			MATCH ()-[r:CHAMP_REL {_champ_graph: $graph, _champ_key: $key}]->()
			DELETE r
			RETURN count(*) AS deleted
		`, op.Key)
	}
	return fmt.Errorf("%w: unknown operation %q", ErrInvalidData, op.Type)
}

func (n *Neo4jEngine) runDelete(ctx context.Context, tx neo4j.ManagedTransaction, query string, key model.Key) error {
	res, err := tx.Run(ctx, query, map[string]any{"graph": n.graph, "key": string(key)})
	if err != nil {
		return err
	}
	record, err := res.Single(ctx)
	if err != nil {
		return err
	}
	deleted, _ := record.Get("deleted")
	if c, ok := deleted.(int64); !ok || c == 0 {
		return ErrNotFound
	}
	return nil
}

// storedProperties merges user properties with the reserved fields.
func (n *Neo4jEngine) storedProperties(key model.Key, typ string, props map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(props)+3)
	for name, v := range props {
		if strings.HasPrefix(name, neo4jReservedPrefix) {
			return nil, fmt.Errorf("%w: property %q uses the reserved prefix %s", ErrInvalidData, name, neo4jReservedPrefix)
		}
		out[name] = v
	}
	out[neo4jKeyProp] = string(key)
	out[neo4jTypeProp] = typ
	out[neo4jGraphProp] = n.graph
	return out, nil
}

// NewKey returns a random UUID key.
func (n *Neo4jEngine) NewKey(ctx context.Context, kind model.EntityKind) (model.Key, error) {
	return model.Key(uuid.NewString()), nil
}

// RelationshipsOf returns every relationship touching key.
func (n *Neo4jEngine) RelationshipsOf(ctx context.Context, key model.Key) ([]*model.Relationship, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	records, err := n.read(ctx, `
		MATCH (n:ChampObject {_champ_graph: $graph, _champ_key: $key})-[r:CHAMP_REL]-()
		WITH DISTINCT r
		RETURN r, startNode(r)._champ_key AS source, endNode(r)._champ_key AS target
	`, map[string]any{"graph": n.graph, "key": string(key)})
	if err != nil {
		return nil, err
	}
	rels := make([]*model.Relationship, 0, len(records))
	for _, rec := range records {
		rel, err := relationshipFromRecord(rec)
		if err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	return rels, nil
}

// ScanObjects pages through all objects of the graph ordered by key.
func (n *Neo4jEngine) ScanObjects(ctx context.Context, fn func(*model.Object) error) error {
	return n.scanPages(ctx, `
		MATCH (n:ChampObject {_champ_graph: $graph})
		WHERE n._champ_key > $after
		RETURN n, n._champ_key AS key
		ORDER BY n._champ_key
		LIMIT $limit
	`, func(rec *db.Record) error {
		obj, err := objectFromRecord(rec)
		if err != nil {
			return err
		}
		return fn(obj)
	})
}

// ScanRelationships pages through all relationships of the graph.
func (n *Neo4jEngine) ScanRelationships(ctx context.Context, fn func(*model.Relationship) error) error {
	return n.scanPages(ctx, `
		MATCH (s:ChampObject)-[r:CHAMP_REL {_champ_graph: $graph}]->(t:ChampObject)
		WHERE r._champ_key > $after
		RETURN r, r._champ_key AS key, s._champ_key AS source, t._champ_key AS target
		ORDER BY r._champ_key
		LIMIT $limit
	`, func(rec *db.Record) error {
		rel, err := relationshipFromRecord(rec)
		if err != nil {
			return err
		}
		return fn(rel)
	})
}

func (n *Neo4jEngine) scanPages(ctx context.Context, query string, fn func(*db.Record) error) error {
	after := ""
	for {
		records, err := n.read(ctx, query, map[string]any{
			"graph": n.graph, "after": after, "limit": neo4jScanPage,
		})
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				if err == ErrIterationStopped {
					return nil
				}
				return err
			}
			if k, ok := rec.Get("key"); ok {
				after, _ = k.(string)
			}
		}
		if len(records) < neo4jScanPage {
			return nil
		}
	}
}

func (n *Neo4jEngine) read(ctx context.Context, query string, params map[string]any) ([]*db.Record, error) {
	session := n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, classifyNeo4jError(err)
	}
	return result.([]*db.Record), nil
}

// Close closes the driver and its connection pool.
func (n *Neo4jEngine) Close() error {
	return n.client.Close(context.Background())
}

func objectFromRecord(rec *db.Record) (*model.Object, error) {
	value, found := rec.Get("n")
	if !found {
		return nil, ErrNotFound
	}
	node, ok := value.(dbtype.Node)
	if !ok {
		return nil, fmt.Errorf("unexpected type for node: got %T, expected dbtype.Node", value)
	}
	key, typ, props := splitReserved(node.Props)
	obj, err := model.NewObject(model.ObjectConfig{Type: typ, Key: model.Key(key), Properties: props})
	if err != nil {
		return nil, fmt.Errorf("%w: node %s: %v", ErrInvalidData, key, err)
	}
	return obj, nil
}

func relationshipFromRecord(rec *db.Record) (*model.Relationship, error) {
	value, found := rec.Get("r")
	if !found {
		return nil, ErrNotFound
	}
	relation, ok := value.(dbtype.Relationship)
	if !ok {
		return nil, fmt.Errorf("unexpected type for relationship: got %T, expected dbtype.Relationship", value)
	}
	src, _ := rec.Get("source")
	tgt, _ := rec.Get("target")
	srcKey, _ := src.(string)
	tgtKey, _ := tgt.(string)

	key, typ, props := splitReserved(relation.Props)
	rel, err := model.NewRelationship(model.RelationshipConfig{
		Type:       typ,
		Key:        model.Key(key),
		Source:     model.RefKey(model.Key(srcKey)),
		Target:     model.RefKey(model.Key(tgtKey)),
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: relationship %s: %v", ErrInvalidData, key, err)
	}
	return rel, nil
}

func splitReserved(stored map[string]any) (key, typ string, props map[string]any) {
	props = make(map[string]any, len(stored))
	for name, v := range stored {
		switch name {
		case neo4jKeyProp:
			key, _ = v.(string)
		case neo4jTypeProp:
			typ, _ = v.(string)
		case neo4jGraphProp:
		default:
			props[name] = v
		}
	}
	return key, typ, props
}

// classifyNeo4jError maps driver errors onto the engine error kinds.
func classifyNeo4jError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidEdge) ||
		errors.Is(err, ErrInvalidData) || errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) && strings.HasPrefix(nerr.Code, "Neo.TransientError.Transaction") {
		return fmt.Errorf("%w: %v", ErrCommitConflict, err)
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
