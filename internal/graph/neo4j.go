package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	perrors "github.com/cartograph/cartograph/internal/errors"
	"github.com/cartograph/cartograph/pkg/types"
)

// Every node carries the Asset label so one uniqueness constraint covers all
// entity types.
const createConstraintCypher = `CREATE CONSTRAINT asset_entity_key IF NOT EXISTS
FOR (n:Asset) REQUIRE n.entity_key IS UNIQUE`

const selectTypesCypher = `UNWIND $keys AS k
MATCH (n:Asset {entity_key: k})
RETURN n.entity_key AS key, n.entity_type AS type`

// upsertCypher is formatted with the entity-type label, which always comes
// from the closed EntityType enum.
const upsertCypher = "UNWIND $rows AS row\n" +
	"MERGE (n:Asset {entity_key: row.entity_key})\n" +
	"WITH n, row\n" +
	"WHERE n.observed_at IS NULL\n" +
	"   OR row.observed_at > n.observed_at\n" +
	"   OR (row.observed_at = n.observed_at AND row.producer_id > n.producer_id)\n" +
	"   OR (row.observed_at = n.observed_at AND row.producer_id = n.producer_id AND row.sequence > n.sequence)\n" +
	"SET n = row.props\n" +
	"SET n:`%s`\n" +
	"RETURN count(n) AS written"

const selectNodeCypher = `MATCH (n:Asset {entity_key: $key}) RETURN properties(n) AS props`

// Neo4jConfig holds connection settings for a Neo4j graph.
type Neo4jConfig struct {
	URI      string // neo4j:// or bolt:// address
	Username string
	Password string
	Database string
}

// Neo4jStore is a Store backed by Neo4j.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jStore connects to Neo4j, verifies connectivity and ensures the
// entity_key uniqueness constraint.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig) (*Neo4jStore, error) {
	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth)
	if err != nil {
		return nil, fmt.Errorf("graph: failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("graph: neo4j unreachable: %w", err)
	}

	s := &Neo4jStore{driver: driver, database: cfg.Database}
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	res, err := session.Run(ctx, createConstraintCypher, nil)
	if err == nil {
		_, err = res.Consume(ctx)
	}
	if err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("graph: failed to create constraint: %w", err)
	}
	return s, nil
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database, AccessMode: mode})
}

// ApplyBatch implements Store. The type check and every per-label upsert run
// in one managed write transaction.
func (s *Neo4jStore) ApplyBatch(ctx context.Context, b *Batch) (Result, error) {
	for _, u := range b.Upserts {
		if u.Sequence > math.MaxInt64 {
			return Result{}, perrors.NewRecordRejected(u.EntityKey, "sequence exceeds store range")
		}
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := checkTypes(ctx, tx, b); err != nil {
			return nil, err
		}

		written := 0
		for _, group := range groupByType(b) {
			rows := make([]map[string]any, 0, len(group.upserts))
			for _, u := range group.upserts {
				rows = append(rows, neo4jRow(u))
			}
			result, err := tx.Run(ctx, fmt.Sprintf(upsertCypher, group.entityType.Label()), map[string]any{"rows": rows})
			if err != nil {
				return nil, err
			}
			rec, err := result.Single(ctx)
			if err != nil {
				return nil, err
			}
			if v, ok := rec.Get("written"); ok {
				if n, ok := v.(int64); ok {
					written += int(n)
				}
			}
		}
		return written, nil
	})
	if err != nil {
		if _, ok := perrors.AsRecordRejected(err); ok {
			return Result{}, err
		}
		return Result{}, classifyNeo4j("apply batch", err)
	}

	written := out.(int)
	return Result{Written: written, Skipped: b.Len() - written}, nil
}

func checkTypes(ctx context.Context, tx neo4j.ManagedTransaction, b *Batch) error {
	keys := make([]string, 0, b.Len())
	incoming := make(map[string]types.EntityType, b.Len())
	for _, u := range b.Upserts {
		keys = append(keys, u.EntityKey)
		incoming[u.EntityKey] = u.EntityType
	}

	result, err := tx.Run(ctx, selectTypesCypher, map[string]any{"keys": keys})
	if err != nil {
		return err
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		k, _ := rec.Get("key")
		t, _ := rec.Get("type")
		key, _ := k.(string)
		stored, _ := t.(string)
		if stored != "" && stored != string(incoming[key]) {
			return perrors.NewRecordRejected(key,
				fmt.Sprintf("entity type conflict: stored %s, incoming %s", stored, incoming[key]))
		}
	}
	return nil
}

type typeGroup struct {
	entityType types.EntityType
	upserts    []*types.AssetRecord
}

// groupByType splits a batch per entity type, in a stable order.
func groupByType(b *Batch) []typeGroup {
	idx := make(map[types.EntityType]int)
	var groups []typeGroup
	for _, u := range b.Upserts {
		i, ok := idx[u.EntityType]
		if !ok {
			i = len(groups)
			idx[u.EntityType] = i
			groups = append(groups, typeGroup{entityType: u.EntityType})
		}
		groups[i].upserts = append(groups[i].upserts, u)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].entityType < groups[j].entityType })
	return groups
}

// neo4jRow builds the UNWIND row of an upsert. props replaces every node
// property; nil attributes are dropped since Neo4j does not store nulls.
func neo4jRow(u *types.AssetRecord) map[string]any {
	props := make(map[string]any, len(u.Attributes)+5)
	for k, v := range u.Attributes {
		if v != nil {
			props[k] = v
		}
	}
	observed := u.ObservedAt.UnixNano()
	props[types.PropEntityKey] = u.EntityKey
	props[types.PropEntityType] = string(u.EntityType)
	props[types.PropObservedAt] = observed
	props[types.PropProducerID] = u.ProducerID
	props[types.PropSequence] = int64(u.Sequence)

	return map[string]any{
		"entity_key":  u.EntityKey,
		"observed_at": observed,
		"producer_id": u.ProducerID,
		"sequence":    int64(u.Sequence),
		"props":       props,
	}
}

// GetNode implements Store.
func (s *Neo4jStore) GetNode(ctx context.Context, key string) (*Node, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, selectNodeCypher, map[string]any{"key": key})
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, nil
		}
		props, _ := records[0].Get("props")
		m, _ := props.(map[string]any)
		return m, nil
	})
	if err != nil {
		return nil, classifyNeo4j("get node", err)
	}
	props, _ := out.(map[string]any)
	if props == nil {
		return nil, ErrNodeNotFound
	}
	return nodeFromProps(props), nil
}

func nodeFromProps(props map[string]any) *Node {
	n := &Node{Attributes: make(map[string]any, len(props))}
	for k, v := range props {
		switch k {
		case types.PropEntityKey:
			n.EntityKey, _ = v.(string)
		case types.PropEntityType:
			t, _ := v.(string)
			n.EntityType = types.EntityType(t)
		case types.PropObservedAt:
			ns, _ := v.(int64)
			n.ObservedAt = time.Unix(0, ns).UTC()
		case types.PropProducerID:
			n.ProducerID, _ = v.(string)
		case types.PropSequence:
			seq, _ := v.(int64)
			n.Sequence = uint64(seq)
		default:
			n.Attributes[k] = v
		}
	}
	return n
}

// Close closes the driver.
func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

func classifyNeo4j(op string, err error) error {
	if neo4j.IsRetryable(err) {
		return perrors.NewTransientStoreError("neo4j: "+op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return perrors.NewInternalError("neo4j: "+op, err)
}
