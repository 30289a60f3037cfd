package graph

// CreateNodesTableSQL creates the node table of the SQLite graph store.
// observed_at is stored as Unix nanoseconds so the row-value comparison in
// upsertNodeSQL matches types.Compare.
const CreateNodesTableSQL = `
CREATE TABLE IF NOT EXISTS nodes (
    entity_key TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    attributes TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    producer_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

// CreateNodesIndexesSQL creates secondary indexes on the node table.
var CreateNodesIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(entity_type)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_observed ON nodes(observed_at)`,
}

const selectTypeSQL = `SELECT entity_type FROM nodes WHERE entity_key = ?`

// upsertNodeSQL creates a node or overwrites it when the incoming
// (observed_at, producer_id, sequence) is strictly greater than the stored one.
const upsertNodeSQL = `
INSERT INTO nodes (entity_key, entity_type, attributes, observed_at, producer_id, sequence, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(entity_key) DO UPDATE SET
    attributes = excluded.attributes,
    observed_at = excluded.observed_at,
    producer_id = excluded.producer_id,
    sequence = excluded.sequence,
    updated_at = excluded.updated_at
WHERE (excluded.observed_at, excluded.producer_id, excluded.sequence)
    > (nodes.observed_at, nodes.producer_id, nodes.sequence)`

const selectNodeSQL = `
SELECT entity_key, entity_type, attributes, observed_at, producer_id, sequence
FROM nodes WHERE entity_key = ?`

const selectAllNodesSQL = `
SELECT entity_key, entity_type, attributes, observed_at, producer_id, sequence
FROM nodes ORDER BY entity_key`
