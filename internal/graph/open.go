package graph

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// Open opens the graph store at uri:
//
//	sqlite://<path>
//	neo4j://[user:pass@]host:port[?database=name]
//	bolt://[user:pass@]host:port[?database=name]
//
// A Neo4j password may also come from CARTOGRAPH_NEO4J_PASSWORD.
func Open(ctx context.Context, uri string) (Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("graph: invalid uri %q: %w", uri, err)
	}

	switch u.Scheme {
	case "sqlite":
		path := u.Host + u.Path
		if path == "" {
			return nil, fmt.Errorf("graph: sqlite uri needs a path")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("graph: failed to create data directory: %w", err)
		}
		return NewSQLiteStore(path)

	case "neo4j", "neo4j+s", "bolt", "bolt+s":
		cfg := Neo4jConfig{
			URI:      u.Scheme + "://" + u.Host,
			Database: u.Query().Get("database"),
		}
		if u.User != nil {
			cfg.Username = u.User.Username()
			cfg.Password, _ = u.User.Password()
		}
		if pw := os.Getenv("CARTOGRAPH_NEO4J_PASSWORD"); pw != "" && cfg.Password == "" {
			cfg.Password = pw
		}
		return NewNeo4jStore(ctx, cfg)

	default:
		return nil, fmt.Errorf("graph: unsupported scheme %q", u.Scheme)
	}
}
