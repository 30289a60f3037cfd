package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartograph/cartograph/internal/storage"
	"github.com/cartograph/cartograph/pkg/types"
)

// storeContract runs the behavior every Store must share.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	cp, err := s.Load(ctx, "g")
	require.NoError(t, err)
	assert.Empty(t, cp)

	require.NoError(t, s.Save(ctx, "g", types.Checkpoint{0: 10, 1: 5}))
	require.NoError(t, s.Save(ctx, "g", types.Checkpoint{0: 7, 1: 9}))

	cp, err = s.Load(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, types.Checkpoint{0: 10, 1: 9}, cp, "save never moves a partition backwards")

	require.NoError(t, s.Reset(ctx, "g", 0, 2))
	cp, err = s.Load(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, types.Checkpoint{0: 2, 1: 9}, cp)

	other, err := s.Load(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, other, "groups are independent")

	require.NoError(t, s.Save(ctx, "another", types.Checkpoint{0: 1}))
	lister, ok := s.(GroupLister)
	require.True(t, ok)
	groups, err := lister.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"another", "g"}, groups)
}

func TestSQLiteStore_Contract(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	defer s.Close()
	storeContract(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), "g", types.Checkpoint{3: 42}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	cp, err := s.Load(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, types.Checkpoint{3: 42}, cp)
}

func TestObjectStore_LocalContract(t *testing.T) {
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	storeContract(t, NewObjectStore(local, "checkpoints"))
}

// racingStorage fails the first conditional Put, as if another writer won.
type racingStorage struct {
	storage.ObjectStorage
	raced bool
}

func (r *racingStorage) Put(ctx context.Context, key string, data []byte, cond storage.Condition) (string, error) {
	if !r.raced {
		r.raced = true
		if _, err := r.ObjectStorage.Put(ctx, key, []byte(`{"group":"g","partitions":{"0":50}}`), storage.Condition{}); err != nil {
			return "", err
		}
		return "", storage.ErrPreconditionFailed
	}
	return r.ObjectStorage.Put(ctx, key, data, cond)
}

func TestObjectStore_RetriesLostRace(t *testing.T) {
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	s := NewObjectStore(&racingStorage{ObjectStorage: local}, "")

	require.NoError(t, s.Save(context.Background(), "g", types.Checkpoint{0: 20, 1: 3}))
	cp, err := s.Load(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, types.Checkpoint{0: 50, 1: 3}, cp)
}

func TestDocument_RoundTrip(t *testing.T) {
	data, err := encodeDocument("g", types.Checkpoint{0: 1, 12: 99})
	require.NoError(t, err)
	cp, err := decodeDocument(data)
	require.NoError(t, err)
	assert.Equal(t, types.Checkpoint{0: 1, 12: 99}, cp)

	_, err = decodeDocument([]byte(`{"partitions":{"x":1}}`))
	assert.Error(t, err)
}

func TestKVKey(t *testing.T) {
	assert.Equal(t, "graph-ingestion", kvKey("graph-ingestion"))
	assert.Equal(t, "team_a_ingest", kvKey("team/a ingest"))
}

func TestOpen_Schemes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, "sqlite://"+filepath.Join(dir, "nested", "cp.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, "file://"+filepath.Join(dir, "json"))
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "g", types.Checkpoint{0: 1}))
	_, err = os.Stat(filepath.Join(dir, "json", "g.json"))
	assert.NoError(t, err)

	_, err = Open(ctx, "redis://localhost")
	assert.Error(t, err)
	_, err = Open(ctx, "s3:///prefix")
	assert.Error(t, err)
}

// TestPostgresStore_Live runs against CARTOGRAPH_TEST_POSTGRES_URL when set.
func TestPostgresStore_Live(t *testing.T) {
	dsn := os.Getenv("CARTOGRAPH_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("CARTOGRAPH_TEST_POSTGRES_URL not set")
	}
	s, err := NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Reset(context.Background(), "g", 0, 0))
	require.NoError(t, s.Reset(context.Background(), "g", 1, 0))
	require.NoError(t, s.Save(context.Background(), "g", types.Checkpoint{0: 10, 1: 5}))
	require.NoError(t, s.Save(context.Background(), "g", types.Checkpoint{0: 7}))
	cp, err := s.Load(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cp[0])
}

// TestKVStore_Live runs against CARTOGRAPH_TEST_NATS_URL when set.
func TestKVStore_Live(t *testing.T) {
	url := os.Getenv("CARTOGRAPH_TEST_NATS_URL")
	if url == "" {
		t.Skip("CARTOGRAPH_TEST_NATS_URL not set")
	}
	s, err := NewKVStore(context.Background(), url, "cartograph_test_checkpoints")
	require.NoError(t, err)
	defer s.Close()
	group := "test-" + filepath.Base(t.TempDir())
	require.NoError(t, s.Save(context.Background(), group, types.Checkpoint{0: 10}))
	require.NoError(t, s.Save(context.Background(), group, types.Checkpoint{0: 4, 1: 2}))
	cp, err := s.Load(context.Background(), group)
	require.NoError(t, err)
	assert.Equal(t, types.Checkpoint{0: 10, 1: 2}, cp)
}
