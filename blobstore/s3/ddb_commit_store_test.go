package s3

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/mutrun/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDDB is an in-memory commit table honoring attribute_not_exists conditions.
type memDDB struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newMemDDB() *memDDB {
	return &memDDB{items: make(map[string]map[string]types.AttributeValue)}
}

func (m *memDDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uri := in.Item["base_uri"].(*types.AttributeValueMemberS).Value
	version := in.Item["version"].(*types.AttributeValueMemberN).Value
	key := uri + ":" + version

	if aws.ToString(in.ConditionExpression) == "attribute_not_exists(version)" {
		if _, ok := m.items[key]; ok {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	}
	m.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *memDDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uri := in.ExpressionAttributeValues[":uri"].(*types.AttributeValueMemberS).Value
	var items []map[string]types.AttributeValue
	for _, item := range m.items {
		if item["base_uri"].(*types.AttributeValueMemberS).Value == uri {
			items = append(items, item)
		}
	}
	version := func(i int) uint64 {
		v, _ := strconv.ParseUint(items[i]["version"].(*types.AttributeValueMemberN).Value, 10, 64)
		return v
	}
	sort.Slice(items, func(i, j int) bool { return version(i) > version(j) })
	if in.Limit != nil && int(*in.Limit) < len(items) {
		items = items[:*in.Limit]
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func newTestCommitStore(ddb *memDDB, bucket string) *DDBCommitStore {
	return NewDDBCommitStore(NewStore(new(mockS3Client), bucket, "pop/"), ddb, "mutrun-commits")
}

func TestDDBCommitStore_NotFoundBeforeCommit(t *testing.T) {
	store := newTestCommitStore(newMemDDB(), "bucket")

	_, err := blobstore.ReadCurrent(t.Context(), store)
	require.ErrorIs(t, err, blobstore.ErrNotFound)

	v, err := store.Version(t.Context())
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestDDBCommitStore_Commits(t *testing.T) {
	ctx := t.Context()
	store := newTestCommitStore(newMemDDB(), "bucket")

	for i := 1; i <= 3; i++ {
		require.NoError(t, blobstore.WriteCurrent(ctx, store, fmt.Sprintf("snapshots/gen-%d.mrun", i)))
	}

	name, err := blobstore.ReadCurrent(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, "snapshots/gen-3.mrun", name)

	v, err := store.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
}

func TestDDBCommitStore_ConflictingCommit(t *testing.T) {
	ctx := t.Context()
	ddb := newMemDDB()
	store := newTestCommitStore(ddb, "bucket")

	require.NoError(t, store.commit(ctx, 1, "a"))
	err := store.commit(ctx, 1, "b")
	require.ErrorIs(t, err, ErrConcurrentModification)

	name, err := blobstore.ReadCurrent(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, "a", name)
}

func TestDDBCommitStore_ConcurrentWriters(t *testing.T) {
	ctx := t.Context()
	store := newTestCommitStore(newMemDDB(), "bucket")
	require.NoError(t, blobstore.WriteCurrent(ctx, store, "initial"))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := blobstore.WriteCurrent(ctx, store, fmt.Sprintf("writer-%d", i))
			if err != nil && !errors.Is(err, ErrConcurrentModification) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	v, err := store.Version(ctx)
	require.NoError(t, err)
	assert.Positive(t, successes)
	assert.Equal(t, uint64(1+successes), v, "every successful writer owns exactly one version")
}

func TestDDBCommitStore_IsolatedNamespaces(t *testing.T) {
	ctx := t.Context()
	ddb := newMemDDB()
	a := newTestCommitStore(ddb, "bucket-a")
	b := newTestCommitStore(ddb, "bucket-b")

	require.NoError(t, blobstore.WriteCurrent(ctx, a, "snap-a"))
	require.NoError(t, blobstore.WriteCurrent(ctx, b, "snap-b"))

	got, err := blobstore.ReadCurrent(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "snap-a", got)

	got, err = blobstore.ReadCurrent(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "snap-b", got)
}
