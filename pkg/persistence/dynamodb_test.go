package persistence_test

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringvault/ringvault"
	"github.com/ringvault/ringvault/pkg/persistence"
)

// fakeDynamoDBClient is an in-memory stand-in for persistence.DynamoDBClientAPI,
// enforcing the same attribute_not_exists(Id) condition a real table would.
type fakeDynamoDBClient struct {
	mu    sync.Mutex
	items map[string]map[int64]map[string]*dynamodb.AttributeValue
}

func newFakeDynamoDBClient() *fakeDynamoDBClient {
	return &fakeDynamoDBClient{items: make(map[string]map[int64]map[string]*dynamodb.AttributeValue)}
}

func itemKeys(item map[string]*dynamodb.AttributeValue) (string, int64) {
	id := *item["Id"].S

	created, err := strconv.ParseInt(*item["Created"].N, 10, 64)
	if err != nil {
		panic(err)
	}

	return id, created
}

func (f *fakeDynamoDBClient) GetItemWithContext(_ aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := *in.Key["Id"].S

	created, err := strconv.ParseInt(*in.Key["Created"].N, 10, 64)
	if err != nil {
		return nil, err
	}

	versions, ok := f.items[id]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}

	rec, ok := versions[created]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}

	return &dynamodb.GetItemOutput{Item: map[string]*dynamodb.AttributeValue{"KeyRecord": {M: rec}}}, nil
}

func (f *fakeDynamoDBClient) QueryWithContext(_ aws.Context, in *dynamodb.QueryInput, _ ...request.Option) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var id string

	for _, v := range in.ExpressionAttributeValues {
		if v.S != nil {
			id = *v.S
			break
		}
	}

	versions, ok := f.items[id]
	if !ok || len(versions) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}

	createds := make([]int64, 0, len(versions))
	for c := range versions {
		createds = append(createds, c)
	}

	sort.Slice(createds, func(i, j int) bool { return createds[i] > createds[j] })

	return &dynamodb.QueryOutput{
		Items: []map[string]*dynamodb.AttributeValue{
			{"KeyRecord": {M: versions[createds[0]]}},
		},
	}, nil
}

func (f *fakeDynamoDBClient) PutItemWithContext(_ aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, created := itemKeys(in.Item)

	if _, ok := f.items[id][created]; ok {
		return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "item already exists", nil)
	}

	if f.items[id] == nil {
		f.items[id] = make(map[int64]map[string]*dynamodb.AttributeValue)
	}

	f.items[id][created] = in.Item["KeyRecord"].M

	return &dynamodb.PutItemOutput{}, nil
}

func TestDynamoDBMetastore_StoreLoadRoundTrip(t *testing.T) {
	client := newFakeDynamoDBClient()
	store := persistence.NewDynamoDBMetastoreWithClient(client)

	envelope := &ringvault.EnvelopeKeyRecord{Created: 100, EncryptedKey: []byte("wrapped bytes")}

	ok, err := store.Store(context.Background(), "id1", 100, envelope)
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := store.Load(context.Background(), "id1", 100)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, envelope.EncryptedKey, loaded.EncryptedKey)
}

func TestDynamoDBMetastore_Store_ConditionalCheckReportsLostRace(t *testing.T) {
	client := newFakeDynamoDBClient()
	store := persistence.NewDynamoDBMetastoreWithClient(client)

	envelope := &ringvault.EnvelopeKeyRecord{Created: 100, EncryptedKey: []byte("first")}

	ok, err := store.Store(context.Background(), "id1", 100, envelope)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Store(context.Background(), "id1", 100, &ringvault.EnvelopeKeyRecord{Created: 100, EncryptedKey: []byte("second")})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDynamoDBMetastore_LoadLatest_PicksHighestCreated(t *testing.T) {
	client := newFakeDynamoDBClient()
	store := persistence.NewDynamoDBMetastoreWithClient(client)
	ctx := context.Background()

	for _, created := range []int64{100, 300, 200} {
		_, err := store.Store(ctx, "id1", created, &ringvault.EnvelopeKeyRecord{Created: created})
		require.NoError(t, err)
	}

	latest, err := store.LoadLatest(ctx, "id1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(300), latest.Created)
}

func TestDynamoDBMetastore_Load_MissingReturnsNil(t *testing.T) {
	client := newFakeDynamoDBClient()
	store := persistence.NewDynamoDBMetastoreWithClient(client)

	rec, err := store.Load(context.Background(), "missing", 1)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
