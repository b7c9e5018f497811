package persistence

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/ringvault/ringvault"
)

const (
	defaultTableName = "EncryptionKey"
	partitionKeyAttr  = "Id"
	sortKeyAttr       = "Created"
	keyRecordAttr     = "KeyRecord"
)

var (
	_ ringvault.Metastore = (*DynamoDBMetastore)(nil)

	loadDynamoTimer       = metrics.GetOrRegisterTimer(ringvault.MetricsPrefix+".metastore.dynamodb.load", nil)
	loadLatestDynamoTimer = metrics.GetOrRegisterTimer(ringvault.MetricsPrefix+".metastore.dynamodb.loadlatest", nil)
	storeDynamoTimer      = metrics.GetOrRegisterTimer(ringvault.MetricsPrefix+".metastore.dynamodb.store", nil)
)

// DynamoDBClientAPI is the subset of the AWS SDK's dynamodb.DynamoDB client
// this store relies on.
type DynamoDBClientAPI interface {
	GetItemWithContext(aws.Context, *dynamodb.GetItemInput, ...request.Option) (*dynamodb.GetItemOutput, error)
	PutItemWithContext(aws.Context, *dynamodb.PutItemInput, ...request.Option) (*dynamodb.PutItemOutput, error)
	QueryWithContext(aws.Context, *dynamodb.QueryInput, ...request.Option) (*dynamodb.QueryOutput, error)
}

// DynamoDBMetastore is a Metastore backed by an (Id, Created) DynamoDB
// table. It optionally reports a region suffix so a SessionFactory can
// namespace partition ids per-region when the table is a DynamoDB global
// table (see ringvault.Metastore's GetRegionSuffix duck-type hook).
type DynamoDBMetastore struct {
	svc          DynamoDBClientAPI
	regionSuffix string
	tableName    string
}

// GetRegionSuffix implements the optional region-suffix hook consulted by
// SessionFactory.
func (d *DynamoDBMetastore) GetRegionSuffix() string { return d.regionSuffix }

// GetTableName returns the configured table name.
func (d *DynamoDBMetastore) GetTableName() string { return d.tableName }

// DynamoDBMetastoreOption configures a DynamoDBMetastore.
type DynamoDBMetastoreOption func(*DynamoDBMetastore, client.ConfigProvider)

// WithDynamoDBRegionSuffix has every write suffix its partition ids with the
// session's resolved AWS region, avoiding write conflicts under a global
// table's last-writer-wins replication.
func WithDynamoDBRegionSuffix(enabled bool) DynamoDBMetastoreOption {
	return func(d *DynamoDBMetastore, p client.ConfigProvider) {
		if enabled {
			cfg := p.ClientConfig(dynamodb.EndpointsID)
			d.regionSuffix = *cfg.Config.Region
		}
	}
}

// WithTableName overrides the default table name ("EncryptionKey").
func WithTableName(name string) DynamoDBMetastoreOption {
	return func(d *DynamoDBMetastore, _ client.ConfigProvider) {
		if name != "" {
			d.tableName = name
		}
	}
}

// WithDynamoDBClient injects a DynamoDBClientAPI, primarily for tests.
func WithDynamoDBClient(c DynamoDBClientAPI) DynamoDBMetastoreOption {
	return func(d *DynamoDBMetastore, _ client.ConfigProvider) {
		d.svc = c
	}
}

// NewDynamoDBMetastore builds a DynamoDBMetastore against sess.
func NewDynamoDBMetastore(sess client.ConfigProvider, opts ...DynamoDBMetastoreOption) *DynamoDBMetastore {
	d := &DynamoDBMetastore{
		svc:       dynamodb.New(sess),
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		opt(d, sess)
	}

	return d
}

// NewDynamoDBMetastoreWithClient builds a DynamoDBMetastore directly from an
// existing DynamoDBClientAPI, skipping session/region resolution. Primarily
// useful for tests that inject a fake client.
func NewDynamoDBMetastoreWithClient(svc DynamoDBClientAPI) *DynamoDBMetastore {
	return &DynamoDBMetastore{svc: svc, tableName: defaultTableName}
}

func parseItem(av *dynamodb.AttributeValue) (*ringvault.EnvelopeKeyRecord, error) {
	var stored dynamoEnvelope
	if err := dynamodbattribute.Unmarshal(av, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key record: %w", err)
	}

	encKey, err := base64.StdEncoding.DecodeString(stored.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key bytes: %w", err)
	}

	return &ringvault.EnvelopeKeyRecord{
		Revoked:       stored.Revoked,
		Created:       stored.Created,
		EncryptedKey:  encKey,
		ParentKeyMeta: stored.ParentKeyMeta,
	}, nil
}

// Load implements ringvault.Metastore.
func (d *DynamoDBMetastore) Load(ctx context.Context, id string, created int64) (*ringvault.EnvelopeKeyRecord, error) {
	defer loadDynamoTimer.UpdateSince(time.Now())

	proj := expression.NamesList(expression.Name(keyRecordAttr))

	expr, err := expression.NewBuilder().WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb expression error: %w", err)
	}

	res, err := d.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		ExpressionAttributeNames: expr.Names(),
		Key: map[string]*dynamodb.AttributeValue{
			partitionKeyAttr: {S: aws.String(id)},
			sortKeyAttr:      {N: aws.String(strconv.FormatInt(created, 10))},
		},
		ProjectionExpression: expr.Projection(),
		TableName:            aws.String(d.tableName),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("metastore error: %w", err)
	}

	if res.Item == nil {
		return nil, nil
	}

	return parseItem(res.Item[keyRecordAttr])
}

// LoadLatest implements ringvault.Metastore.
func (d *DynamoDBMetastore) LoadLatest(ctx context.Context, id string) (*ringvault.EnvelopeKeyRecord, error) {
	defer loadLatestDynamoTimer.UpdateSince(time.Now())

	cond := expression.Key(partitionKeyAttr).Equal(expression.Value(id))
	proj := expression.NamesList(expression.Name(keyRecordAttr))

	expr, err := expression.NewBuilder().WithKeyCondition(cond).WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb expression error: %w", err)
	}

	res, err := d.svc.QueryWithContext(ctx, &dynamodb.QueryInput{
		ConsistentRead:            aws.Bool(true),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		KeyConditionExpression:    expr.KeyCondition(),
		Limit:                     aws.Int64(1),
		ProjectionExpression:      expr.Projection(),
		ScanIndexForward:          aws.Bool(false),
		TableName:                 aws.String(d.tableName),
	})
	if err != nil {
		return nil, err
	}

	if len(res.Items) == 0 {
		return nil, nil
	}

	return parseItem(res.Items[0][keyRecordAttr])
}

// dynamoEnvelope is EnvelopeKeyRecord's on-the-wire shape in DynamoDB: key
// bytes are base64-encoded since AttributeValue has no raw-bytes-in-a-map
// convenience matching the rest of the record's JSON-ish attributes.
type dynamoEnvelope struct {
	Revoked       bool              `json:"Revoked,omitempty"`
	Created       int64             `json:"Created"`
	EncryptedKey  string            `json:"Key"`
	ParentKeyMeta *ringvault.KeyMeta `json:"ParentKeyMeta,omitempty"`
}

// Store implements ringvault.Metastore, relying on a conditional expression
// to make the insert-if-absent check atomic server-side.
func (d *DynamoDBMetastore) Store(ctx context.Context, id string, created int64, envelope *ringvault.EnvelopeKeyRecord) (bool, error) {
	defer storeDynamoTimer.UpdateSince(time.Now())

	stored := dynamoEnvelope{
		Revoked:       envelope.Revoked,
		Created:       envelope.Created,
		EncryptedKey:  base64.StdEncoding.EncodeToString(envelope.EncryptedKey),
		ParentKeyMeta: envelope.ParentKeyMeta,
	}

	av, err := dynamodbattribute.MarshalMap(&stored)
	if err != nil {
		return false, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	_, err = d.svc.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		Item: map[string]*dynamodb.AttributeValue{
			partitionKeyAttr: {S: aws.String(id)},
			sortKeyAttr:      {N: aws.String(strconv.FormatInt(created, 10))},
			keyRecordAttr:    {M: av},
		},
		TableName:           aws.String(d.tableName),
		ConditionExpression: aws.String("attribute_not_exists(" + partitionKeyAttr + ")"),
	})
	if err != nil {
		var awsErr awserr.Error
		if errors.As(err, &awsErr) && awsErr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return false, nil
		}

		return false, fmt.Errorf("error storing key %s@%d: %w", id, created, err)
	}

	return true, nil
}
