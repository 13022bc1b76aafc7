// Package dynamo stores the recording index in a DynamoDB table keyed by
// (pk, sk), the layout the recorder fleet's ingestion functions write.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/otomoni/machinemon/internal/index"
	"github.com/otomoni/machinemon/internal/threshold"
	"github.com/otomoni/machinemon/internal/util"
)

// DefaultTableName is used when no table is configured.
const DefaultTableName = "AudioIndex"

// API is the subset of the DynamoDB client the store uses.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Store implements index.Store on one table.
type Store struct {
	api   API
	table string
}

var _ index.Store = (*Store)(nil)

// New returns a store over table.
func New(api API, table string) *Store {
	if table == "" {
		table = DefaultTableName
	}
	return &Store{api: api, table: table}
}

// NewFromConfig builds a DynamoDB client from the shared AWS config.
// endpoint, when set, points at a local DynamoDB.
func NewFromConfig(awsCfg aws.Config, table, endpoint string) *Store {
	var opts []func(*dynamodb.Options)
	if endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return New(dynamodb.NewFromConfig(awsCfg, opts...), table)
}

// Append writes rec unless its key already exists.
func (s *Store) Append(ctx context.Context, rec index.Record) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                marshalRecord(rec),
		ConditionExpression: aws.String("attribute_not_exists(sk)"),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("append %s: %w", rec.SK, index.ErrDuplicate)
	}
	return util.WrapError("put index item", err)
}

// QueryPartition pages through pk newest first until limit records are read.
func (s *Store) QueryPartition(ctx context.Context, pk string, limit int) ([]index.Record, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :p"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: pk},
		},
		ScanIndexForward: aws.Bool(false),
	}

	var out []index.Record
	for {
		if limit > 0 {
			in.Limit = aws.Int32(int32(min(limit-len(out), 1000))) //nolint:gosec // Bounded above
		}
		res, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, util.WrapError("query index", err)
		}
		for _, item := range res.Items {
			rec, err := unmarshalRecord(item)
			if err != nil {
				slog.Warn("skipping malformed index item", "error", err)
				continue
			}
			out = append(out, rec)
		}
		if len(res.LastEvaluatedKey) == 0 || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
		in.ExclusiveStartKey = res.LastEvaluatedKey
	}
}

// SetLevelIfAbsent sets dbfs with attribute_not_exists(dbfs). A failed
// condition means another writer got there first and is not an error.
func (s *Store) SetLevelIfAbsent(ctx context.Context, pk, sk string, dbfs float64) (bool, error) {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pk},
			"sk": &types.AttributeValueMemberS{Value: sk},
		},
		UpdateExpression:    aws.String("SET dbfs = :d"),
		ConditionExpression: aws.String("attribute_exists(sk) AND attribute_not_exists(dbfs)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": numberAttr(dbfs),
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, util.WrapError("update index level", err)
	}
	return true, nil
}

// GetOverride reads the CONFIG item for equipmentID.
func (s *Store) GetOverride(ctx context.Context, equipmentID string) (*threshold.Override, error) {
	res, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: index.PartitionConfig},
			"sk": &types.AttributeValueMemberS{Value: index.ConfigSortKey(equipmentID)},
		},
	})
	if err != nil {
		return nil, util.WrapError("get threshold override", err)
	}
	if len(res.Item) == 0 {
		return nil, nil
	}
	return unmarshalOverride(res.Item), nil
}

// PutOverride replaces the CONFIG item for equipmentID.
func (s *Store) PutOverride(ctx context.Context, equipmentID string, o threshold.Override) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      marshalOverride(equipmentID, o),
	})
	return util.WrapError("put threshold override", err)
}

// Close is a no-op; the SDK client holds no resources needing release.
func (s *Store) Close() error { return nil }

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func numberAttr(v float64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(v, 'f', -1, 64)}
}

func marshalRecord(rec index.Record) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"pk":           &types.AttributeValueMemberS{Value: rec.PK},
		"sk":           &types.AttributeValueMemberS{Value: rec.SK},
		"bucket":       &types.AttributeValueMemberS{Value: rec.Bucket},
		"key":          &types.AttributeValueMemberS{Value: rec.Key},
		"size":         &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Size, 10)},
		"contentType":  &types.AttributeValueMemberS{Value: rec.ContentType},
		"lastModified": &types.AttributeValueMemberS{Value: rec.CapturedAt.UTC().Format(index.SortKeyTimeLayout)},
	}
	if rec.EquipmentID != "" {
		item["equipmentId"] = &types.AttributeValueMemberS{Value: rec.EquipmentID}
	}
	if rec.DBFS != nil {
		item["dbfs"] = numberAttr(*rec.DBFS)
	}
	return item
}

func unmarshalRecord(item map[string]types.AttributeValue) (index.Record, error) {
	var rec index.Record
	rec.PK = stringAttr(item, "pk")
	rec.SK = stringAttr(item, "sk")
	rec.Key = stringAttr(item, "key")
	if rec.SK == "" || rec.Key == "" {
		return rec, fmt.Errorf("item %q: missing sk or key", rec.SK)
	}
	rec.Bucket = stringAttr(item, "bucket")
	rec.ContentType = stringAttr(item, "contentType")
	rec.EquipmentID = stringAttr(item, "equipmentId")
	if v, ok := floatAttr(item, "size"); ok {
		rec.Size = int64(v)
	}
	if v, ok := floatAttr(item, "dbfs"); ok {
		rec.DBFS = &v
	}
	if ts := stringAttr(item, "lastModified"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return rec, fmt.Errorf("item %q: lastModified: %w", rec.SK, err)
		}
		rec.CapturedAt = t.UTC()
	}
	return rec, nil
}

func marshalOverride(equipmentID string, o threshold.Override) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: index.PartitionConfig},
		"sk": &types.AttributeValueMemberS{Value: index.ConfigSortKey(equipmentID)},
	}
	putNum := func(name string, v *float64) {
		if v != nil {
			item[name] = numberAttr(*v)
		}
	}
	putNum("qLow", o.QLow)
	putNum("qHigh", o.QHigh)
	putNum("minMarginDb", o.MinMarginDB)
	putNum("onBiasDb", o.OnBiasDB)
	putNum("tolDb", o.TolDB)
	putNum("manualOnDb", o.ManualOnDB)
	if o.N != nil {
		item["N"] = &types.AttributeValueMemberN{Value: strconv.Itoa(*o.N)}
	}
	if o.MaxAgeMs != nil {
		item["maxAgeMs"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(*o.MaxAgeMs, 10)}
	}
	if !o.UpdatedAt.IsZero() {
		item["updatedAt"] = &types.AttributeValueMemberS{Value: o.UpdatedAt.UTC().Format(time.RFC3339Nano)}
	}
	return item
}

func unmarshalOverride(item map[string]types.AttributeValue) *threshold.Override {
	var o threshold.Override
	getNum := func(name string) *float64 {
		if v, ok := floatAttr(item, name); ok {
			return &v
		}
		return nil
	}
	o.QLow = getNum("qLow")
	o.QHigh = getNum("qHigh")
	o.MinMarginDB = getNum("minMarginDb")
	o.OnBiasDB = getNum("onBiasDb")
	o.TolDB = getNum("tolDb")
	o.ManualOnDB = getNum("manualOnDb")
	if v := getNum("N"); v != nil {
		n := int(*v)
		o.N = &n
	}
	if v := getNum("maxAgeMs"); v != nil {
		ms := int64(*v)
		o.MaxAgeMs = &ms
	}
	if ts := stringAttr(item, "updatedAt"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			o.UpdatedAt = t
		}
	}
	return &o
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func floatAttr(item map[string]types.AttributeValue, name string) (float64, bool) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.Value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
