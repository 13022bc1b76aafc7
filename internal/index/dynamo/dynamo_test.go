package dynamo

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otomoni/machinemon/internal/index"
	"github.com/otomoni/machinemon/internal/threshold"
)

// fakeTable mimics the conditional-write and paging behavior of one table.
type fakeTable struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	pageSize int
	queries  int
}

func newFakeTable(pageSize int) *fakeTable {
	return &fakeTable{items: make(map[string]map[string]types.AttributeValue), pageSize: pageSize}
}

func itemKey(item map[string]types.AttributeValue) string {
	return stringAttr(item, "pk") + "|" + stringAttr(item, "sk")
}

func (f *fakeTable) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := itemKey(in.Item)
	if _, exists := f.items[k]; exists && aws.ToString(in.ConditionExpression) == "attribute_not_exists(sk)" {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeTable) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++

	pk := in.ExpressionAttributeValues[":p"].(*types.AttributeValueMemberS).Value
	var matched []map[string]types.AttributeValue
	for _, item := range f.items {
		if stringAttr(item, "pk") == pk {
			matched = append(matched, item)
		}
	}
	slices.SortFunc(matched, func(a, b map[string]types.AttributeValue) int {
		return cmp.Compare(stringAttr(b, "sk"), stringAttr(a, "sk"))
	})
	if in.ExclusiveStartKey != nil {
		after := stringAttr(in.ExclusiveStartKey, "sk")
		i := slices.IndexFunc(matched, func(it map[string]types.AttributeValue) bool {
			return stringAttr(it, "sk") < after
		})
		if i < 0 {
			matched = nil
		} else {
			matched = matched[i:]
		}
	}

	n := f.pageSize
	if in.Limit != nil {
		n = min(n, int(*in.Limit))
	}
	out := &dynamodb.QueryOutput{}
	if len(matched) > n {
		out.Items = matched[:n]
		last := matched[n-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{"pk": last["pk"], "sk": last["sk"]}
	} else {
		out.Items = matched
	}
	return out, nil
}

func (f *fakeTable) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemKey(in.Key)]
	if !ok || item["dbfs"] != nil {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition")}
	}
	item["dbfs"] = in.ExpressionAttributeValues[":d"]
	return &dynamodb.UpdateItemOutput{}, nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func appendN(t *testing.T, s *Store, n int) []index.Record {
	t.Helper()
	recs := make([]index.Record, n)
	for i := range n {
		recs[i] = index.NewRecord(index.RecordingReference{
			Bucket: "recordings",
			Key:    "ras-1/eq-1/rec.wav",
			Size:   96044,
		}, "", nil)
		recs[i].CapturedAt = t0.Add(time.Duration(i) * time.Minute)
		recs[i].SK = index.NewSortKey(recs[i].CapturedAt)
		require.NoError(t, s.Append(context.Background(), recs[i]))
	}
	return recs
}

func TestAppendRejectsDuplicate(t *testing.T) {
	s := New(newFakeTable(10), "")
	recs := appendN(t, s, 1)
	assert.ErrorIs(t, s.Append(context.Background(), recs[0]), index.ErrDuplicate)
}

func TestQueryPagesNewestFirst(t *testing.T) {
	table := newFakeTable(2)
	s := New(table, "AudioIndex")
	appendN(t, s, 5)

	got, err := s.QueryPartition(context.Background(), index.PartitionAudio, 4)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, t0.Add(4*time.Minute), got[0].CapturedAt)
	assert.Equal(t, t0.Add(time.Minute), got[3].CapturedAt)
	assert.Equal(t, "recordings", got[0].Bucket)
	assert.Equal(t, int64(96044), got[0].Size)
	assert.Equal(t, index.DefaultContentType, got[0].ContentType)
	assert.Nil(t, got[0].DBFS)
	assert.Equal(t, 2, table.queries)

	all, err := s.QueryPartition(context.Background(), index.PartitionAudio, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestSetLevelIfAbsentIsConditional(t *testing.T) {
	ctx := context.Background()
	s := New(newFakeTable(10), "")
	recs := appendN(t, s, 1)

	ok, err := s.SetLevelIfAbsent(ctx, recs[0].PK, recs[0].SK, -31.25)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetLevelIfAbsent(ctx, recs[0].PK, recs[0].SK, -5)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.QueryPartition(ctx, index.PartitionAudio, 1)
	require.NoError(t, err)
	require.NotNil(t, got[0].DBFS)
	assert.Equal(t, -31.25, *got[0].DBFS)
}

func TestOverrideRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(newFakeTable(10), "")

	o, err := s.GetOverride(ctx, "eq-1")
	require.NoError(t, err)
	assert.Nil(t, o)

	qLow, n, maxAge, manual := 0.3, 150, int64(3600000), -12.5
	in := threshold.Override{QLow: &qLow, N: &n, MaxAgeMs: &maxAge, ManualOnDB: &manual, UpdatedAt: t0}
	require.NoError(t, s.PutOverride(ctx, "eq-1", in))

	o, err = s.GetOverride(ctx, "eq-1")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, 0.3, *o.QLow)
	assert.Equal(t, 150, *o.N)
	assert.Equal(t, int64(3600000), *o.MaxAgeMs)
	assert.Equal(t, -12.5, *o.ManualOnDB)
	assert.Nil(t, o.QHigh)
	assert.True(t, t0.Equal(o.UpdatedAt))
}

func TestUnmarshalLegacyItem(t *testing.T) {
	item := map[string]types.AttributeValue{
		"pk":           &types.AttributeValueMemberS{Value: "AUDIO"},
		"sk":           &types.AttributeValueMemberS{Value: "2025-01-02T03:04:05.678Z#k3j2h1"},
		"bucket":       &types.AttributeValueMemberS{Value: "recordings"},
		"key":          &types.AttributeValueMemberS{Value: "ras-1/eq/rec-1.wav"},
		"size":         &types.AttributeValueMemberN{Value: "1024"},
		"contentType":  &types.AttributeValueMemberS{Value: "audio/wav"},
		"lastModified": &types.AttributeValueMemberS{Value: "2025-01-02T03:04:05.678Z"},
		"dbfs":         &types.AttributeValueMemberN{Value: "-42.5"},
	}
	rec, err := unmarshalRecord(item)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 678e6, time.UTC), rec.CapturedAt)
	assert.Equal(t, -42.5, *rec.DBFS)
	assert.Equal(t, "eq", rec.Equipment(nil))

	_, err = unmarshalRecord(map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: "AUDIO"}})
	assert.Error(t, err)
}
