package dynamo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vialfix/engine"
	"github.com/warp/vialfix/store/dynamo"
)

// =============================================================================
// FAKE CLIENT
// =============================================================================

// fakeClient serves scan pages in order and records every call.
type fakeClient struct {
	pages   []*ddb.ScanOutput
	scanErr error
	scans   []*ddb.ScanInput

	updateErr error
	updates   []*ddb.UpdateItemInput
}

func (f *fakeClient) Scan(_ context.Context, in *ddb.ScanInput, _ ...func(*ddb.Options)) (*ddb.ScanOutput, error) {
	f.scans = append(f.scans, in)
	if f.scanErr != nil && len(f.scans) > 1 {
		return nil, f.scanErr
	}
	if len(f.scans) > len(f.pages) {
		return &ddb.ScanOutput{}, nil
	}
	return f.pages[len(f.scans)-1], nil
}

func (f *fakeClient) UpdateItem(_ context.Context, in *ddb.UpdateItemInput, _ ...func(*ddb.Options)) (*ddb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &ddb.UpdateItemOutput{}, nil
}

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func shot(sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         s("USER#demo"),
		"SK":         s(sk),
		"entityType": s("INJECTION"),
		"doseMg":     &types.AttributeValueMemberN{Value: "2.5"},
		"vialId":     &types.AttributeValueMemberNULL{Value: true},
	}
}

func lastKey(sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"PK": s("USER#demo"), "SK": s(sk)}
}

var at = time.Date(2025, time.November, 20, 10, 30, 0, 0, time.UTC)

// =============================================================================
// SCAN TESTS
// =============================================================================

func TestStore_ScanByKind_FollowsLastEvaluatedKey(t *testing.T) {
	// GIVEN: Three pages, the middle one empty after filtering
	// WHEN: Scanning injections
	// THEN: Every page is fetched with the previous continuation key

	client := &fakeClient{pages: []*ddb.ScanOutput{
		{Items: []map[string]types.AttributeValue{shot("INJECTION#1")}, LastEvaluatedKey: lastKey("INJECTION#1")},
		{LastEvaluatedKey: lastKey("VIAL#x")},
		{Items: []map[string]types.AttributeValue{shot("INJECTION#2")}},
	}}
	store := dynamo.New(client, "reta-data", engine.DefaultSchema(), nil)
	store.PageLimit = 50

	items, err := store.ScanByKind(context.Background(), engine.KindInjection)
	require.NoError(t, err)

	assert.Len(t, items, 2)
	require.Len(t, client.scans, 3)

	first := client.scans[0]
	assert.Equal(t, "reta-data", aws.ToString(first.TableName))
	assert.Equal(t, "#kind = :kind", aws.ToString(first.FilterExpression))
	assert.Equal(t, "entityType", first.ExpressionAttributeNames["#kind"])
	assert.Equal(t, s("INJECTION"), first.ExpressionAttributeValues[":kind"])
	assert.Equal(t, int32(50), aws.ToInt32(first.Limit))
	assert.Nil(t, first.ExclusiveStartKey)

	assert.Equal(t, lastKey("INJECTION#1"), client.scans[1].ExclusiveStartKey)
	assert.Equal(t, lastKey("VIAL#x"), client.scans[2].ExclusiveStartKey)
}

func TestStore_ScanByKind_PageFailure(t *testing.T) {
	// GIVEN: The second Scan call fails
	// WHEN: Scanning
	// THEN: No items are returned and the error carries the cursor

	client := &fakeClient{
		pages:   []*ddb.ScanOutput{{Items: []map[string]types.AttributeValue{shot("INJECTION#1")}, LastEvaluatedKey: lastKey("INJECTION#1")}},
		scanErr: errors.New("ProvisionedThroughputExceededException"),
	}
	store := dynamo.New(client, "reta-data", engine.DefaultSchema(), nil)

	items, err := store.ScanByKind(context.Background(), engine.KindInjection)

	assert.Nil(t, items)
	assert.ErrorIs(t, err, engine.ErrScanFailed)
	var se *engine.ScanError
	require.ErrorAs(t, err, &se)
	require.NotNil(t, se.LastCursor)
	assert.Equal(t, "INJECTION#1", se.LastCursor.SK)
	assert.Equal(t, 1, se.Items)
}

func TestStore_ScanPage_NonStringContinuationKey(t *testing.T) {
	client := &fakeClient{pages: []*ddb.ScanOutput{{
		LastEvaluatedKey: map[string]types.AttributeValue{"PK": s("U"), "SK": &types.AttributeValueMemberN{Value: "1"}},
	}}}
	store := dynamo.New(client, "reta-data", engine.DefaultSchema(), nil)

	_, err := store.ScanPage(context.Background(), engine.KindVial, nil)

	assert.Error(t, err)
}

// =============================================================================
// UPDATE TESTS
// =============================================================================

func TestStore_UpdateAssociation(t *testing.T) {
	client := &fakeClient{}
	store := dynamo.New(client, "reta-data", engine.DefaultSchema(), nil)
	key := engine.Key{PK: "USER#demo", SK: "INJECTION#1"}

	require.NoError(t, store.UpdateAssociation(context.Background(), key, "vial_b", at))

	require.Len(t, client.updates, 1)
	in := client.updates[0]
	assert.Equal(t, "SET #vial = :vial, #updated = :updated", aws.ToString(in.UpdateExpression))
	assert.Equal(t, map[string]string{"#pk": "PK", "#vial": "vialId", "#updated": "updatedAt"}, in.ExpressionAttributeNames)
	assert.Equal(t, s("vial_b"), in.ExpressionAttributeValues[":vial"])
	assert.Equal(t, s("2025-11-20T10:30:00.000000Z"), in.ExpressionAttributeValues[":updated"])
	assert.Equal(t, map[string]types.AttributeValue{"PK": s("USER#demo"), "SK": s("INJECTION#1")}, in.Key)
	assert.Equal(t, "attribute_exists(#pk)", aws.ToString(in.ConditionExpression))
}

func TestStore_UpdateAssociation_DeletedItem(t *testing.T) {
	// GIVEN: The injection was deleted after the scan
	// WHEN: Writing its association unconditionally
	// THEN: The existence guard fails and the item is reported missing,
	//       not recreated

	client := &fakeClient{updateErr: &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}}
	store := dynamo.New(client, "reta-data", engine.DefaultSchema(), nil)

	err := store.UpdateAssociation(context.Background(), engine.Key{PK: "U", SK: "I"}, "vial_a", at)

	assert.ErrorIs(t, err, engine.ErrItemNotFound)
	assert.False(t, engine.IsConflict(err))
	assert.Contains(t, err.Error(), "U/I")
}

func TestStore_UpdateAssociationIf_Conditions(t *testing.T) {
	client := &fakeClient{}
	store := dynamo.New(client, "reta-data", engine.DefaultSchema(), nil)
	key := engine.Key{PK: "USER#demo", SK: "INJECTION#1"}
	ctx := context.Background()

	require.NoError(t, store.UpdateAssociationIf(ctx, key, nil, "vial_a", at))
	require.NoError(t, store.UpdateAssociationIf(ctx, key, engine.VialID("vial_b").Ptr(), "vial_c", at))

	unassigned := client.updates[0]
	assert.Contains(t, aws.ToString(unassigned.ConditionExpression), "attribute_not_exists(#vial)")
	assert.Equal(t, s("NULL"), unassigned.ExpressionAttributeValues[":null"])
	assert.Equal(t, "PK", unassigned.ExpressionAttributeNames["#pk"])

	assigned := client.updates[1]
	assert.Equal(t, "attribute_exists(#pk) AND #vial = :expected", aws.ToString(assigned.ConditionExpression))
	assert.Equal(t, s("vial_b"), assigned.ExpressionAttributeValues[":expected"])
}

func TestStore_UpdateAssociationIf_ConditionFailed(t *testing.T) {
	// GIVEN: DynamoDB rejects the condition
	// WHEN: Writing conditionally
	// THEN: The error is a concurrent modification naming the key

	client := &fakeClient{updateErr: &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}}
	store := dynamo.New(client, "reta-data", engine.DefaultSchema(), nil)

	err := store.UpdateAssociationIf(context.Background(), engine.Key{PK: "U", SK: "I"}, nil, "vial_a", at)

	assert.True(t, engine.IsConflict(err))
	assert.Contains(t, err.Error(), "U/I")
}

func TestStore_UpdateAssociation_OtherErrorPassesThrough(t *testing.T) {
	boom := errors.New("RequestLimitExceeded")
	client := &fakeClient{updateErr: boom}
	store := dynamo.New(client, "reta-data", engine.DefaultSchema(), nil)

	err := store.UpdateAssociationIf(context.Background(), engine.Key{PK: "U", SK: "I"}, nil, "vial_a", at)

	assert.ErrorIs(t, err, boom)
	assert.False(t, engine.IsConflict(err))
}

// =============================================================================
// CONVERSION TESTS
// =============================================================================

func TestFromDynamo(t *testing.T) {
	// GIVEN: An item mixing scalar and structured attributes
	// WHEN: Converting it
	// THEN: Scalars are typed and structures become opaque DynamoDB JSON

	it := dynamo.FromDynamo(map[string]types.AttributeValue{
		"PK":     s("USER#demo"),
		"doseMg": &types.AttributeValueMemberN{Value: "7.5"},
		"vialId": &types.AttributeValueMemberNULL{Value: true},
		"synced": &types.AttributeValueMemberBOOL{Value: true},
		"tags":   &types.AttributeValueMemberSS{Value: []string{"a", "b"}},
		"meta": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"site": s("arm"),
		}},
	})

	assert.Equal(t, engine.String("USER#demo"), it["PK"])
	assert.Equal(t, engine.Attribute{Kind: engine.AttrNumber, S: "7.5"}, it["doseMg"])
	assert.True(t, it["vialId"].IsNull())
	assert.Equal(t, engine.Bool(true), it["synced"])
	assert.Equal(t, engine.Opaque("SS", `["a","b"]`), it["tags"])
	assert.Equal(t, engine.Opaque("M", `{"site":{"S":"arm"}}`), it["meta"])

	_, err := engine.DefaultSchema().DecodeInjection(engine.Item{
		"PK": it["PK"], "SK": engine.String("I"), "doseMg": it["meta"],
	})
	assert.ErrorIs(t, err, engine.ErrDecode)
}
