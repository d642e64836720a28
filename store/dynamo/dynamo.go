/*
Package dynamo is the production record store: one DynamoDB table shared by
every entity kind of the upstream app.

SCAN:
  Items of one kind are found with a full-table Scan filtered on the kind
  attribute. DynamoDB applies the filter after reading a page, so a page
  can come back empty with a continuation key; engine.CollectPages keeps
  following LastEvaluatedKey until it is absent.

UPDATE:
  SET vialId = :vial, updatedAt = :updated on the item key, guarded by
  attribute_exists on the partition key so a deleted item is never
  recreated; a failed guard maps to engine.ErrItemNotFound. The conditional
  form also checks the association the plan was built from;
  ConditionalCheckFailedException maps to engine.ErrConcurrentModification.

ATTRIBUTES:
  S, N, NULL and BOOL convert to their engine.Attribute counterparts. Maps,
  lists, sets and binary become opaque attributes carrying their DynamoDB
  JSON, which the decoders reject for the fields they care about.
*/
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
	"github.com/warp/vialfix/engine"
)

// Client is the subset of the DynamoDB API the store uses. Satisfied by
// *dynamodb.Client and by test fakes.
type Client interface {
	Scan(ctx context.Context, params *ddb.ScanInput, optFns ...func(*ddb.Options)) (*ddb.ScanOutput, error)
	UpdateItem(ctx context.Context, params *ddb.UpdateItemInput, optFns ...func(*ddb.Options)) (*ddb.UpdateItemOutput, error)
}

// ClientOptions selects the AWS account and endpoint.
type ClientOptions struct {
	Region   string
	Profile  string
	Endpoint string // e.g. http://localhost:8000 for DynamoDB Local
}

// NewClient builds a DynamoDB client from the default credential chain.
func NewClient(ctx context.Context, opts ClientOptions) (*ddb.Client, error) {
	var loaders []func(*config.LoadOptions) error
	if opts.Region != "" {
		loaders = append(loaders, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loaders = append(loaders, config.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return ddb.NewFromConfig(cfg, func(o *ddb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	}), nil
}

// Store implements engine.RecordStore over one table.
type Store struct {
	client Client
	table  string
	schema engine.Schema
	logger *zerolog.Logger

	// PageLimit caps items evaluated per Scan call. Zero leaves it to DynamoDB.
	PageLimit int32
}

func New(client Client, table string, schema engine.Schema, logger *zerolog.Logger) *Store {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Store{client: client, table: table, schema: schema.WithDefaults(), logger: logger}
}

// Table returns the table name.
func (s *Store) Table() string { return s.table }

// =============================================================================
// SCAN
// =============================================================================

func (s *Store) ScanByKind(ctx context.Context, kind engine.Kind) ([]engine.Item, error) {
	return engine.CollectPages(ctx, kind, s.ScanPage)
}

// ScanPage issues one Scan call.
func (s *Store) ScanPage(ctx context.Context, kind engine.Kind, after *engine.Cursor) (engine.Page, error) {
	input := &ddb.ScanInput{
		TableName:                aws.String(s.table),
		FilterExpression:         aws.String("#kind = :kind"),
		ExpressionAttributeNames: map[string]string{"#kind": s.schema.KindAttr},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":kind": &types.AttributeValueMemberS{Value: string(kind)},
		},
	}
	if s.PageLimit > 0 {
		input.Limit = aws.Int32(s.PageLimit)
	}
	if after != nil {
		input.ExclusiveStartKey = map[string]types.AttributeValue{
			s.schema.PartitionKey: &types.AttributeValueMemberS{Value: after.PK},
			s.schema.SortKey:      &types.AttributeValueMemberS{Value: after.SK},
		}
	}

	out, err := s.client.Scan(ctx, input)
	if err != nil {
		return engine.Page{}, err
	}

	page := engine.Page{Items: make([]engine.Item, 0, len(out.Items))}
	for _, raw := range out.Items {
		page.Items = append(page.Items, FromDynamo(raw))
	}
	if len(out.LastEvaluatedKey) > 0 {
		cursor, err := s.cursorOf(out.LastEvaluatedKey)
		if err != nil {
			return engine.Page{}, err
		}
		page.Next = &cursor
	}

	s.logger.Debug().
		Str("kind", string(kind)).
		Int("items", len(page.Items)).
		Bool("more", page.Next != nil).
		Msg("scan page")
	return page, nil
}

func (s *Store) cursorOf(key map[string]types.AttributeValue) (engine.Cursor, error) {
	pk, ok := key[s.schema.PartitionKey].(*types.AttributeValueMemberS)
	if !ok {
		return engine.Cursor{}, fmt.Errorf("continuation key has no string %s", s.schema.PartitionKey)
	}
	sk, ok := key[s.schema.SortKey].(*types.AttributeValueMemberS)
	if !ok {
		return engine.Cursor{}, fmt.Errorf("continuation key has no string %s", s.schema.SortKey)
	}
	return engine.Cursor{PK: pk.Value, SK: sk.Value}, nil
}

// =============================================================================
// UPDATE
// =============================================================================

func (s *Store) UpdateAssociation(ctx context.Context, key engine.Key, vial engine.VialID, at time.Time) error {
	input := s.updateInput(key, vial, at)
	input.ConditionExpression = aws.String("attribute_exists(#pk)")

	_, err := s.client.UpdateItem(ctx, input)
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%s: %w", key, engine.ErrItemNotFound)
	}
	return err
}

func (s *Store) UpdateAssociationIf(ctx context.Context, key engine.Key, expected *engine.VialID, vial engine.VialID, at time.Time) error {
	input := s.updateInput(key, vial, at)
	if expected == nil {
		input.ConditionExpression = aws.String("attribute_exists(#pk) AND (attribute_not_exists(#vial) OR attribute_type(#vial, :null) OR #vial = :empty)")
		input.ExpressionAttributeValues[":null"] = &types.AttributeValueMemberS{Value: "NULL"}
		input.ExpressionAttributeValues[":empty"] = &types.AttributeValueMemberS{Value: ""}
	} else {
		input.ConditionExpression = aws.String("attribute_exists(#pk) AND #vial = :expected")
		input.ExpressionAttributeValues[":expected"] = &types.AttributeValueMemberS{Value: string(*expected)}
	}

	_, err := s.client.UpdateItem(ctx, input)
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%s: %w", key, engine.ErrConcurrentModification)
	}
	return err
}

func (s *Store) updateInput(key engine.Key, vial engine.VialID, at time.Time) *ddb.UpdateItemInput {
	return &ddb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			s.schema.PartitionKey: &types.AttributeValueMemberS{Value: key.PK},
			s.schema.SortKey:      &types.AttributeValueMemberS{Value: key.SK},
		},
		UpdateExpression: aws.String("SET #vial = :vial, #updated = :updated"),
		ExpressionAttributeNames: map[string]string{
			"#pk":      s.schema.PartitionKey,
			"#vial":    s.schema.VialID,
			"#updated": s.schema.UpdatedAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":vial":    &types.AttributeValueMemberS{Value: string(vial)},
			":updated": &types.AttributeValueMemberS{Value: engine.UpdateTimestamp(at)},
		},
	}
}

// =============================================================================
// ATTRIBUTE CONVERSION
// =============================================================================

// FromDynamo converts an SDK item into an engine item.
func FromDynamo(raw map[string]types.AttributeValue) engine.Item {
	it := make(engine.Item, len(raw))
	for name, av := range raw {
		it[name] = attributeFrom(av)
	}
	return it
}

func attributeFrom(av types.AttributeValue) engine.Attribute {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return engine.String(v.Value)
	case *types.AttributeValueMemberN:
		return engine.Attribute{Kind: engine.AttrNumber, S: v.Value}
	case *types.AttributeValueMemberNULL:
		return engine.Null()
	case *types.AttributeValueMemberBOOL:
		return engine.Bool(v.Value)
	}
	tag, payload := tagged(av)
	raw, _ := json.Marshal(payload)
	return engine.Opaque(tag, string(raw))
}

// tagged renders a non-scalar attribute value as DynamoDB JSON.
func tagged(av types.AttributeValue) (string, any) {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return "S", v.Value
	case *types.AttributeValueMemberN:
		return "N", v.Value
	case *types.AttributeValueMemberNULL:
		return "NULL", true
	case *types.AttributeValueMemberBOOL:
		return "BOOL", v.Value
	case *types.AttributeValueMemberB:
		return "B", v.Value
	case *types.AttributeValueMemberBS:
		return "BS", v.Value
	case *types.AttributeValueMemberSS:
		return "SS", v.Value
	case *types.AttributeValueMemberNS:
		return "NS", v.Value
	case *types.AttributeValueMemberL:
		list := make([]map[string]any, 0, len(v.Value))
		for _, e := range v.Value {
			t, p := tagged(e)
			list = append(list, map[string]any{t: p})
		}
		return "L", list
	case *types.AttributeValueMemberM:
		m := make(map[string]map[string]any, len(v.Value))
		for k, e := range v.Value {
			t, p := tagged(e)
			m[k] = map[string]any{t: p}
		}
		return "M", m
	}
	return "UNKNOWN", nil
}
