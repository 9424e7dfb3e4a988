package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/regflow/ledger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// API is the subset of *dynamodb.Client the store calls.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

const (
	registrationPrefix = "REG#"
	orderPrefix        = "ORDER#"
	paymentPrefix      = "PAYMENT#"

	conditionalCheckFailed = "ConditionalCheckFailed"
)

type recordItem struct {
	PK               string            `dynamodbav:"pk"`
	Rev              int64             `dynamodbav:"rev"`
	ID               string            `dynamodbav:"id"`
	Identity         string            `dynamodbav:"identity"`
	Profile          map[string]string `dynamodbav:"profile,omitempty"`
	State            string            `dynamodbav:"state"`
	OrderReference   string            `dynamodbav:"order_reference,omitempty"`
	PaymentReference string            `dynamodbav:"payment_reference,omitempty"`
	CreatedAtMs      int64             `dynamodbav:"created_at"`
	UpdatedAtMs      int64             `dynamodbav:"updated_at"`
}

type guardItem struct {
	PK       string `dynamodbav:"pk"`
	Identity string `dynamodbav:"identity"`
}

func toItem(r *ledger.Record, rev int64) recordItem {
	return recordItem{
		PK:               registrationPrefix + r.Identity,
		Rev:              rev,
		ID:               r.ID,
		Identity:         r.Identity,
		Profile:          r.Profile,
		State:            string(r.State),
		OrderReference:   r.OrderReference,
		PaymentReference: r.PaymentReference,
		CreatedAtMs:      r.CreatedAt.UnixMilli(),
		UpdatedAtMs:      r.UpdatedAt.UnixMilli(),
	}
}

func (it recordItem) record() *ledger.Record {
	var profile ledger.Profile
	if len(it.Profile) > 0 {
		profile = ledger.Profile(it.Profile)
	}
	return &ledger.Record{
		ID:               it.ID,
		Identity:         it.Identity,
		Profile:          profile,
		State:            ledger.State(it.State),
		OrderReference:   it.OrderReference,
		PaymentReference: it.PaymentReference,
		CreatedAt:        time.UnixMilli(it.CreatedAtMs).UTC(),
		UpdatedAt:        time.UnixMilli(it.UpdatedAtMs).UTC(),
	}
}

// Store implements ledger.Store.
type Store struct {
	client    API
	tableName string
	now       func() time.Time
}

var _ ledger.Store = (*Store)(nil)

func New(client API, tableName string) *Store {
	return &Store{client: client, tableName: tableName, now: time.Now}
}

func (s *Store) Close() error { return nil }

func (s *Store) Create(ctx context.Context, record *ledger.Record) error {
	if record == nil || strings.TrimSpace(record.Identity) == "" {
		return errors.New("ledger create requires an identity")
	}
	if !record.State.Valid() {
		return fmt.Errorf("ledger create: invalid state %q", record.State)
	}

	item, err := attributevalue.MarshalMap(toItem(record, 1))
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ledger.ErrIdentityExists
		}
		return fmt.Errorf("put registration: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, identity string) (*ledger.Record, error) {
	it, err := s.getItem(ctx, identity)
	if err != nil {
		return nil, err
	}
	return it.record(), nil
}

// GetByOrder follows the order guard to its record. Guards outlive a retry,
// so a replaced order still resolves to the record that opened it.
func (s *Store) GetByOrder(ctx context.Context, orderReference string) (*ledger.Record, error) {
	if orderReference == "" {
		return nil, ledger.ErrNotFound
	}

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            strKey("pk", orderPrefix+orderReference),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get order guard: %w", err)
	}
	if out.Item == nil {
		return nil, ledger.ErrNotFound
	}
	var guard guardItem
	if err := attributevalue.UnmarshalMap(out.Item, &guard); err != nil {
		return nil, fmt.Errorf("unmarshal order guard: %w", err)
	}

	return s.Get(ctx, guard.Identity)
}

// Transition reads the record, applies t locally and writes it back in a
// transaction conditioned on the revision it read. Any reference the new
// state claims is guarded in the same transaction.
func (s *Store) Transition(ctx context.Context, t ledger.Transition) (*ledger.Record, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	current, err := s.getItem(ctx, t.Identity)
	if err != nil {
		return nil, err
	}
	if ledger.State(current.State) != t.From {
		return nil, ledger.ErrStaleTransition
	}
	if t.ExpectOrderReference != "" && current.OrderReference != t.ExpectOrderReference {
		return nil, ledger.ErrStaleTransition
	}

	next := t.Apply(*current.record(), s.now().UTC().Truncate(time.Millisecond))
	item, err := attributevalue.MarshalMap(toItem(&next, current.Rev+1))
	if err != nil {
		return nil, fmt.Errorf("marshal registration: %w", err)
	}

	writes := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String("#state = :from AND #rev = :rev"),
			ExpressionAttributeNames: map[string]string{
				"#state": "state",
				"#rev":   "rev",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":from": &types.AttributeValueMemberS{Value: string(t.From)},
				":rev":  &types.AttributeValueMemberN{Value: fmt.Sprint(current.Rev)},
			},
		},
	}}

	switch t.To {
	case ledger.StatePaymentPending:
		writes = append(writes, s.guardPut(orderPrefix+t.OrderReference, t.Identity))
	case ledger.StatePaymentSuccess, ledger.StatePaymentFailed:
		writes = append(writes, s.guardPut(paymentPrefix+t.PaymentReference, t.Identity))
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: writes,
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return nil, cancellationError(canceled)
		}
		return nil, fmt.Errorf("transact registration: %w", err)
	}
	return &next, nil
}

func (s *Store) guardPut(pk, identity string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(s.tableName),
			Item: map[string]types.AttributeValue{
				"pk":       &types.AttributeValueMemberS{Value: pk},
				"identity": &types.AttributeValueMemberS{Value: identity},
			},
			// a guard may be rewritten by the identity that already owns it
			ConditionExpression: aws.String("attribute_not_exists(pk) OR #identity = :identity"),
			ExpressionAttributeNames: map[string]string{
				"#identity": "identity",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":identity": &types.AttributeValueMemberS{Value: identity},
			},
		},
	}
}

func (s *Store) getItem(ctx context.Context, identity string) (recordItem, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            strKey("pk", registrationPrefix+identity),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return recordItem{}, fmt.Errorf("get registration: %w", err)
	}
	if out.Item == nil {
		return recordItem{}, ledger.ErrNotFound
	}
	var it recordItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return recordItem{}, fmt.Errorf("unmarshal registration: %w", err)
	}
	return it, nil
}

// cancellationError maps the per-item reasons of a canceled transaction.
// Reason 0 is the record put; any later reason is a reference guard.
func cancellationError(e *types.TransactionCanceledException) error {
	for i, reason := range e.CancellationReasons {
		if aws.ToString(reason.Code) != conditionalCheckFailed {
			continue
		}
		if i == 0 {
			return ledger.ErrStaleTransition
		}
		return ledger.ErrDuplicateReference
	}
	return fmt.Errorf("transact registration: %w", e)
}

func strKey(name, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		name: &types.AttributeValueMemberS{Value: value},
	}
}
