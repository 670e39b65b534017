package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-api-guard/internal/domain"
	"github.com/go-api-guard/internal/infrastructure/kv"
)

// record is one item of the ephemeral state table. Integer values live in
// counter so Incr can update them in place; everything else lives in value.
type record struct {
	Key         string  `dynamodbav:"key"`
	Value       *string `dynamodbav:"value"`
	Counter     *int64  `dynamodbav:"counter"`
	Window      []int64 `dynamodbav:"window"`
	ExpiresAtMs int64   `dynamodbav:"expires_at_ms"`
	Version     int64   `dynamodbav:"version"`
}

// live reports whether the record has not reached its logical expiry.
// DynamoDB removes expired items lazily, so every read checks this.
func (r *record) live(now time.Time) bool {
	return r.ExpiresAtMs == 0 || r.ExpiresAtMs > now.UnixMilli()
}

func (r *record) scalar() bool { return r.Value != nil || r.Counter != nil }

// Store implements kv.Store on a single DynamoDB table keyed by "key".
type Store struct {
	client API
	table  string
	now    func() time.Time
}

var _ kv.Store = (*Store)(nil)

func NewStore(client API, table string) *Store {
	return &Store{client: client, table: table, now: time.Now}
}

func (s *Store) Backend() string { return kv.BackendDynamo }

func (s *Store) Close() error { return nil }

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err != nil {
		return fmt.Errorf("dynamodb describe table: %w", err)
	}
	return nil
}

// expiryAttrs returns the TTL attributes for an item expiring at t.
func expiryAttrs(t time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrExpiresAt:   numValue(t.Unix() + 1),
		attrExpiresAtMs: numValue(t.UnixMilli()),
	}
}

func (s *Store) load(ctx context.Context, key string) (*record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            strKey(attrKey, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get item: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var r record
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &r, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	r, err := s.load(ctx, key)
	if err != nil {
		return "", err
	}
	if r == nil || !r.live(s.now()) {
		return "", domain.ErrNotFound
	}
	switch {
	case r.Value != nil:
		return *r.Value, nil
	case r.Counter != nil:
		return strconv.FormatInt(*r.Counter, 10), nil
	default:
		return "", domain.ErrNotFound
	}
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	item := strKey(attrKey, key)
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		item[attrCounter] = numValue(n)
	} else {
		item[attrValue] = &types.AttributeValueMemberS{Value: value}
	}
	if ttl > 0 {
		for k, v := range expiryAttrs(s.now().Add(ttl)) {
			item[k] = v
		}
	}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamodb put item: %w", err)
	}
	return nil
}

// Incr adds one to the counter in a single conditional update. An expired item
// fails the condition and is replaced by a fresh counter.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		now := s.now()
		expr := "SET #c = if_not_exists(#c, :zero) + :one"
		names := map[string]string{"#c": attrCounter, "#v": attrValue, "#ems": attrExpiresAtMs}
		values := map[string]types.AttributeValue{
			":zero": numValue(0),
			":one":  numValue(1),
			":now":  numValue(now.UnixMilli()),
		}
		if ttl > 0 {
			exp := expiryAttrs(now.Add(ttl))
			expr += ", #ea = if_not_exists(#ea, :ea), #ems = if_not_exists(#ems, :ems)"
			names["#ea"] = attrExpiresAt
			values[":ea"] = exp[attrExpiresAt]
			values[":ems"] = exp[attrExpiresAtMs]
		}

		out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(s.table),
			Key:                       strKey(attrKey, key),
			UpdateExpression:          aws.String(expr),
			ConditionExpression:       aws.String("attribute_not_exists(#v) AND (attribute_not_exists(#ems) OR #ems > :now)"),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ReturnValues:              types.ReturnValueUpdatedNew,
		})
		if err == nil {
			var r record
			if err := attributevalue.UnmarshalMap(out.Attributes, &r); err != nil {
				return 0, fmt.Errorf("unmarshal counter: %w", err)
			}
			if r.Counter == nil {
				return 0, errors.New("dynamodb incr: counter missing from response")
			}
			return *r.Counter, nil
		}
		if !isConditionFailed(err) {
			return 0, fmt.Errorf("dynamodb update item: %w", err)
		}

		r, err := s.load(ctx, key)
		if err != nil {
			return 0, err
		}
		if r != nil && r.live(now) && r.Value != nil {
			return 0, fmt.Errorf("incr %s: value is not an integer", key)
		}
		ok, err := s.replaceExpired(ctx, key, ttl, now)
		if err != nil {
			return 0, err
		}
		if ok {
			return 1, nil
		}
	}
	return 0, fmt.Errorf("dynamodb incr %s: too many concurrent writers", key)
}

// replaceExpired writes a counter of 1 unless another writer revived the key first.
func (s *Store) replaceExpired(ctx context.Context, key string, ttl time.Duration, now time.Time) (bool, error) {
	item := strKey(attrKey, key)
	item[attrCounter] = numValue(1)
	if ttl > 0 {
		for k, v := range expiryAttrs(now.Add(ttl)) {
			item[k] = v
		}
	}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      item,
		ConditionExpression:       aws.String("attribute_not_exists(#k) OR #ems <= :now"),
		ExpressionAttributeNames:  map[string]string{"#k": attrKey, "#ems": attrExpiresAtMs},
		ExpressionAttributeValues: map[string]types.AttributeValue{":now": numValue(now.UnixMilli())},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dynamodb put item: %w", err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	now := s.now()
	for _, k := range keys {
		out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:    aws.String(s.table),
			Key:          strKey(attrKey, k),
			ReturnValues: types.ReturnValueAllOld,
		})
		if err != nil {
			return n, fmt.Errorf("dynamodb delete item: %w", err)
		}
		if len(out.Attributes) == 0 {
			continue
		}
		var r record
		if err := attributevalue.UnmarshalMap(out.Attributes, &r); err == nil && r.live(now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	r, err := s.load(ctx, key)
	if err != nil {
		return false, err
	}
	return r != nil && r.live(s.now()), nil
}

func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		FilterExpression:         aws.String("begins_with(#k, :p) AND (attribute_not_exists(#ems) OR #ems > :now)"),
		ProjectionExpression:     aws.String("#k"),
		ExpressionAttributeNames: map[string]string{"#k": attrKey, "#ems": attrExpiresAtMs},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":   &types.AttributeValueMemberS{Value: prefix},
			":now": numValue(s.now().UnixMilli()),
		},
	})
	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan: %w", err)
		}
		for _, item := range page.Items {
			if v, ok := item[attrKey].(*types.AttributeValueMemberS); ok {
				keys = append(keys, v.Value)
			}
		}
	}
	return keys, nil
}

// SlideWindow reads the window, prunes it locally and writes it back guarded by
// the item version. Conflicting writers retry.
func (s *Store) SlideWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (kv.WindowState, error) {
	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		r, err := s.load(ctx, key)
		if err != nil {
			return kv.WindowState{}, err
		}

		var current []int64
		var version int64
		if r != nil {
			if r.live(now) {
				if r.scalar() {
					return kv.WindowState{}, fmt.Errorf("slide window %s: key holds a value", key)
				}
				current = r.Window
			}
			version = r.Version
		}

		cutoff := now.Add(-window).UnixMicro()
		kept := make([]int64, 0, len(current)+1)
		for _, ts := range current {
			if ts > cutoff {
				kept = append(kept, ts)
			}
		}
		allowed := len(kept) < limit
		if !allowed {
			return windowState(false, kept), nil
		}
		kept = append(kept, now.UnixMicro())

		expires := now.Add(window)
		ue, err := buildUpdateExpr(map[string]interface{}{
			attrWindow:      kept,
			attrExpiresAt:   expires.Unix() + 1,
			attrExpiresAtMs: expires.UnixMilli(),
			attrVersion:     version + 1,
		})
		if err != nil {
			return kv.WindowState{}, err
		}
		ue.Names["#k"] = attrKey
		ue.Names["#ver"] = attrVersion
		ue.Names["#rv"] = attrValue
		ue.Names["#rc"] = attrCounter
		ue.Values[":ver"] = numValue(version)

		_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(s.table),
			Key:                       strKey(attrKey, key),
			UpdateExpression:          aws.String(ue.Expr + " REMOVE #rv, #rc"),
			ConditionExpression:       aws.String("attribute_not_exists(#k) OR attribute_not_exists(#ver) OR #ver = :ver"),
			ExpressionAttributeNames:  ue.Names,
			ExpressionAttributeValues: ue.Values,
		})
		if err == nil {
			return windowState(true, kept), nil
		}
		if !isConditionFailed(err) {
			return kv.WindowState{}, fmt.Errorf("dynamodb update item: %w", err)
		}
	}
	return kv.WindowState{}, fmt.Errorf("dynamodb slide window %s: too many concurrent writers", key)
}

func windowState(allowed bool, window []int64) kv.WindowState {
	st := kv.WindowState{Allowed: allowed, Count: len(window)}
	if len(window) > 0 {
		oldest := window[0]
		for _, ts := range window[1:] {
			oldest = min(oldest, ts)
		}
		st.Oldest = time.UnixMicro(oldest).UTC()
	}
	return st
}
