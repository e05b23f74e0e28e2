package chatstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	skPrefixMsg = "MSG#"
	skPrefixID  = "ID#"
	skMeta      = "META#"

	// Fixed width so sort keys order lexicographically by time.
	dynamoTSLayout = "2006-01-02T15:04:05.000000000Z"

	dynamoAppendAttempts = 5
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps each conversation in one partition (PK CONV#<id>):
//
//	MSG#<ts>#<seq>  message items, sort key ordered by (timestamp, seq)
//	ID#<id>         dedupe marker pointing at the message sort key
//	META#           next seq counter
//
// An append writes all three in one transaction guarded by conditions, so a
// concurrent append from another instance either wins or retries.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	locks     *keyedMutex
}

// NewDynamoStore creates a DynamoStore on tableName.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("chatstore: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("chatstore: dynamodb table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, locks: newKeyedMutex()}, nil
}

func (s *DynamoStore) Close() error { return nil }

func convPK(conversationID string) string { return "CONV#" + conversationID }

func msgSK(ts time.Time, seq int64) string {
	return skPrefixMsg + ts.UTC().Format(dynamoTSLayout) + "#" + fmt.Sprintf("%020d", seq)
}

func (s *DynamoStore) AppendMessage(ctx context.Context, conversationID string, msg Message) (AppendResult, error) {
	msg, err := prepareAppend(conversationID, msg, nowUTC)
	if err != nil {
		return AppendResult{}, err
	}
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < dynamoAppendAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return AppendResult{}, err
		}
		res, err := s.tryAppend(ctx, conversationID, msg)
		if err == nil {
			return res, nil
		}
		var canceled *types.TransactionCanceledException
		if !errors.As(err, &canceled) {
			return AppendResult{}, storageErr("append", conversationID, err)
		}
		lastErr = err
	}
	return AppendResult{}, storageErr("append", conversationID, fmt.Errorf("contended after %d attempts: %w", dynamoAppendAttempts, lastErr))
}

func (s *DynamoStore) tryAppend(ctx context.Context, conv string, msg Message) (AppendResult, error) {
	pk := convPK(conv)

	if existing, ok, err := s.messageByID(ctx, conv, msg.ID); err != nil {
		return AppendResult{}, err
	} else if ok {
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}

	meta, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(pk, skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return AppendResult{}, fmt.Errorf("get meta: %w", err)
	}
	var (
		next     int64 = 1
		metaCond       = aws.String("attribute_not_exists(PK)")
		metaVals map[string]types.AttributeValue
	)
	if meta != nil && len(meta.Item) > 0 {
		n, err := int64Attr(meta.Item, "nextSeq")
		if err != nil {
			return AppendResult{}, fmt.Errorf("decode meta: %w", err)
		}
		next = n
		metaCond = aws.String("nextSeq = :expected")
		metaVals = map[string]types.AttributeValue{":expected": numAttr(n)}
	}
	msg.Seq = next
	sk := msgSK(msg.Timestamp, msg.Seq)

	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                messageItem(pk, sk, msg),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item: map[string]types.AttributeValue{
						"PK":    &types.AttributeValueMemberS{Value: pk},
						"SK":    &types.AttributeValueMemberS{Value: skPrefixID + msg.ID},
						"msgSK": &types.AttributeValueMemberS{Value: sk},
					},
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item: map[string]types.AttributeValue{
						"PK":      &types.AttributeValueMemberS{Value: pk},
						"SK":      &types.AttributeValueMemberS{Value: skMeta},
						"nextSeq": numAttr(next + 1),
					},
					ConditionExpression:       metaCond,
					ExpressionAttributeValues: metaVals,
				},
			},
		},
	})
	if err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Stored: msg}, nil
}

func (s *DynamoStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if err := checkQuery(conversationID, limit); err != nil {
		return nil, err
	}
	out, err := s.queryNewest(ctx, conversationID, limit, "PK = :pk AND begins_with(SK, :prefix)",
		map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		}, "")
	if err != nil {
		return nil, storageErr("recent", conversationID, err)
	}
	return out, nil
}

func (s *DynamoStore) MessagesBefore(ctx context.Context, conversationID, cursorID string, limit int) ([]Message, error) {
	if err := checkQuery(conversationID, limit); err != nil {
		return nil, err
	}
	if err := checkCursor(cursorID); err != nil {
		return nil, err
	}
	cursorSK, ok, err := s.sortKeyOf(ctx, conversationID, cursorID)
	if err != nil {
		return nil, storageErr("before", conversationID, err)
	}
	if !ok {
		return nil, ErrCursorNotFound
	}

	out, err := s.queryNewest(ctx, conversationID, limit, "PK = :pk AND SK BETWEEN :lo AND :hi",
		map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":lo": &types.AttributeValueMemberS{Value: skPrefixMsg},
			":hi": &types.AttributeValueMemberS{Value: cursorSK},
		}, cursorSK)
	if err != nil {
		return nil, storageErr("before", conversationID, err)
	}
	return out, nil
}

// queryNewest pages through a newest-first query until limit messages are
// held, skipping the item whose sort key is exclude.
func (s *DynamoStore) queryNewest(ctx context.Context, conv string, limit int, cond string, vals map[string]types.AttributeValue, exclude string) ([]Message, error) {
	out := make([]Message, 0, limit)
	var startKey map[string]types.AttributeValue
	for {
		page, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    aws.String(cond),
			ExpressionAttributeValues: vals,
			ScanIndexForward:          aws.Bool(false),
			Limit:                     aws.Int32(int32(limit + 1)),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		for _, item := range page.Items {
			if sk, _ := strAttr(item, "SK"); exclude != "" && sk == exclude {
				continue
			}
			m, err := itemToMessage(conv, item)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
		if len(out) == limit || len(page.LastEvaluatedKey) == 0 {
			break
		}
		startKey = page.LastEvaluatedKey
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *DynamoStore) sortKeyOf(ctx context.Context, conv, id string) (string, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(convPK(conv), skPrefixID+id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("get id marker: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", false, nil
	}
	sk, err := strAttr(out.Item, "msgSK")
	if err != nil {
		return "", false, err
	}
	return sk, true, nil
}

func (s *DynamoStore) messageByID(ctx context.Context, conv, id string) (Message, bool, error) {
	sk, ok, err := s.sortKeyOf(ctx, conv, id)
	if err != nil || !ok {
		return Message{}, false, err
	}
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(convPK(conv), sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Message{}, false, fmt.Errorf("get message: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return Message{}, false, fmt.Errorf("id marker %q points at missing message", id)
	}
	m, err := itemToMessage(conv, out.Item)
	return m, err == nil, err
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func messageItem(pk, sk string, m Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":       &types.AttributeValueMemberS{Value: pk},
		"SK":       &types.AttributeValueMemberS{Value: sk},
		"id":       &types.AttributeValueMemberS{Value: m.ID},
		"sender":   &types.AttributeValueMemberS{Value: m.SenderID},
		"content":  &types.AttributeValueMemberS{Value: m.Content},
		"type":     &types.AttributeValueMemberS{Value: string(m.Type)},
		"fileName": &types.AttributeValueMemberS{Value: m.FileName},
		"fileSize": numAttr(m.FileSize),
		"ts":       &types.AttributeValueMemberS{Value: m.Timestamp.UTC().Format(time.RFC3339Nano)},
		"seq":      numAttr(m.Seq),
	}
}

func itemToMessage(conv string, item map[string]types.AttributeValue) (Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return Message{}, err
	}
	sender, err := strAttr(item, "sender")
	if err != nil {
		return Message{}, err
	}
	rawTS, err := strAttr(item, "ts")
	if err != nil {
		return Message{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return Message{}, fmt.Errorf("chatstore: parse ts of %q: %w", id, err)
	}
	seq, err := int64Attr(item, "seq")
	if err != nil {
		return Message{}, err
	}
	content, _ := strAttr(item, "content") // allow empty
	typ, _ := strAttr(item, "type")
	fileName, _ := strAttr(item, "fileName")
	fileSize, _ := int64Attr(item, "fileSize")
	if typ == "" {
		typ = string(TypeText)
	}
	return Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		Type:           MessageType(typ),
		FileName:       fileName,
		FileSize:       fileSize,
		Timestamp:      ts.UTC(),
		Seq:            seq,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("chatstore: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("chatstore: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("chatstore: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("chatstore: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chatstore: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
