package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-client/internal/domain"
)

const (
	pkPrefixSession = "SESSION#"
	skPrefixConv    = "CONV#"
	skSuffixMeta    = "#META"
	skInfixMsg      = "#MSG#"
	skCurrent       = "CURRENT"

	// DynamoDB caps a transaction at 100 items.
	maxTransactItems = 100
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores conversation snapshots for one local session in a DynamoDB
// table. Writes are plain puts: the last write wins.
type Client struct {
	api        dynamodbAPI
	tableName  string
	sessionKey string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName, sessionKey string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if strings.TrimSpace(sessionKey) == "" {
		return nil, errors.New("repository: session key must not be empty")
	}
	return &Client{api: api, tableName: tableName, sessionKey: strings.TrimSpace(sessionKey)}, nil
}

func (c *Client) pk() string {
	return pkPrefixSession + c.sessionKey
}

// convPrefix returns the sort key prefix shared by a conversation's items.
func convPrefix(conversationID string) string {
	return skPrefixConv + conversationID
}

func metaSK(conversationID string) string {
	return convPrefix(conversationID) + skSuffixMeta
}

// msgSK zero-pads the position so items sort in append order.
func msgSK(conversationID string, position int) string {
	return fmt.Sprintf("%s%s%06d", convPrefix(conversationID), skInfixMsg, position)
}

// SaveConversation writes the conversation metadata and all of its messages.
func (c *Client) SaveConversation(ctx context.Context, conv domain.Conversation) error {
	if strings.TrimSpace(conv.ID) == "" {
		return errors.New("repository: SaveConversation: conversation id is required")
	}

	items := make([]types.TransactWriteItem, 0, len(conv.Messages)+1)
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{TableName: aws.String(c.tableName), Item: c.metaItem(conv)},
	})
	for i, msg := range conv.Messages {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(c.tableName), Item: c.messageItem(conv.ID, i+1, msg)},
		})
	}

	if err := c.transact(ctx, items); err != nil {
		return fmt.Errorf("repository: SaveConversation: %w", err)
	}
	return nil
}

// DeleteConversation removes every item of a conversation.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("repository: DeleteConversation: conversation id is required")
	}

	keys, err := c.query(ctx, convPrefix(conversationID)+"#", aws.String("PK, SK"))
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation query: %w", err)
	}
	items := make([]types.TransactWriteItem, 0, len(keys))
	for _, key := range keys {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(c.tableName),
				Key: map[string]types.AttributeValue{
					"PK": key["PK"],
					"SK": key["SK"],
				},
			},
		})
	}
	if err := c.transact(ctx, items); err != nil {
		return fmt.Errorf("repository: DeleteConversation: %w", err)
	}
	return nil
}

// SaveCurrent records the selected conversation id ("" for none).
func (c *Client) SaveCurrent(ctx context.Context, conversationID string) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":             &types.AttributeValueMemberS{Value: c.pk()},
			"SK":             &types.AttributeValueMemberS{Value: skCurrent},
			"conversationId": &types.AttributeValueMemberS{Value: conversationID},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveCurrent: %w", err)
	}
	return nil
}

// LoadSnapshot reads every stored conversation and the current pointer.
func (c *Client) LoadSnapshot(ctx context.Context) (domain.Snapshot, error) {
	items, err := c.query(ctx, skPrefixConv, nil)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("repository: LoadSnapshot query: %w", err)
	}
	convs, err := assemble(items)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("repository: LoadSnapshot: %w", err)
	}

	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: c.pk()},
			"SK": &types.AttributeValueMemberS{Value: skCurrent},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("repository: LoadSnapshot get current: %w", err)
	}
	var currentID string
	if out != nil && len(out.Item) > 0 {
		currentID, _ = strAttr(out.Item, "conversationId")
	}

	return domain.Snapshot{Conversations: convs, CurrentID: currentID}, nil
}

// query pages through every item of the session whose sort key starts with prefix.
func (c *Client) query(ctx context.Context, prefix string, projection *string) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: c.pk()},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
		ProjectionExpression: projection,
		ConsistentRead:       aws.Bool(true),
	}

	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		if out == nil {
			break
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return items, nil
}

// transact writes items in batches that fit a single transaction.
func (c *Client) transact(ctx context.Context, items []types.TransactWriteItem) error {
	for start := 0; start < len(items); start += maxTransactItems {
		end := start + maxTransactItems
		if end > len(items) {
			end = len(items)
		}
		if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items[start:end],
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) metaItem(conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: c.pk()},
		"SK":             &types.AttributeValueMemberS{Value: metaSK(conv.ID)},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"title":          &types.AttributeValueMemberS{Value: conv.Title},
		"createdAt":      &types.AttributeValueMemberS{Value: formatTime(conv.CreatedAt)},
		"updatedAt":      &types.AttributeValueMemberS{Value: formatTime(conv.UpdatedAt)},
	}
}

func (c *Client) messageItem(conversationID string, position int, msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: c.pk()},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(conversationID, position)},
		"conversationId": &types.AttributeValueMemberS{Value: conversationID},
		"position":       &types.AttributeValueMemberN{Value: strconv.Itoa(position)},
		"messageId":      &types.AttributeValueMemberS{Value: msg.ID},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"timestamp":      &types.AttributeValueMemberS{Value: formatTime(msg.Timestamp)},
	}
}

type positionedMessage struct {
	position int
	msg      domain.Message
}

// assemble groups queried items back into conversations. Messages whose
// conversation has no metadata item are dropped.
func assemble(items []map[string]types.AttributeValue) ([]domain.Conversation, error) {
	metas := map[string]*domain.Conversation{}
	var order []string
	messages := map[string][]positionedMessage{}

	for _, item := range items {
		sk, err := strAttr(item, "SK")
		if err != nil {
			return nil, err
		}
		convID, err := strAttr(item, "conversationId")
		if err != nil {
			return nil, err
		}

		switch {
		case strings.HasSuffix(sk, skSuffixMeta):
			conv, err := itemToConversation(item)
			if err != nil {
				return nil, err
			}
			if _, seen := metas[convID]; !seen {
				order = append(order, convID)
			}
			metas[convID] = &conv
		case strings.Contains(sk, skInfixMsg):
			pm, err := itemToMessage(item)
			if err != nil {
				return nil, err
			}
			messages[convID] = append(messages[convID], pm)
		}
	}

	convs := make([]domain.Conversation, 0, len(order))
	for _, id := range order {
		conv := metas[id]
		msgs := messages[id]
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].position < msgs[j].position })
		conv.Messages = make([]domain.Message, 0, len(msgs))
		for _, pm := range msgs {
			conv.Messages = append(conv.Messages, pm.msg)
		}
		convs = append(convs, *conv)
	}
	return convs, nil
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	title, _ := strAttr(item, "title") // allow empty
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	updatedAt, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{ID: id, Title: title, CreatedAt: createdAt, UpdatedAt: updatedAt}, nil
}

func itemToMessage(item map[string]types.AttributeValue) (positionedMessage, error) {
	position, err := intAttr(item, "position")
	if err != nil {
		return positionedMessage{}, err
	}
	id, err := strAttr(item, "messageId")
	if err != nil {
		return positionedMessage{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return positionedMessage{}, err
	}
	content, _ := strAttr(item, "content") // allow empty
	ts, err := timeAttr(item, "timestamp")
	if err != nil {
		return positionedMessage{}, err
	}
	return positionedMessage{
		position: position,
		msg:      domain.Message{ID: id, Content: content, Role: domain.Role(role), Timestamp: ts},
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
