package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
	"github.com/telroute/acd/internal/types"
)

// DynamoDBStore implements Store using AWS DynamoDB
type DynamoDBStore struct {
	client *dynamodb.Client
	config DynamoConfig
	logger zerolog.Logger
}

// NewDynamoDBStore creates a new DynamoDB store
func NewDynamoDBStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*DynamoDBStore, error) {
	var client *dynamodb.Client

	if cfg.Mode == DynamoModeLocal {
		// For local mode, build the client directly without
		// LoadDefaultConfig: that probes the EC2 IMDS endpoint, which
		// hangs when static credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	store := &DynamoDBStore{
		client: client,
		config: cfg,
		logger: logger,
	}

	if cfg.Mode == DynamoModeLocal {
		if err := CreateTablesIfNotExist(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Msg("DynamoDB event store initialized")

	return store, nil
}

func (s *DynamoDBStore) SaveEvent(ctx context.Context, ev types.TelephonyEvent) error {
	item, err := attributevalue.MarshalMap(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal telephony event: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.EventsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save telephony event: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetEvent(ctx context.Context, eventID string) (types.TelephonyEvent, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.EventsTable),
		Key: map[string]dbtypes.AttributeValue{
			"EventID": &dbtypes.AttributeValueMemberS{Value: eventID},
		},
	})
	if err != nil {
		return types.TelephonyEvent{}, fmt.Errorf("failed to get telephony event: %w", err)
	}
	if result.Item == nil {
		return types.TelephonyEvent{}, ErrNotFound
	}

	var ev types.TelephonyEvent
	if err := attributevalue.UnmarshalMap(result.Item, &ev); err != nil {
		return types.TelephonyEvent{}, fmt.Errorf("failed to unmarshal telephony event: %w", err)
	}
	return ev, nil
}

func (s *DynamoDBStore) SaveStatus(ctx context.Context, st types.ProcessingStatus) error {
	item, err := attributevalue.MarshalMap(st)
	if err != nil {
		return fmt.Errorf("failed to marshal processing status: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.StatusTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save processing status: %w", err)
	}
	return nil
}

// SaveStatusBatch writes statuses with BatchWriteItem in groups of 25
func (s *DynamoDBStore) SaveStatusBatch(ctx context.Context, sts []types.ProcessingStatus) error {
	for i := 0; i < len(sts); i += 25 {
		end := i + 25
		if end > len(sts) {
			end = len(sts)
		}

		requests := make([]dbtypes.WriteRequest, 0, end-i)
		for _, st := range sts[i:end] {
			item, err := attributevalue.MarshalMap(st)
			if err != nil {
				return fmt.Errorf("failed to marshal processing status: %w", err)
			}
			requests = append(requests, dbtypes.WriteRequest{
				PutRequest: &dbtypes.PutRequest{Item: item},
			})
		}

		_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]dbtypes.WriteRequest{
				s.config.StatusTable: requests,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to batch write statuses: %w", err)
		}
	}
	return nil
}

func (s *DynamoDBStore) GetStatus(ctx context.Context, eventID string) (types.ProcessingStatus, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.StatusTable),
		Key: map[string]dbtypes.AttributeValue{
			"EventID": &dbtypes.AttributeValueMemberS{Value: eventID},
		},
	})
	if err != nil {
		return types.ProcessingStatus{}, fmt.Errorf("failed to get processing status: %w", err)
	}
	if result.Item == nil {
		return types.ProcessingStatus{}, ErrNotFound
	}

	var st types.ProcessingStatus
	if err := attributevalue.UnmarshalMap(result.Item, &st); err != nil {
		return types.ProcessingStatus{}, fmt.Errorf("failed to unmarshal processing status: %w", err)
	}
	return st, nil
}

// ListDue scans for statuses eligible for processing. A GSI on
// (State, NextRetry) would avoid the scan at larger volumes.
// NextRetry and LastAttempt are stored as epoch seconds so the range
// comparisons are numeric.
func (s *DynamoDBStore) ListDue(ctx context.Context, now, staleBefore time.Time, maxAttempts, limit int) ([]types.ProcessingStatus, error) {
	filter := expression.Or(
		expression.Name("State").Equal(expression.Value(string(types.ProcessingPending))),
		expression.And(
			expression.Name("State").Equal(expression.Value(string(types.ProcessingFailed))),
			expression.Name("Attempts").LessThan(expression.Value(maxAttempts)),
			expression.Name("NextRetry").LessThanEqual(expression.Value(now.Unix())),
		),
		expression.And(
			expression.Name("State").Equal(expression.Value(string(types.ProcessingActive))),
			expression.Name("LastAttempt").LessThan(expression.Value(staleBefore.Unix())),
		),
	)
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(s.config.StatusTable),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan due statuses: %w", err)
	}

	var sts []types.ProcessingStatus
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &sts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal statuses: %w", err)
	}
	return sts, nil
}

func (s *DynamoDBStore) SaveTransition(ctx context.Context, tr types.CallStateTransition) error {
	item, err := attributevalue.MarshalMap(tr)
	if err != nil {
		return fmt.Errorf("failed to marshal call transition: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.TransitionsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save call transition: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) LastTransition(ctx context.Context, channelID string) (types.CallStateTransition, error) {
	keyCond := expression.Key("ChannelID").Equal(expression.Value(channelID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return types.CallStateTransition{}, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.TransitionsTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return types.CallStateTransition{}, fmt.Errorf("failed to query last transition: %w", err)
	}
	if len(result.Items) == 0 {
		return types.CallStateTransition{}, ErrNotFound
	}

	var tr types.CallStateTransition
	if err := attributevalue.UnmarshalMap(result.Items[0], &tr); err != nil {
		return types.CallStateTransition{}, fmt.Errorf("failed to unmarshal call transition: %w", err)
	}
	return tr, nil
}

func (s *DynamoDBStore) ListTransitions(ctx context.Context, channelID string) ([]types.CallStateTransition, error) {
	keyCond := expression.Key("ChannelID").Equal(expression.Value(channelID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.TransitionsTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}

	var trs []types.CallStateTransition
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &trs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transitions: %w", err)
	}
	return trs, nil
}

// NewStore creates the appropriate event store based on configuration
func NewStore(ctx context.Context, logger zerolog.Logger) (Store, error) {
	cfg := LoadDynamoConfig()

	switch cfg.Mode {
	case DynamoModeLocal, DynamoModeAWS:
		return NewDynamoDBStore(ctx, cfg, logger)
	default:
		logger.Info().Msg("DynamoDB disabled (DYNAMO_MODE=none), using in-memory event store")
		return NewMemoryStore(), nil
	}
}
