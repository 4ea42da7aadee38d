// Package dynamo is the concrete PhysicalSession implementation: it wraps
// a *dynamodb.Client and satisfies both pool.PhysicalSession and
// txn.Writer, the two seams the generic pool and transaction packages
// depend on. Apart from internal/health's reachability probe, nothing
// outside this package imports the AWS SDK directly.
package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/cjgratacos/dynamopool/internal/pool"
	"github.com/cjgratacos/dynamopool/internal/txn"
)

// execResult adapts dynamodb.ExecuteStatementOutput to pool.Result. PartiQL
// INSERT/UPDATE/DELETE statements report no row count through the SDK, so
// RowsAffected always returns 1 for a successful Exec, matching DynamoDB's
// own single-item-statement semantics.
type execResult struct{}

func (execResult) RowsAffected() (int64, error) { return 1, nil }

// Rows adapts a single ExecuteStatement page to pool.Rows. It holds the
// decoded items in memory; DynamoDB PartiQL SELECT pagination via
// NextToken is intentionally out of scope for this thin Exec/Query surface
// (see the specification's marshalling-layer non-goal). Callers that need
// row iteration type-assert the pool.Rows they get back to *dynamo.Rows.
type Rows struct {
	items []map[string]any
	pos   int
}

func (r *Rows) Close() error { return nil }

// Next advances to the next item, returning false when exhausted.
func (r *Rows) Next() bool {
	if r.pos >= len(r.items) {
		return false
	}
	r.pos++
	return true
}

// Item returns the current item after a successful Next.
func (r *Rows) Item() map[string]any {
	if r.pos == 0 || r.pos > len(r.items) {
		return nil
	}
	return r.items[r.pos-1]
}

// Session wraps a *dynamodb.Client as a pool.PhysicalSession. One Session
// is produced per Factory call and is never shared across concurrently
// borrowed handles.
type Session struct {
	client     *dynamodb.Client
	endpointID string
}

// newSession wraps an already-constructed client. Unexported: callers go
// through NewFactory.
func newSession(client *dynamodb.Client, endpointID string) *Session {
	return &Session{client: client, endpointID: endpointID}
}

// Exec runs a PartiQL statement that mutates data (INSERT/UPDATE/DELETE)
// via ExecuteStatement. args are passed as PartiQL parameters in order.
func (s *Session) Exec(ctx context.Context, stmt string, args ...any) (pool.Result, error) {
	params, err := marshalParams(args)
	if err != nil {
		return nil, fmt.Errorf("dynamo: marshalling statement parameters: %w", err)
	}

	_, err = s.client.ExecuteStatement(ctx, &dynamodb.ExecuteStatementInput{
		Statement:  aws.String(stmt),
		Parameters: params,
	})
	if err != nil {
		return nil, classifyExecError(err)
	}
	return execResult{}, nil
}

// Query runs a PartiQL SELECT statement via ExecuteStatement and decodes
// every returned item eagerly into Go values.
func (s *Session) Query(ctx context.Context, stmt string, args ...any) (pool.Rows, error) {
	params, err := marshalParams(args)
	if err != nil {
		return nil, fmt.Errorf("dynamo: marshalling statement parameters: %w", err)
	}

	out, err := s.client.ExecuteStatement(ctx, &dynamodb.ExecuteStatementInput{
		Statement:  aws.String(stmt),
		Parameters: params,
	})
	if err != nil {
		return nil, classifyExecError(err)
	}

	items := make([]map[string]any, 0, len(out.Items))
	for _, raw := range out.Items {
		var item map[string]any
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("dynamo: unmarshalling item: %w", err)
		}
		items = append(items, item)
	}
	return &Rows{items: items}, nil
}

// TransactWriter returns this session itself — Session implements
// txn.Writer directly, so the coordinator commits through the same
// connection it was created for.
func (s *Session) TransactWriter() txn.Writer { return s }

// Unwrap exposes the underlying *dynamodb.Client for callers that need
// provider-specific calls the Session/Result/Rows surface doesn't cover.
func (s *Session) Unwrap() any { return s.client }

// Close is a no-op: the AWS SDK v2 client holds no socket that needs
// explicit closing, only an http.Client the caller's Factory provided.
func (s *Session) Close() error { return nil }

// TransactWriteItems builds one TransactWriteItems request from the
// buffered intents and issues it. A TransactionCanceledException is
// wrapped in cancellationError so txn.Coordinator.Commit can classify it
// without importing the AWS SDK.
func (s *Session) TransactWriteItems(ctx context.Context, intents []txn.Intent) error {
	items := make([]types.TransactWriteItem, 0, len(intents))
	for _, in := range intents {
		item, err := buildTransactItem(in)
		if err != nil {
			return fmt.Errorf("dynamo: building transact item for table %s: %w", in.Table, err)
		}
		items = append(items, item)
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err == nil {
		return nil
	}

	var cancelled *types.TransactionCanceledException
	if errors.As(err, &cancelled) {
		reasons := make([]string, 0, len(cancelled.CancellationReasons))
		for _, r := range cancelled.CancellationReasons {
			reasons = append(reasons, aws.ToString(r.Code))
		}
		return &cancellationError{msg: aws.ToString(cancelled.Message), reasons: reasons, cause: cancelled}
	}
	return err
}

// buildTransactItem translates one generic write intent into the
// AWS-SDK-specific TransactWriteItem shape.
func buildTransactItem(in txn.Intent) (types.TransactWriteItem, error) {
	switch in.Kind {
	case txn.Put:
		av, err := attributevalue.MarshalMap(in.Item)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		put := &types.Put{
			TableName: aws.String(in.Table),
			Item:      av,
		}
		if in.ConditionExpression != "" {
			put.ConditionExpression = aws.String(in.ConditionExpression)
		}
		return types.TransactWriteItem{Put: put}, nil

	case txn.Update:
		key, err := attributevalue.MarshalMap(in.Key)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		values, err := attributevalue.MarshalMap(in.ExpressionAttributeValues)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		update := &types.Update{
			TableName:                 aws.String(in.Table),
			Key:                       key,
			UpdateExpression:          aws.String(in.UpdateExpression),
			ExpressionAttributeValues: values,
		}
		if len(in.ExpressionAttributeNames) > 0 {
			update.ExpressionAttributeNames = in.ExpressionAttributeNames
		}
		if in.ConditionExpression != "" {
			update.ConditionExpression = aws.String(in.ConditionExpression)
		}
		return types.TransactWriteItem{Update: update}, nil

	case txn.Delete:
		key, err := attributevalue.MarshalMap(in.Key)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		del := &types.Delete{
			TableName: aws.String(in.Table),
			Key:       key,
		}
		if in.ConditionExpression != "" {
			del.ConditionExpression = aws.String(in.ConditionExpression)
		}
		return types.TransactWriteItem{Delete: del}, nil

	default:
		return types.TransactWriteItem{}, fmt.Errorf("unknown intent kind %v", in.Kind)
	}
}

// cancellationError satisfies txn.CancellationError.
type cancellationError struct {
	msg     string
	reasons []string
	cause   error
}

func (e *cancellationError) Error() string {
	return fmt.Sprintf("dynamo: transaction cancelled: %s", e.msg)
}
func (e *cancellationError) Unwrap() error                 { return e.cause }
func (e *cancellationError) CancellationReasons() []string { return e.reasons }

// marshalParams converts Exec/Query arguments into PartiQL AttributeValue
// parameters.
func marshalParams(args []any) ([]types.AttributeValue, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make([]types.AttributeValue, 0, len(args))
	for _, a := range args {
		av, err := attributevalue.Marshal(a)
		if err != nil {
			return nil, err
		}
		params = append(params, av)
	}
	return params, nil
}

// classifyExecError wraps a smithy API error with its error code for
// easier caller inspection while still satisfying errors.Is/As against the
// original.
func classifyExecError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("dynamo: %s: %w", apiErr.ErrorCode(), err)
	}
	return err
}
