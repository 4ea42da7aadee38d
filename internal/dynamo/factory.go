package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/cjgratacos/dynamopool/internal/pool"
	"github.com/cjgratacos/dynamopool/pkg/endpoint"
)

// NewClient builds a *dynamodb.Client for one endpoint: it loads an
// aws.Config (static credentials if the endpoint carries them, the default
// provider chain otherwise) and binds the client to the endpoint's region
// and, when set, its EndpointURL override for DynamoDB Local or another
// SDK-compatible test double. Both NewFactory and the health checker build
// their clients through this single path.
func NewClient(ctx context.Context, ep endpoint.Config) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if ep.AccessKeyID != "" && ep.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(ep.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				ep.AccessKeyID, ep.SecretAccessKey, ep.SessionToken,
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(ep.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("dynamo: loading AWS config for endpoint %s: %w", ep.ID, err)
	}

	var clientOpts []func(*dynamodb.Options)
	if ep.EndpointURL != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(ep.EndpointURL)
		})
	}

	return dynamodb.NewFromConfig(awsCfg, clientOpts...), nil
}

// NewFactory builds the pool.Factory for one endpoint, constructing a fresh
// *dynamodb.Client per call via NewClient.
func NewFactory(ep endpoint.Config) pool.Factory {
	return func(ctx context.Context) (pool.PhysicalSession, error) {
		client, err := NewClient(ctx, ep)
		if err != nil {
			return nil, err
		}
		return newSession(client, ep.ID), nil
	}
}

// NewValidator builds the pool.Validator for one endpoint: liveness is a
// lightweight DescribeTable call against the endpoint's configured table
// prefix (falling back to ListTables when no prefix is set), bounded by
// whatever deadline ctx already carries.
func NewValidator(ep endpoint.Config) pool.Validator {
	return func(ctx context.Context, sess pool.PhysicalSession) bool {
		s, ok := sess.(*Session)
		if !ok {
			return false
		}

		if ep.TableNamePrefix != "" {
			_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(ep.TableNamePrefix),
			})
			return err == nil
		}

		_, err := s.client.ListTables(ctx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)})
		return err == nil
	}
}
