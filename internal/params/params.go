// Package params resolves replication destinations for a source bucket and
// prefix from the parameters table.
package params

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

// Destination is one replication target read from the parameters table.
type Destination struct {
	Region       string `dynamodbav:"region" json:"region"`
	Bucket       string `dynamodbav:"bucket" json:"bucket"`
	KMSKeyARN    string `dynamodbav:"kms_key_arn,omitempty" json:"kms_key_arn,omitempty"`
	StorageClass string `dynamodbav:"storage_class,omitempty" json:"storage_class,omitempty"`
	Backup       bool   `dynamodbav:"backup,omitempty" json:"backup,omitempty"`
}

type parameterItem struct {
	ParameterName string        `dynamodbav:"ParameterName"`
	Destinations  []Destination `dynamodbav:"Destinations"`
}

// GetItemAPI is the slice of the DynamoDB client the repository needs.
type GetItemAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Repository looks up destinations keyed /{stack}/{bucket}[/{prefix}].
type Repository struct {
	client GetItemAPI
	table  string
	log    zerolog.Logger
}

func NewRepository(client GetItemAPI, table string, log zerolog.Logger) *Repository {
	return &Repository{client: client, table: table, log: log}
}

// Lookup resolves destinations for a bucket and prefix using
// longest-prefix-match: the full prefix first, then progressively shorter
// parents, then the bucket-level entry. Returns the matched parameter name
// and its destinations, or ("", nil) when nothing is configured.
func (r *Repository) Lookup(ctx context.Context, stackName, bucket, prefix string) (string, []Destination, error) {
	for _, name := range candidateNames(stackName, bucket, prefix) {
		dests, err := r.getParameter(ctx, name)
		if err != nil {
			return "", nil, err
		}
		if len(dests) > 0 {
			r.log.Debug().Str("parameter", name).Int("destinations", len(dests)).Msg("resolved destinations")
			return name, dests, nil
		}
	}
	return "", nil, nil
}

func candidateNames(stackName, bucket, prefix string) []string {
	base := fmt.Sprintf("/%s/%s", stackName, bucket)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return []string{base}
	}

	segments := strings.Split(prefix, "/")
	names := make([]string, 0, len(segments)+1)
	for i := len(segments); i > 0; i-- {
		names = append(names, base+"/"+strings.Join(segments[:i], "/"))
	}
	return append(names, base)
}

func (r *Repository) getParameter(ctx context.Context, name string) ([]Destination, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.table),
		Key: map[string]ddbtypes.AttributeValue{
			"ParameterName": &ddbtypes.AttributeValueMemberS{Value: name},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get parameter %s: %w", name, err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var item parameterItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("decode parameter %s: %w", name, err)
	}
	return item.Destinations, nil
}
