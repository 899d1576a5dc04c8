package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const maxBatchSize = 10

// SQS implements Queue against one SQS queue URL.
type SQS struct {
	client   *sqs.Client
	queueURL string
	waitTime time.Duration
}

func NewSQS(cfg aws.Config, queueURL string, waitTime time.Duration) *SQS {
	return &SQS{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
		waitTime: waitTime,
	}
}

func (q *SQS) ReceiveBatch(ctx context.Context, max int32) ([]Message, error) {
	if max <= 0 || max > maxBatchSize {
		max = maxBatchSize
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: max,
		WaitTimeSeconds:     int32(q.waitTime / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return messages, nil
}

func (q *SQS) DeleteBatch(ctx context.Context, receiptHandles []string) ([]string, []string, error) {
	if len(receiptHandles) == 0 {
		return nil, nil, nil
	}

	var succeeded, failed []string
	for start := 0; start < len(receiptHandles); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(receiptHandles) {
			end = len(receiptHandles)
		}
		chunk := receiptHandles[start:end]

		entries := make([]sqstypes.DeleteMessageBatchRequestEntry, len(chunk))
		for i, rh := range chunk {
			entries[i] = sqstypes.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(start + i)),
				ReceiptHandle: aws.String(rh),
			}
		}

		out, err := q.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(q.queueURL),
			Entries:  entries,
		})
		if err != nil {
			for i := range chunk {
				failed = append(failed, strconv.Itoa(start+i))
			}
			return succeeded, failed, fmt.Errorf("batch delete: %w", err)
		}
		for _, e := range out.Successful {
			succeeded = append(succeeded, aws.ToString(e.Id))
		}
		for _, e := range out.Failed {
			failed = append(failed, aws.ToString(e.Id))
		}
	}
	return succeeded, failed, nil
}
