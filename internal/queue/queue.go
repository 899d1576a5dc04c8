package queue

import "context"

// Message is one received queue message. ReceiptHandle is the token used to
// acknowledge (delete) it.
type Message struct {
	Body          string
	ReceiptHandle string
}

// Queue is the at-least-once message queue capability. The SQS implementation
// long-polls; redelivery after the visibility timeout is the retry mechanism
// for unacknowledged messages.
type Queue interface {
	ReceiveBatch(ctx context.Context, max int32) ([]Message, error)
	DeleteBatch(ctx context.Context, receiptHandles []string) (succeeded, failed []string, err error)
}
