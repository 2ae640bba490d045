package sqsqueue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// API is the subset of *sqs.Client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
	// HandlerTimeout bounds one handler call; keep it below the visibility timeout.
	HandlerTimeout time.Duration
}

// BodyHandler processes one message body. A nil error deletes the message; an error
// leaves it for SQS redrive/DLQ.
type BodyHandler func(ctx context.Context, body []byte) error

// PollConcurrent receives until ctx is cancelled and hands messages to a fixed pool
// of workers. On shutdown, messages already received are still processed.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler BodyHandler) error {
	if workers <= 0 {
		workers = 1
	}
	jobs := make(chan types.Message, workers*2)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				c.process(ctx, m, handler)
			}
		}()
	}

	err := c.receive(ctx, jobs)
	close(jobs)
	wg.Wait()
	return err
}

func (c *Consumer) receive(ctx context.Context, jobs chan<- types.Message) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &c.QueueURL,
			MaxNumberOfMessages: c.MaxMessages,
			WaitTimeSeconds:     c.WaitTimeSeconds,
			VisibilityTimeout:   c.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			wait := receiveBackoff(failures)
			slog.Error("sqs receive message failed", "err", err, "queue_url", c.QueueURL, "retry_in", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		failures = 0
		for _, m := range out.Messages {
			select {
			case jobs <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, m types.Message, handler BodyHandler) {
	// empty bodies can never succeed
	if m.Body == nil {
		c.delete(ctx, m)
		return
	}
	hctx := ctx
	if c.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, c.HandlerTimeout)
		defer cancel()
	}
	if err := handler(hctx, []byte(*m.Body)); err != nil {
		slog.Error("sqs handler error", "err", err, "queue_url", c.QueueURL, "message_id", aws.ToString(m.MessageId))
		return
	}
	c.delete(ctx, m)
}

// delete outlives shutdown so a handled message is not redelivered.
func (c *Consumer) delete(ctx context.Context, m types.Message) {
	if _, err := c.SQS.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		slog.Warn("sqs delete message failed", "err", err, "queue_url", c.QueueURL, "message_id", aws.ToString(m.MessageId))
	}
}

// receiveBackoff doubles from 500ms up to 10s.
func receiveBackoff(failures int) time.Duration {
	wait := 500 * time.Millisecond << min(failures-1, 5)
	return min(wait, 10*time.Second)
}

func isFIFO(queueURL string) bool { return strings.HasSuffix(queueURL, ".fifo") }

func str(s string) *string { return &s }

type QueueAttributesAPI interface {
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// QueueCheck returns a readiness probe that fails when the queue is unreachable.
func QueueCheck(api QueueAttributesAPI, queueURL string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       &queueURL,
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
		})
		return err
	}
}
