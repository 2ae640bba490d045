package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"wahub/internal/domain"
)

// WebhookEvent is the queued form of a provider callback. Only the reduced event is
// kept; SQS has a 256KB message size limit.
type WebhookEvent struct {
	domain.ProviderEvent
}

type WebhookProducer struct {
	SQS      API
	QueueURL string
}

func (p *WebhookProducer) Enqueue(ctx context.Context, ev domain.ProviderEvent) error {
	body, err := json.Marshal(WebhookEvent{ProviderEvent: ev})
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if isFIFO(p.QueueURL) {
		// events of one instance stay ordered
		in.MessageGroupId = str(ev.Instance)
		in.MessageDeduplicationId = str(dedupID(ev))
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

type WebhookHandler func(ctx context.Context, ev domain.ProviderEvent) error

type WebhookConsumer struct {
	Consumer
}

func (c *WebhookConsumer) PollConcurrent(ctx context.Context, workers int, handler WebhookHandler) error {
	return c.Consumer.PollConcurrent(ctx, workers, func(ctx context.Context, body []byte) error {
		var ev WebhookEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			// bad payload => delete to avoid endless redrive
			slog.Error("sqs webhook event undecodable", "err", err)
			return nil
		}
		if err := handler(ctx, ev.ProviderEvent); err != nil {
			slog.Error("sqs webhook handler error", "err", err, "instance", ev.Instance, "event", ev.Event, "state", ev.State)
			return err
		}
		return nil
	})
}
