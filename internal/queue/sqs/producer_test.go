package sqsqueue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"wahub/internal/domain"
)

type fakeSQS struct {
	mu       sync.Mutex
	sent     []*sqs.SendMessageInput
	deleted  []string
	messages []types.Message
	received bool
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

// ReceiveMessage hands out the queued messages once, then long-polls until cancelled.
func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if !f.received {
		f.received = true
		msgs := f.messages
		f.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestMessageGroupIDBucketed(t *testing.T) {
	got1 := messageGroupIDBucketed("acme", "5511912345678", 2000)
	got2 := messageGroupIDBucketed("acme", "5511912345678", 2000)
	if got1 != got2 {
		t.Fatalf("expected stable group id, got %q vs %q", got1, got2)
	}
	if !strings.HasPrefix(got1, "acme:") {
		t.Fatalf("expected tenant prefix, got %q", got1)
	}
	if got := messageGroupIDBucketed("acme", "5511912345678", 0); got == "" {
		t.Fatalf("expected non-empty group id for default buckets")
	}
}

func TestDispatchProducer(t *testing.T) {
	ev := DispatchEvent{
		TenantID: "acme", Instance: "acme-support", To: "5511912345678", Kind: domain.KindText,
		CorrelationID: "conv-1", ProviderMessageID: "BAE5X", SentAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	f := &fakeSQS{}
	p := &DispatchProducer{SQS: f, QueueURL: "https://sqs.local/1/dispatch"}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	in := f.sent[0]
	if in.MessageGroupId != nil || in.MessageDeduplicationId != nil {
		t.Fatalf("standard queue must not carry fifo attributes")
	}
	var got DispatchEvent
	if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.CorrelationID != "conv-1" || got.ProviderMessageID != "BAE5X" || !got.SentAt.Equal(ev.SentAt) {
		t.Fatalf("unexpected body %+v", got)
	}

	f = &fakeSQS{}
	p = &DispatchProducer{SQS: f, QueueURL: "https://sqs.local/1/dispatch.fifo", Buckets: 16}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish fifo: %v", err)
	}
	in = f.sent[0]
	if aws.ToString(in.MessageDeduplicationId) != "BAE5X" {
		t.Fatalf("expected provider message id as dedup id, got %q", aws.ToString(in.MessageDeduplicationId))
	}
	if aws.ToString(in.MessageGroupId) != messageGroupIDBucketed("acme", "5511912345678", 16) {
		t.Fatalf("unexpected group id %q", aws.ToString(in.MessageGroupId))
	}
}

func TestWebhookProducerFIFO(t *testing.T) {
	f := &fakeSQS{}
	p := &WebhookProducer{SQS: f, QueueURL: "https://sqs.local/1/webhooks.fifo"}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	open := domain.ProviderEvent{Instance: "acme-support", Event: domain.EventConnectionUpdate, State: "open", ReceivedAt: at}
	closed := open
	closed.State = "close"
	for _, ev := range []domain.ProviderEvent{open, open, closed} {
		if err := p.Enqueue(context.Background(), ev); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	for _, in := range f.sent {
		if aws.ToString(in.MessageGroupId) != "acme-support" {
			t.Fatalf("expected instance as group id, got %q", aws.ToString(in.MessageGroupId))
		}
	}
	if aws.ToString(f.sent[0].MessageDeduplicationId) != aws.ToString(f.sent[1].MessageDeduplicationId) {
		t.Fatalf("redelivered callback should share a dedup id")
	}
	if aws.ToString(f.sent[0].MessageDeduplicationId) == aws.ToString(f.sent[2].MessageDeduplicationId) {
		t.Fatalf("distinct events should not share a dedup id")
	}
}

func TestWebhookConsumerDeletesOnlyHandled(t *testing.T) {
	ev := domain.ProviderEvent{Instance: "acme-support", Event: domain.EventConnectionUpdate, State: "open"}
	good, _ := json.Marshal(WebhookEvent{ProviderEvent: ev})
	ev.Instance = "failing"
	bad, _ := json.Marshal(WebhookEvent{ProviderEvent: ev})

	f := &fakeSQS{messages: []types.Message{
		{ReceiptHandle: aws.String("r-empty")},
		{ReceiptHandle: aws.String("r-junk"), Body: aws.String("{")},
		{ReceiptHandle: aws.String("r-good"), Body: aws.String(string(good))},
		{ReceiptHandle: aws.String("r-bad"), Body: aws.String(string(bad))},
	}}
	c := &WebhookConsumer{Consumer: Consumer{SQS: f, QueueURL: "https://sqs.local/1/webhooks"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := make(chan string, 4)
	errc := make(chan error, 1)
	go func() {
		errc <- c.PollConcurrent(ctx, 1, func(_ context.Context, ev domain.ProviderEvent) error {
			seen <- ev.Instance
			if ev.Instance == "failing" {
				return context.DeadlineExceeded
			}
			return nil
		})
	}()

	for _, want := range []string{"acme-support", "failing"} {
		select {
		case got := <-seen:
			if got != want {
				t.Fatalf("expected %q, got %q", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("handler not called for %q", want)
		}
	}
	cancel()
	if err := <-errc; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Join(f.deleted, ",") != "r-empty,r-junk,r-good" {
		t.Fatalf("unexpected deletes %v", f.deleted)
	}
}

func TestReceiveBackoff(t *testing.T) {
	cases := map[int]time.Duration{1: 500 * time.Millisecond, 2: time.Second, 4: 4 * time.Second, 6: 10 * time.Second, 50: 10 * time.Second}
	for failures, want := range cases {
		if got := receiveBackoff(failures); got != want {
			t.Fatalf("receiveBackoff(%d) = %v, want %v", failures, got, want)
		}
	}
}
