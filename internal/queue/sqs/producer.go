package sqsqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"wahub/internal/domain"
)

const defaultGroupBuckets = 1024

// DispatchEvent tells the chat subsystem that an outbound message was accepted
// by the provider, keyed by the caller's correlation id.
type DispatchEvent struct {
	TenantID          string             `json:"tenantId"`
	Instance          string             `json:"instance"`
	To                string             `json:"to"`
	Kind              domain.MessageKind `json:"kind"`
	CorrelationID     string             `json:"correlationId,omitempty"`
	ProviderMessageID string             `json:"providerMessageId"`
	Status            string             `json:"status,omitempty"`
	SentAt            time.Time          `json:"sentAt"`
}

type DispatchProducer struct {
	SQS      API
	QueueURL string
	Buckets  int
}

func (p *DispatchProducer) Publish(ctx context.Context, ev DispatchEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if isFIFO(p.QueueURL) {
		// FIFO ordering per recipient, spread over a bounded number of groups
		in.MessageGroupId = str(messageGroupIDBucketed(ev.TenantID, ev.To, p.Buckets))
		in.MessageDeduplicationId = str(ev.ProviderMessageID)
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

func messageGroupIDBucketed(tenantID, to string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(to))
	return fmt.Sprintf("%s:%d", tenantID, h.Sum32()%uint32(buckets))
}

func dedupID(ev domain.ProviderEvent) string {
	sum := sha256.Sum256([]byte(ev.Instance + "|" + ev.Event + "|" + ev.State + "|" + ev.QRCode + "|" + ev.ReceivedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}
