package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type mockSQS struct {
	last *sqs.SendMessageInput
	err  error
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.last = in
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{MessageId: awsString("msg-1")}, nil
}

func TestPublisherSend(t *testing.T) {
	m := &mockSQS{}
	p := NewPublisher(m, "https://sqs.local/queue")

	id, err := p.Send(context.Background(), `{"orderId":"o1"}`, map[string]string{"topic": "order.created", "empty": ""})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "msg-1" {
		t.Fatalf("expected msg-1, got %s", id)
	}
	if *m.last.QueueUrl != "https://sqs.local/queue" || *m.last.MessageBody != `{"orderId":"o1"}` {
		t.Fatalf("unexpected input: %+v", m.last)
	}
	if len(m.last.MessageAttributes) != 1 {
		t.Fatalf("empty attributes must be skipped, got %v", m.last.MessageAttributes)
	}
	if v := m.last.MessageAttributes["topic"]; *v.StringValue != "order.created" || *v.DataType != "String" {
		t.Fatalf("unexpected attribute: %+v", v)
	}
}

func TestPublisherSendError(t *testing.T) {
	boom := errors.New("boom")
	p := NewPublisher(&mockSQS{err: boom}, "q")
	if _, err := p.Send(context.Background(), "{}", nil); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
