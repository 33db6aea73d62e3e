package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type stubSQS struct {
	receiveInput *sqs.ReceiveMessageInput
	messages     []types.Message
	receiveErr   error
	deleted      []string
}

func (s *stubSQS) ReceiveMessage(_ context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	s.receiveInput = params
	if s.receiveErr != nil {
		return nil, s.receiveErr
	}
	return &sqs.ReceiveMessageOutput{Messages: s.messages}, nil
}

func (s *stubSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	s.deleted = append(s.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSReceiveClampsParameters(t *testing.T) {
	stub := &stubSQS{
		messages: []types.Message{{
			MessageId:     aws.String("m-1"),
			Body:          aws.String(`{"job_id":"job-42"}`),
			ReceiptHandle: aws.String("r-1"),
		}},
	}
	q := newSQSWithClient(stub, SQSConfig{QueueURL: "https://sqs.us-east-1.amazonaws.com/123/templates", VisibilityTimeout: 90 * time.Second})

	got, err := q.Receive(context.Background(), 50, time.Minute)
	if err != nil {
		t.Fatalf("Receive returned error: %v", err)
	}
	if stub.receiveInput.MaxNumberOfMessages != 10 {
		t.Fatalf("MaxNumberOfMessages = %d, want 10", stub.receiveInput.MaxNumberOfMessages)
	}
	if stub.receiveInput.WaitTimeSeconds != 20 {
		t.Fatalf("WaitTimeSeconds = %d, want 20", stub.receiveInput.WaitTimeSeconds)
	}
	if stub.receiveInput.VisibilityTimeout != 90 {
		t.Fatalf("VisibilityTimeout = %d, want 90", stub.receiveInput.VisibilityTimeout)
	}
	if len(got) != 1 || got[0].ID != "m-1" || got[0].Receipt != "r-1" || string(got[0].Body) != `{"job_id":"job-42"}` {
		t.Fatalf("unexpected messages: %+v", got)
	}
}

func TestSQSReceiveError(t *testing.T) {
	boom := errors.New("throttled")
	q := newSQSWithClient(&stubSQS{receiveErr: boom}, SQSConfig{QueueURL: "https://example"})
	if _, err := q.Receive(context.Background(), 1, 0); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestSQSDelete(t *testing.T) {
	stub := &stubSQS{}
	q := newSQSWithClient(stub, SQSConfig{QueueURL: "https://example"})
	if err := q.Delete(context.Background(), "r-9"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if len(stub.deleted) != 1 || stub.deleted[0] != "r-9" {
		t.Fatalf("unexpected deletes: %v", stub.deleted)
	}
}

func TestNewSQSRequiresURL(t *testing.T) {
	if _, err := NewSQS(context.Background(), SQSConfig{}); err == nil {
		t.Fatal("expected error for empty queue url")
	}
}
