package sns

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/sink"
)

type fakePublishAPI struct {
	err   error
	input *sns.PublishInput
}

func (f *fakePublishAPI) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("mid-1")}, nil
}

func mobileToken() *db.DeviceToken {
	return &db.DeviceToken{
		ID:       uuid.New(),
		Token:    "arn:aws:sns:us-east-1:123:endpoint/APNS/app/abc",
		Platform: db.PlatformMobile,
		IsActive: true,
	}
}

func TestPushSender_PublishesToEndpoint(t *testing.T) {
	api := &fakePublishAPI{}
	s := NewPushSenderWithClient(api, zap.NewNop())
	link := "/tasks/1"
	msg := &sink.PushMessage{NotificationID: uuid.New(), Type: db.TypeTaskOverdue, Title: "Overdue", Body: "Fix it", Link: &link}

	if err := s.Send(context.Background(), mobileToken(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if aws.ToString(api.input.TargetArn) != mobileToken().Token {
		t.Errorf("unexpected target %s", aws.ToString(api.input.TargetArn))
	}
	if aws.ToString(api.input.MessageStructure) != "json" {
		t.Error("message structure should be json")
	}

	var envelope map[string]string
	if err := json.Unmarshal([]byte(aws.ToString(api.input.Message)), &envelope); err != nil {
		t.Fatalf("message is not json: %v", err)
	}
	if envelope["default"] != "Overdue" {
		t.Errorf("default = %q", envelope["default"])
	}
	var fcm fcmPayload
	if err := json.Unmarshal([]byte(envelope["GCM"]), &fcm); err != nil {
		t.Fatalf("GCM body is not json: %v", err)
	}
	if fcm.Data["link"] != link || fcm.Data["type"] != db.TypeTaskOverdue {
		t.Errorf("unexpected fcm data %v", fcm.Data)
	}
}

func TestPushSender_InvalidEndpoint(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"disabled", &types.EndpointDisabledException{Message: aws.String("Endpoint is disabled")}},
		{"invalid", &types.InvalidParameterException{Message: aws.String("Invalid parameter: TargetArn")}},
		{"not found", &types.NotFoundException{Message: aws.String("Endpoint does not exist")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewPushSenderWithClient(&fakePublishAPI{err: tt.err}, zap.NewNop())
			err := s.Send(context.Background(), mobileToken(), &sink.PushMessage{})
			if !errors.Is(err, sink.ErrInvalidTarget) {
				t.Fatalf("expected ErrInvalidTarget, got %v", err)
			}
		})
	}
}

func TestPushSender_InvalidMessageKeepsToken(t *testing.T) {
	apiErr := &types.InvalidParameterException{Message: aws.String("Invalid parameter: Message too long")}
	s := NewPushSenderWithClient(&fakePublishAPI{err: apiErr}, zap.NewNop())

	err := s.Send(context.Background(), mobileToken(), &sink.PushMessage{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, sink.ErrInvalidTarget) {
		t.Fatalf("a rejected message body must not mark the endpoint invalid: %v", err)
	}
}

func TestPushSender_TransientError(t *testing.T) {
	s := NewPushSenderWithClient(&fakePublishAPI{err: errors.New("throttled")}, zap.NewNop())
	err := s.Send(context.Background(), mobileToken(), &sink.PushMessage{})
	if err == nil || errors.Is(err, sink.ErrInvalidTarget) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestPushSender_Platform(t *testing.T) {
	s := NewPushSenderWithClient(&fakePublishAPI{}, zap.NewNop())
	if !s.SupportsPlatform(db.PlatformMobile) || s.SupportsPlatform(db.PlatformWeb) {
		t.Error("SNS sender should support mobile only")
	}
	tok := mobileToken()
	tok.Platform = db.PlatformWeb
	if err := s.Send(context.Background(), tok, &sink.PushMessage{}); err == nil {
		t.Error("expected error for non-mobile token")
	}
}
