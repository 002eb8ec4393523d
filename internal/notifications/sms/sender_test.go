package sms

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	"github.com/bissquit/queueline/internal/domain"
	"github.com/bissquit/queueline/internal/notifications"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	inputs []*sns.PublishInput
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSender_Send_Success(t *testing.T) {
	client := &mockPublisher{}
	sender := NewSenderWithClient(Config{Enabled: true, SenderID: "Queueline", RateLimit: 1000}, client)

	err := sender.Send(context.Background(), notifications.Notification{
		To:   "+4915112345678",
		Body: "You joined Barber",
	})
	require.NoError(t, err)
	require.Len(t, client.inputs, 1)

	input := client.inputs[0]
	assert.Equal(t, "+4915112345678", aws.ToString(input.PhoneNumber))
	assert.Equal(t, "You joined Barber", aws.ToString(input.Message))
	assert.Equal(t, "Queueline", aws.ToString(input.MessageAttributes[attrSenderID].StringValue))
	assert.Equal(t, "Transactional", aws.ToString(input.MessageAttributes[attrSMSType].StringValue))
}

func TestSender_Send_NoSenderID(t *testing.T) {
	client := &mockPublisher{}
	sender := NewSenderWithClient(Config{Enabled: true, RateLimit: 1000}, client)

	require.NoError(t, sender.Send(context.Background(), notifications.Notification{To: "+15551234567", Body: "hi"}))

	_, ok := client.inputs[0].MessageAttributes[attrSenderID]
	assert.False(t, ok)
}

func TestSender_Send_ErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantOutcome notifications.Outcome
	}{
		{
			name:        "invalid parameter",
			err:         &smithy.GenericAPIError{Code: "InvalidParameter", Fault: smithy.FaultClient},
			wantOutcome: notifications.OutcomePermanent,
		},
		{
			name:        "opted out",
			err:         &smithy.GenericAPIError{Code: "OptedOut", Fault: smithy.FaultClient},
			wantOutcome: notifications.OutcomePermanent,
		},
		{
			name:        "throttled",
			err:         &smithy.GenericAPIError{Code: "Throttling", Fault: smithy.FaultClient},
			wantOutcome: notifications.OutcomeRetryable,
		},
		{
			name:        "server fault",
			err:         &smithy.GenericAPIError{Code: "Whatever", Fault: smithy.FaultServer},
			wantOutcome: notifications.OutcomeRetryable,
		},
		{
			name:        "network error",
			err:         errors.New("dial tcp: connection refused"),
			wantOutcome: notifications.OutcomeRetryable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := NewSenderWithClient(Config{Enabled: true, RateLimit: 1000}, &mockPublisher{err: tt.err})

			err := sender.Send(context.Background(), notifications.Notification{To: "+15551234567", Body: "hi"})
			require.Error(t, err)
			assert.Equal(t, tt.wantOutcome, notifications.Classify(err))
		})
	}
}

func TestSender_Send_EmptyNumber(t *testing.T) {
	client := &mockPublisher{}
	sender := NewSenderWithClient(Config{Enabled: true}, client)

	err := sender.Send(context.Background(), notifications.Notification{Body: "hi"})
	assert.Equal(t, notifications.OutcomePermanent, notifications.Classify(err))
	assert.Empty(t, client.inputs)
}

func TestSender_Send_Disabled(t *testing.T) {
	client := &mockPublisher{}
	sender := NewSenderWithClient(Config{}, client)

	assert.NoError(t, sender.Send(context.Background(), notifications.Notification{To: "+15551234567", Body: "hi"}))
	assert.Empty(t, client.inputs)
	assert.Equal(t, domain.ChannelTypeSMS, sender.Type())
}
