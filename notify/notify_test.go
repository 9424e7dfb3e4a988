package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/regflow"
	"github.com/MrEthical07/regflow/ledger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func completed() regflow.Registration {
	return regflow.Registration{
		ID:               "reg-1",
		Identity:         "stu25000123@college.edu",
		State:            ledger.StatePaymentSuccess,
		OrderReference:   "ORD-1",
		PaymentReference: "PAY-9",
		Profile:          map[string]string{"name": "Asha"},
		UpdatedAt:        time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC),
	}
}

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func newCapturingMailer(err error) (*Mailer, *[]sentMail) {
	var sent []sentMail
	m := NewMailer(MailerConfig{Host: "smtp.example.edu", Port: "587", From: "events@example.edu"})
	m.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
		return err
	}
	return m, &sent
}

func TestMailerSendCode(t *testing.T) {
	m, sent := newCapturingMailer(nil)

	err := m.SendCode(context.Background(), "stu25000123@college.edu", "482913", time.Now().Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	got := (*sent)[0]
	assert.Equal(t, "smtp.example.edu:587", got.addr)
	assert.Equal(t, []string{"stu25000123@college.edu"}, got.to)
	assert.Contains(t, got.msg, "Subject: Your verification code\r\n")
	assert.Contains(t, got.msg, "482913")
	assert.Contains(t, got.msg, "5 minutes")
}

func TestMailerNotifyRegistered(t *testing.T) {
	m, sent := newCapturingMailer(nil)

	require.NoError(t, m.NotifyRegistered(context.Background(), completed()))
	require.Len(t, *sent, 1)
	assert.Contains(t, (*sent)[0].msg, "PAY-9")
	assert.Contains(t, (*sent)[0].msg, "Name: Asha")
}

func TestMailerErrors(t *testing.T) {
	m, _ := newCapturingMailer(errors.New("421 try later"))
	err := m.SendCode(context.Background(), "a@x.edu", "123456", time.Now().Add(time.Minute))
	assert.ErrorContains(t, err, "421 try later")

	m, sent := newCapturingMailer(nil)
	err = m.SendCode(context.Background(), "a@x.edu\r\nBcc: b@x.edu", "123456", time.Now().Add(time.Minute))
	assert.Error(t, err)
	assert.Empty(t, *sent)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.SendCode(ctx, "a@x.edu", "123456", time.Now()), context.Canceled)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sns.PublishOutput)
	return out, args.Error(1)
}

func TestSNSNotifierPublishes(t *testing.T) {
	pub := new(mockPublisher)
	n := NewSNSNotifier(pub, "arn:aws:sns:ap-south-1:000000000000:registrations")

	pub.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		var msg registeredMessage
		if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &msg); err != nil {
			return false
		}
		return aws.ToString(in.TopicArn) == "arn:aws:sns:ap-south-1:000000000000:registrations" &&
			msg.PaymentReference == "PAY-9" && msg.Identity == "stu25000123@college.edu"
	})).Return(&sns.PublishOutput{MessageId: aws.String("m-1")}, nil).Once()

	require.NoError(t, n.NotifyRegistered(context.Background(), completed()))
	pub.AssertExpectations(t)
}

func TestSNSNotifierError(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	err := NewSNSNotifier(pub, "arn").NotifyRegistered(context.Background(), completed())
	assert.ErrorContains(t, err, "throttled")
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(zerolog.New(&buf))

	require.NoError(t, s.SendCode(context.Background(), "a@x.edu", "482913", time.Now()))
	require.NoError(t, s.NotifyRegistered(context.Background(), completed()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"code":"482913"`)
	assert.Contains(t, lines[1], `"payment_reference":"PAY-9"`)
}

type recordingNotifier struct {
	calls int
	err   error
}

func (r *recordingNotifier) NotifyRegistered(context.Context, regflow.Registration) error {
	r.calls++
	return r.err
}

func TestNotifiersAttemptsAll(t *testing.T) {
	first := &recordingNotifier{err: errors.New("smtp down")}
	second := &recordingNotifier{}

	err := Notifiers{first, nil, second}.NotifyRegistered(context.Background(), completed())
	assert.ErrorContains(t, err, "smtp down")
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)

	assert.NoError(t, Notifiers{second}.NotifyRegistered(context.Background(), completed()))
}
