package alerting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "ChatLink/internal/errors"
)

type fakeEmailSender struct {
	subject string
	content string
	to      []string
	err     error
}

func (s *fakeEmailSender) Send(ctx context.Context, subject, content string, to []string) error {
	s.subject, s.content, s.to = subject, content, to
	return s.err
}

type fakeDingTalkSender struct {
	content string
}

func (s *fakeDingTalkSender) Send(ctx context.Context, content string) error {
	s.content = content
	return nil
}

func sampleEvent() Event {
	return Event{
		Code:       "RECOVERY_REFRESH_EXHAUSTED",
		Message:    "session refresh attempts exhausted",
		Severity:   xerrors.SeverityCritical,
		Reason:     "network_restored",
		AttemptID:  "attempt-1",
		Stage:      "refresh_session",
		Metadata:   map[string]string{"max_attempts": "3"},
		OccurredAt: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
}

func TestFanoutDeliversToAllChannels(t *testing.T) {
	email := &fakeEmailSender{}
	ding := &fakeDingTalkSender{}
	dispatcher := NewFanout(
		&EmailNotifier{Sender: email, To: []string{"ops@example.com"}, SubjectPrefix: "[chatlink]"},
		&DingTalkNotifier{Sender: ding},
	)

	if err := dispatcher.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("分发失败: %v", err)
	}
	if !strings.Contains(email.subject, "RECOVERY_REFRESH_EXHAUSTED") {
		t.Errorf("邮件主题缺少错误码: %q", email.subject)
	}
	if !strings.Contains(email.content, "attempt-1") || !strings.Contains(email.content, "refresh_session") {
		t.Errorf("邮件正文缺少尝试信息: %q", email.content)
	}
	if !strings.Contains(ding.content, "network_restored") {
		t.Errorf("钉钉消息缺少触发原因: %q", ding.content)
	}
}

func TestFanoutCollectsChannelErrors(t *testing.T) {
	email := &fakeEmailSender{err: errors.New("smtp down")}
	dispatcher := NewFanout(&EmailNotifier{Sender: email, To: []string{"ops@example.com"}})

	err := dispatcher.Notify(context.Background(), sampleEvent())
	if err == nil || !strings.Contains(err.Error(), "smtp down") {
		t.Fatalf("应上报渠道错误, got %v", err)
	}
}

func TestMisconfiguredNotifierIsSkipped(t *testing.T) {
	dispatcher := NewFanout(&EmailNotifier{}, &SlackNotifier{})
	if err := dispatcher.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("未配置的通知器应跳过而非报错: %v", err)
	}
}
