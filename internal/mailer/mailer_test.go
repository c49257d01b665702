package mailer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
)

type fakeTransport struct {
	from, to, subject, htmlBody string
	calls                       int
	messageID                   string
	err                         error
}

func (t *fakeTransport) Send(ctx context.Context, from, to, subject, htmlBody string) (string, error) {
	t.calls++
	t.from, t.to, t.subject, t.htmlBody = from, to, subject, htmlBody
	if t.err != nil {
		return "", t.err
	}
	return t.messageID, nil
}

func TestService_SendRendersBeforeDispatch(t *testing.T) {
	transport := &fakeTransport{messageID: "msg-1"}
	svc := NewService(transport, zap.NewNop())

	messageID, err := svc.Send(context.Background(), Message{
		From:    "hello@example.com",
		To:      "reader@example.com",
		Subject: "Launch",
		Body:    "# Big news",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if messageID != "msg-1" {
		t.Errorf("expected transport message id, got %q", messageID)
	}
	if transport.to != "reader@example.com" || transport.subject != "Launch" {
		t.Errorf("unexpected transport call: %+v", transport)
	}
	if !strings.Contains(transport.htmlBody, "<h1") {
		t.Error("expected markdown rendered to html before dispatch")
	}
	if !strings.HasPrefix(transport.htmlBody, "<!DOCTYPE html>") {
		t.Error("expected full document handed to transport")
	}
}

func TestService_SendPropagatesTransportError(t *testing.T) {
	transport := &fakeTransport{err: errors.New("connection refused")}
	svc := NewService(transport, zap.NewNop())

	_, err := svc.Send(context.Background(), Message{
		From:    "hello@example.com",
		To:      "reader@example.com",
		Subject: "Launch",
		Body:    "body",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "reader@example.com") {
		t.Errorf("expected recipient in error, got %v", err)
	}
	if transport.calls != 1 {
		t.Errorf("expected no retry at the mailer layer, got %d calls", transport.calls)
	}
}
