package email

import (
	"context"
	"strings"
	"testing"

	"payrail/internal/platform/config"
)

func TestBuildMessageJoinsRecipientsAndStripsHeaderBreaks(t *testing.T) {
	msg := string(buildMessage("payrail@example.com", "ops@example.com, ,treasury@example.com", "transfer\r\nBcc: x", "body"))
	if !strings.Contains(msg, "To: ops@example.com, treasury@example.com\r\n") {
		t.Fatalf("unexpected recipients header: %q", msg)
	}
	if strings.Contains(msg, "\r\nBcc:") {
		t.Fatalf("subject injected a header: %q", msg)
	}
	if !strings.HasSuffix(msg, "\r\n\r\nbody") {
		t.Fatalf("expected body after blank line: %q", msg)
	}
}

func TestNewWithoutSMTPDropsMessages(t *testing.T) {
	mailer := New(config.Config{AlertTo: "ops@example.com"})
	if err := mailer.Send(context.Background(), "a@example.com", "ops@example.com", "s", "b"); err != nil {
		t.Fatalf("expected noop send, got %v", err)
	}
	if _, ok := New(config.Config{SMTPHost: "smtp.example.com"}).(noopMailer); !ok {
		t.Fatalf("expected noop mailer without a recipient")
	}
}
