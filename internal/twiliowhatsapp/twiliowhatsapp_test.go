package twiliowhatsapp

import (
	"context"
	"testing"
)

func TestMockClientSendText(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	sid, err := mock.SendText(ctx, "15550001234", "Hello Test")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if sid == "" {
		t.Error("expected a message sid")
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}
	sent := mock.SentMessages[0]
	if sent.To != "15550001234" || sent.Body != "Hello Test" {
		t.Errorf("recorded send = %+v", sent)
	}
	if sent.MediaURL != "" {
		t.Errorf("text send recorded media URL %q", sent.MediaURL)
	}
}

func TestMockClientSendMedia(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	sid1, err := mock.SendMedia(ctx, "15550001234", "A photo", "https://cdn.example.com/photo.jpg")
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	sid2, err := mock.SendText(ctx, "15550001234", "follow-up")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if sid1 == sid2 {
		t.Errorf("expected distinct sids, got %q twice", sid1)
	}

	if len(mock.SentMessages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].MediaURL != "https://cdn.example.com/photo.jpg" {
		t.Errorf("media URL = %q", mock.SentMessages[0].MediaURL)
	}
	if mock.SentMessages[0].Body != "A photo" {
		t.Errorf("caption = %q", mock.SentMessages[0].Body)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without a from number")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromWhats("whatsapp:+15550009999")); err != nil {
		t.Errorf("NewClient with full options: %v", err)
	}
}
