package whatsapp

import (
	"context"
	"testing"
)

func TestSendMessageRequiresClient(t *testing.T) {
	c := &Client{}
	if err := c.SendMessage(context.Background(), "+5511", "oi"); err == nil {
		t.Error("expected error for uninitialized client")
	}
}

func TestMockClientRecords(t *testing.T) {
	m := NewMockClient()
	m.SendMessage(context.Background(), "+5511", "oi")
	if len(m.Sent) != 1 || m.Sent[0] != "+5511: oi" {
		t.Errorf("unexpected sent: %v", m.Sent)
	}
}
