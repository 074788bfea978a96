package protocol

import (
	"testing"
	"time"
)

func TestMsgTypeNames(t *testing.T) {
	for _, mt := range []MsgType{MsgTypeRequest, MsgTypeReply, MsgTypeRaw} {
		if got := ParseMsgType(mt.String()); got != mt {
			t.Errorf("ParseMsgType(%q) = %v, want %v", mt.String(), got, mt)
		}
	}
	if ParseMsgType("") != MsgTypeUnknown {
		t.Error("empty type should parse as unknown")
	}
	if ParseMsgType("application/x-foo") != MsgTypeUnknown {
		t.Error("foreign type should parse as unknown")
	}
	if MsgTypeUnknown.String() != "" {
		t.Errorf("unknown type should have an empty name, got %q", MsgTypeUnknown.String())
	}
}

func TestRequestHeader(t *testing.T) {
	h := RequestHeader("c1", "reply-foo", "application/json")
	if h.MsgType != MsgTypeRequest {
		t.Fatalf("expect request type, got %v", h.MsgType)
	}
	if err := h.CanReply(); err != nil {
		t.Fatalf("request header should be answerable: %v", err)
	}

	if err := (Header{CorrelationID: "c1"}).CanReply(); err == nil {
		t.Fatal("expect error without reply_to")
	}
	if err := (Header{ReplyTo: "q"}).CanReply(); err == nil {
		t.Fatal("expect error without correlation_id")
	}
}

func TestReplyHeader(t *testing.T) {
	h := ReplyHeader("c1", "application/json")
	if h.MsgType != MsgTypeReply || h.CorrelationID != "c1" || h.ReplyTo != "" {
		t.Fatalf("unexpected reply header: %+v", h)
	}
}

func TestQueueNaming(t *testing.T) {
	if got := ReplyQueueName("foo"); got != "reply-foo" {
		t.Fatalf("ReplyQueueName(foo) = %q", got)
	}
}

func TestQueueOptions(t *testing.T) {
	shared := SharedReplyQueue(20 * time.Second)
	if !shared.Durable || shared.Exclusive || shared.MessageTTL != 20*time.Second {
		t.Fatalf("unexpected shared reply queue options: %+v", shared)
	}
	excl := ExclusiveReplyQueue(time.Second)
	if !excl.Exclusive || !excl.AutoDelete || excl.Durable {
		t.Fatalf("unexpected exclusive reply queue options: %+v", excl)
	}
	if TTLMillis(20*time.Second) != 20000 {
		t.Fatalf("TTLMillis(20s) = %d", TTLMillis(20*time.Second))
	}
}
