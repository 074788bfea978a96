// Package protocol defines the broker message metadata used by the RPC layer and the
// naming of the queues it talks to.
//
// A request is published on the default exchange to the queue named after the command.
// Its properties carry everything the server needs to answer:
//
//	client ──publish(queue="foo", type=rpc.request, correlation_id=c1, reply_to=R)──► foo
//	server ──publish(queue=R,     type=rpc.reply,   correlation_id=c1)───────────────► R
//
// R is either the client's exclusive reply queue or the shared "reply-foo" queue.
// Raw messages (type=raw) carry a bare JSON payload and are never answered.
package protocol

import (
	"fmt"
	"time"
)

// MsgType distinguishes requests, replies and raw payloads. It travels in the AMQP
// "type" property.
type MsgType byte

const (
	MsgTypeUnknown MsgType = iota
	MsgTypeRequest         // Client → command queue, expects a reply
	MsgTypeReply           // Server → reply queue
	MsgTypeRaw             // Fire-and-forget JSON payload
)

var msgTypeNames = map[MsgType]string{
	MsgTypeRequest: "rpc.request",
	MsgTypeReply:   "rpc.reply",
	MsgTypeRaw:     "raw",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return ""
}

// ParseMsgType maps an AMQP type property back to a MsgType. Unknown or empty values,
// sent by peers that do not set the property, give MsgTypeUnknown.
func ParseMsgType(s string) MsgType {
	for t, name := range msgTypeNames {
		if name == s {
			return t
		}
	}
	return MsgTypeUnknown
}

const (
	// ReplyQueuePrefix prefixes the shared per-command reply queue.
	ReplyQueuePrefix = "reply-"
	// MessageTTLArg is the queue argument limiting how long a reply waits to be consumed.
	MessageTTLArg = "x-message-ttl"
)

// Header is the subset of AMQP message properties the RPC layer reads and writes.
type Header struct {
	MsgType       MsgType
	ContentType   string
	CorrelationID string // Opaque id linking a reply to its request (UUID v4)
	ReplyTo       string // Queue the reply must be published to
}

// RequestHeader builds the header of a command request.
func RequestHeader(correlationID, replyTo, contentType string) Header {
	return Header{
		MsgType:       MsgTypeRequest,
		ContentType:   contentType,
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
	}
}

// ReplyHeader builds the header of a reply to the request with the given correlation id.
func ReplyHeader(correlationID, contentType string) Header {
	return Header{
		MsgType:       MsgTypeReply,
		ContentType:   contentType,
		CorrelationID: correlationID,
	}
}

// RawHeader builds the header of a fire-and-forget payload.
func RawHeader(contentType string) Header {
	return Header{MsgType: MsgTypeRaw, ContentType: contentType}
}

// CanReply reports whether a request carries enough metadata to be answered.
func (h Header) CanReply() error {
	if h.ReplyTo == "" {
		return fmt.Errorf("request has no reply_to")
	}
	if h.CorrelationID == "" {
		return fmt.Errorf("request has no correlation_id")
	}
	return nil
}

// ReplyQueueName returns the shared reply queue of a command, e.g. "reply-foo".
func ReplyQueueName(command string) string {
	return ReplyQueuePrefix + command
}

// QueueOptions are the declaration flags of a queue.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	MessageTTL time.Duration // 0 leaves messages without expiry
}

// CommandQueue is how command and raw queues are declared by both sides. Client and
// server must agree or the broker rejects the second declaration.
func CommandQueue() QueueOptions {
	return QueueOptions{Durable: true}
}

// SharedReplyQueue is the declaration of a "reply-<command>" queue.
func SharedReplyQueue(ttl time.Duration) QueueOptions {
	return QueueOptions{Durable: true, MessageTTL: ttl}
}

// ExclusiveReplyQueue is the declaration of a client's private reply queue.
func ExclusiveReplyQueue(ttl time.Duration) QueueOptions {
	return QueueOptions{Exclusive: true, AutoDelete: true, MessageTTL: ttl}
}

// TTLMillis converts a TTL to the integer milliseconds expected by the broker.
func TTLMillis(ttl time.Duration) int64 {
	return ttl.Milliseconds()
}
