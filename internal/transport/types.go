package transport

import (
	"encoding/json"
	"fmt"
)

// Envelope is one inbound event from the signal daemon: a message, a
// typing notification, or a delivery receipt.
type Envelope struct {
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceName   string `json:"sourceName"`
	SourceDevice int    `json:"sourceDevice"`
	Timestamp    int64  `json:"timestamp"`

	DataMessage    *DataMessage    `json:"dataMessage,omitempty"`
	TypingMessage  *TypingMessage  `json:"typingMessage,omitempty"`
	ReceiptMessage *ReceiptMessage `json:"receiptMessage,omitempty"`
}

// Sender returns the stable id of the sending account.
func (e *Envelope) Sender() string {
	if e.SourceNumber != "" {
		return e.SourceNumber
	}
	return e.Source
}

// MessageTimestamp is the id a read receipt for this envelope should
// reference. The data message carries the authoritative value; older
// daemons only fill the envelope-level one.
func (e *Envelope) MessageTimestamp() int64 {
	if e.DataMessage != nil && e.DataMessage.Timestamp != 0 {
		return e.DataMessage.Timestamp
	}
	return e.Timestamp
}

// DataMessage is the text payload of an envelope.
type DataMessage struct {
	Timestamp   int64        `json:"timestamp"`
	Message     string       `json:"message"`
	GroupInfo   *GroupInfo   `json:"groupInfo,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// GroupInfo marks a message as group traffic.
type GroupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

// Attachment describes media attached to a message. The daemon stores
// the payload; only metadata travels in the envelope.
type Attachment struct {
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
	ID          string `json:"id"`
	Size        int64  `json:"size"`
}

// TypingMessage is a typing start/stop notification.
type TypingMessage struct {
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

// ReceiptMessage is a delivery or read receipt.
type ReceiptMessage struct {
	When       int64   `json:"when"`
	IsDelivery bool    `json:"isDelivery"`
	IsRead     bool    `json:"isRead"`
	Timestamps []int64 `json:"timestamps"`
}

// rpcRequest is a JSON-RPC 2.0 request to the daemon.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// receiveNotification is the native signal-cli receive frame: a
// JSON-RPC notification with the envelope in params.
type receiveNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Envelope *Envelope `json:"envelope"`
		Account  string    `json:"account"`
	} `json:"params"`
}

// receiveFrame is the bare wrapper some REST-style daemons push over
// their receive socket.
type receiveFrame struct {
	Envelope *Envelope `json:"envelope"`
	Account  string    `json:"account"`
}

// sendResult is the daemon's answer to a send call. The timestamp is
// the message's stable id: edits and receipts reference it.
type sendResult struct {
	Timestamp int64 `json:"timestamp"`
}

type versionResult struct {
	Version string `json:"version"`
}

// linkResult is the answer to startLink: a provisioning URI to render
// as a QR code for the primary device to scan.
type linkResult struct {
	DeviceLinkURI string `json:"deviceLinkUri"`
}
