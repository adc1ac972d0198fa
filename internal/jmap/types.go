// Package jmap delivers routed messages into JMAP mailboxes. The JMAP API is
// reached through an IAM-authenticated gateway, so every API call is signed
// with SigV4. Raw messages are uploaded with Blob/allocate and a presigned
// PUT, then filed with Email/import.
package jmap

import (
	"encoding/json"
	"fmt"
)

// JMAP capabilities used by the deliverer.
const (
	CapabilityCore      = "urn:ietf:params:jmap:core"
	CapabilityMail      = "urn:ietf:params:jmap:mail"
	CapabilityUploadPut = "https://jmap.rrod.net/extensions/upload-put"
)

// messageType is the media type of every uploaded blob.
const messageType = "message/rfc822"

// invocation is a JMAP method call or response: a three element array of
// name, arguments and call id.
type invocation struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

func (i invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{i.Name, i.Args, i.CallID})
}

func (i *invocation) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("invocation has %d elements, want 3", len(parts))
	}
	if err := json.Unmarshal(parts[0], &i.Name); err != nil {
		return fmt.Errorf("invocation name: %w", err)
	}
	i.Args = parts[1]
	if err := json.Unmarshal(parts[2], &i.CallID); err != nil {
		return fmt.Errorf("invocation call id: %w", err)
	}
	return nil
}

type request struct {
	Using       []string     `json:"using"`
	MethodCalls []invocation `json:"methodCalls"`
}

type response struct {
	MethodResponses []invocation `json:"methodResponses"`
	SessionState    string       `json:"sessionState,omitempty"`
}

// SetError is a per-object failure from a JMAP /set style method.
type SetError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (e *SetError) Error() string {
	if e.Description == "" {
		return e.Type
	}
	return e.Type + ": " + e.Description
}

// MethodError is a JMAP method-level error response.
type MethodError struct {
	Method      string
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (e *MethodError) Error() string {
	msg := fmt.Sprintf("%s error: %s", e.Method, e.Type)
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

type allocateArgs struct {
	AccountID string                  `json:"accountId"`
	Create    map[string]blobCreation `json:"create"`
}

type blobCreation struct {
	Type string `json:"type"`
	Size int64  `json:"size"`
}

type allocateResult struct {
	Created    map[string]Blob      `json:"created"`
	NotCreated map[string]*SetError `json:"notCreated"`
}

// Blob is an allocated upload slot.
type Blob struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type importArgs struct {
	AccountID string                 `json:"accountId"`
	Emails    map[string]emailImport `json:"emails"`
}

type emailImport struct {
	BlobID     string          `json:"blobId"`
	MailboxIDs map[string]bool `json:"mailboxIds"`
	ReceivedAt string          `json:"receivedAt"`
}

type importResult struct {
	Created    map[string]importedEmail `json:"created"`
	NotCreated map[string]*SetError     `json:"notCreated"`
}

type importedEmail struct {
	ID       string `json:"id"`
	BlobID   string `json:"blobId,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}
