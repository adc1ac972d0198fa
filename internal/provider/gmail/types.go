// Package gmail imports raw messages into a Gmail mailbox through the Gmail
// REST API.
package gmail

import "encoding/base64"

// DefaultLabels are applied to every imported message.
var DefaultLabels = []string{"INBOX", "UNREAD"}

// importRequest is the request body for users.messages.import.
type importRequest struct {
	Raw      string   `json:"raw"`
	LabelIDs []string `json:"labelIds,omitempty"`
}

// importResponse is the subset of the created message returned by import.
type importResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// apiErrorResponse is the Google API error envelope.
type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// buildImportRequest encodes the raw RFC 5322 bytes as base64url.
func buildImportRequest(raw []byte, labels []string) importRequest {
	return importRequest{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		LabelIDs: labels,
	}
}
