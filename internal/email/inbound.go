package email

import (
	"strings"
	"time"
)

// Verdict statuses reported by the SES receipt.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusGray = "GRAY"
)

// Verdicts is the security verdict bundle attached to an inbound message.
type Verdicts struct {
	Spam        string
	Virus       string
	DKIM        string
	SPF         string
	DMARC       string
	DMARCPolicy string
}

// Header is a single name/value header pair.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered header list with case-insensitive lookup.
type Headers []Header

// Get returns the value of the first header matching name, ignoring case.
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// ObjectRef locates the raw stored message.
type ObjectRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// IsZero reports whether the reference points nowhere.
func (r ObjectRef) IsZero() bool {
	return r.Bucket == "" || r.Key == ""
}

// String renders the reference as an s3 URI.
func (r ObjectRef) String() string {
	return "s3://" + r.Bucket + "/" + r.Key
}

// InboundMessage is one received email as seen by the router. It lives for a
// single processing attempt.
type InboundMessage struct {
	ID         string
	Source     string
	Subject    string
	Timestamp  time.Time
	Recipients []string
	Headers    Headers
	Verdicts   Verdicts
	Object     ObjectRef
}
