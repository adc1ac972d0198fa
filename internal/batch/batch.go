// Package batch models the queue batches handed to the router and workers
// and the partial-failure response they return.
package batch

import (
	"context"
	"log/slog"
	"strconv"
)

// Attribute is a queue message attribute.
type Attribute struct {
	DataType    string `json:"dataType"`
	StringValue string `json:"stringValue"`
}

// Record is one queue message.
type Record struct {
	MessageID         string               `json:"messageId"`
	Body              string               `json:"body"`
	MessageAttributes map[string]Attribute `json:"messageAttributes,omitempty"`
}

// Attribute returns the string value of attribute name, or "".
func (r Record) Attribute(name string) string {
	return r.MessageAttributes[name].StringValue
}

// IntAttribute returns attribute name as an int, or 0 when absent or not a
// number.
func (r Record) IntAttribute(name string) int {
	n, err := strconv.Atoi(r.Attribute(name))
	if err != nil {
		return 0
	}
	return n
}

// Event is a batch of records.
type Event struct {
	Records []Record `json:"Records"`
}

// ItemFailure identifies a record the transport should redeliver.
type ItemFailure struct {
	ItemIdentifier string `json:"itemIdentifier"`
}

// Response lists only the records that genuinely failed.
type Response struct {
	BatchItemFailures []ItemFailure `json:"batchItemFailures"`
}

// Failed returns the failed record ids.
func (r Response) Failed() []string {
	ids := make([]string, 0, len(r.BatchItemFailures))
	for _, f := range r.BatchItemFailures {
		ids = append(ids, f.ItemIdentifier)
	}
	return ids
}

// HandlerFunc processes one record. A non-nil error marks the record failed.
type HandlerFunc func(ctx context.Context, rec Record) error

// Process runs fn over records in order and collects failures. worker names
// the caller in logs.
func Process(ctx context.Context, worker string, records []Record, fn HandlerFunc) Response {
	resp := Response{BatchItemFailures: make([]ItemFailure, 0)}

	for _, rec := range records {
		if err := fn(ctx, rec); err != nil {
			slog.Error("record failed",
				"worker", worker,
				"record_id", rec.MessageID,
				"error", err,
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, ItemFailure{ItemIdentifier: rec.MessageID})
			continue
		}
		slog.Debug("record processed", "worker", worker, "record_id", rec.MessageID)
	}

	slog.Info("batch processed",
		"worker", worker,
		"records", len(records),
		"failed", len(resp.BatchItemFailures),
	)
	return resp
}
