package events

import "context"

// Indexer is satisfied by *client.ESClient.
type Indexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ESSink indexes closed-session summaries for search. Scans are not indexed.
type ESSink struct {
	es    Indexer
	index string
}

func NewESSink(es Indexer, index string) *ESSink {
	return &ESSink{es: es, index: index}
}

func (e *ESSink) Name() string { return "elasticsearch" }

func (e *ESSink) PublishScan(context.Context, ScanRecord) error { return nil }

func (e *ESSink) PublishSessionClosed(ctx context.Context, doc SessionDocument) error {
	return e.es.IndexDocument(ctx, e.index, doc.SessionID, doc)
}
