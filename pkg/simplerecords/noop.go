package simplerecords

import "context"

// NoopEventSink is a no-operation implementation of EventSink
// Useful when nothing is listening, and for testing
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

// RecordCreated does nothing and returns nil
func (n *NoopEventSink) RecordCreated(ctx context.Context, record *Record) error {
	return nil
}

// BlockStaged does nothing and returns nil
func (n *NoopEventSink) BlockStaged(ctx context.Context, block *StagedBlock) error {
	return nil
}

// BlobCommitted does nothing and returns nil
func (n *NoopEventSink) BlobCommitted(ctx context.Context, record *Record, blocks int) error {
	return nil
}

// BackendFailed does nothing and returns nil
func (n *NoopEventSink) BackendFailed(ctx context.Context, op string, err error) error {
	return nil
}
