package transport

// MetricsReporter abstracts the metrics backend consumed by the redundant
// sessions and the presentation layer. The production implementation lives in
// the metrics package; the default is the no-op reporter so that the hot path
// never checks for nil.
type MetricsReporter interface {
	// RecordTransferAccepted is called when a deduplicator accepts a
	// transfer for delivery.
	RecordTransferAccepted(ds DataSpecifier)

	// RecordDuplicateDropped is called when a deduplicator rejects a
	// transfer as a redundant duplicate.
	RecordDuplicateDropped(ds DataSpecifier)

	// RecordSendSuccess is called when an outgoing transfer is handed off
	// to at least one media layer in time.
	RecordSendSuccess(ds DataSpecifier)

	// RecordSendTimeout is called when an outgoing transfer missed its
	// deadline on every path.
	RecordSendTimeout(ds DataSpecifier)

	// RecordSendError is called when an outgoing transfer failed with a
	// transport error on every path.
	RecordSendError(ds DataSpecifier)

	// RecordDeserializationFailure is called when a received transfer could
	// not be deserialized into its DSDL type.
	RecordDeserializationFailure(ds DataSpecifier)

	// RecordUnexpectedResponse is called when a service response matched no
	// pending request.
	RecordUnexpectedResponse(ds DataSpecifier)

	// RegisterPort / UnregisterPort track the number of live presentation
	// port implementations per kind ("publisher", "subscriber", ...).
	RegisterPort(kind string)
	UnregisterPort(kind string)
}

// NopMetrics is the no-op MetricsReporter.
type NopMetrics struct{}

func (NopMetrics) RecordTransferAccepted(DataSpecifier)       {}
func (NopMetrics) RecordDuplicateDropped(DataSpecifier)       {}
func (NopMetrics) RecordSendSuccess(DataSpecifier)            {}
func (NopMetrics) RecordSendTimeout(DataSpecifier)            {}
func (NopMetrics) RecordSendError(DataSpecifier)              {}
func (NopMetrics) RecordDeserializationFailure(DataSpecifier) {}
func (NopMetrics) RecordUnexpectedResponse(DataSpecifier)     {}
func (NopMetrics) RegisterPort(string)                        {}
func (NopMetrics) UnregisterPort(string)                      {}
