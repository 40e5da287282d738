package metrics

import (
	"context"

	"github.com/your-org/lte-mme/internal/emm/nas"
	"github.com/your-org/lte-mme/internal/emm/sap"
	"github.com/your-org/lte-mme/internal/esm"
)

// Sink adapts the EMM-SAP dispatcher (internal/emm/sap) onto the
// mme_attach_attempts_total and mme_t3450_exhaustions_total counters; EMMAS
// and ESM primitives update no metric. It implements sap.Sink.
type Sink struct{}

// NewSink builds a metrics sink for sap.Dispatcher.
func NewSink() Sink { return Sink{} }

func (Sink) OnEMMREG(_ context.Context, p sap.EMMREGPrimitive, _ string, _ *nas.EMMCause) {
	switch p {
	case sap.AttachCnf:
		RecordAttachAttempt("accepted")
	case sap.AttachRej:
		RecordAttachAttempt("rejected")
	case sap.AttachAbort:
		RecordAttachAttempt("aborted")
		RecordT3450Exhaustion()
	case sap.CommonProcAbort:
		// Counted via the specific common-procedure outcome instead.
	}
}

func (Sink) OnEMMAS(_ context.Context, _ sap.EMMASPrimitive, _ uint32) {}

func (Sink) OnESM(_ context.Context, _ esm.Primitive, _ string, _ esm.Result) {}

var _ sap.Sink = Sink{}
