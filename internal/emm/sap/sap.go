// Package sap is the EMM-SAP dispatcher of spec.md §4.5 (component C5): a
// single primitive-tagged entry point that couples the attach state
// machine to observability (structured logs, metrics, the optional audit
// sink) as each EMMREG/EMMAS/ESM primitive fires. The EMMAS/ESM downcalls
// themselves are issued directly from internal/emm/attach against the
// AccessLayer/ESM collaborators (spec.md §5: "all access is serialized by
// the per-context lock"); this package is where every such primitive is
// recorded, generalizing the teacher's `notifySubscribers` fan-out table
// (nf/nrf/internal/repository/repository.go) into a primitive-family switch.
package sap

import (
	"context"

	"github.com/your-org/lte-mme/internal/emm/nas"
	"github.com/your-org/lte-mme/internal/esm"
	"go.uber.org/zap"
)

// EMMREGPrimitive tags the EMMREG primitive family of spec.md §4.5.
type EMMREGPrimitive int

const (
	AttachCnf EMMREGPrimitive = iota
	AttachRej
	AttachAbort
	CommonProcAbort
)

func (p EMMREGPrimitive) String() string {
	switch p {
	case AttachCnf:
		return "EMMREG_ATTACH_CNF"
	case AttachRej:
		return "EMMREG_ATTACH_REJ"
	case AttachAbort:
		return "EMMREG_ATTACH_ABORT"
	case CommonProcAbort:
		return "EMMREG_COMMON_PROC_ABORT"
	default:
		return "EMMREG_UNKNOWN"
	}
}

// EMMASPrimitive tags the EMMAS primitive family of spec.md §4.5.
type EMMASPrimitive int

const (
	EstablishCnf EMMASPrimitive = iota
	EstablishRej
)

func (p EMMASPrimitive) String() string {
	if p == EstablishCnf {
		return "EMMAS_ESTABLISH_CNF"
	}
	return "EMMAS_ESTABLISH_REJ"
}

// Sink receives every primitive the dispatcher observes. Implementations
// hook metrics, audit, or both; the dispatcher calls every registered Sink
// in order.
type Sink interface {
	OnEMMREG(ctx context.Context, p EMMREGPrimitive, contextKey string, cause *nas.EMMCause)
	OnEMMAS(ctx context.Context, p EMMASPrimitive, ranID uint32)
	OnESM(ctx context.Context, p esm.Primitive, contextKey string, result esm.Result)
}

// Dispatcher is the C5 entry point. Attach (C4) calls its Record* methods
// at every primitive boundary named in spec.md §4.5's table; Dispatcher
// fans each one out to zero or more Sinks (metrics, audit) without
// involving C4 in what observability does with it.
type Dispatcher struct {
	logger *zap.Logger
	sinks  []Sink
}

// New builds a Dispatcher. logger must not be nil; pass zap.NewNop() for
// tests that don't care about log output.
func New(logger *zap.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{logger: logger, sinks: sinks}
}

// RecordEMMREG fans out an EMMREG primitive — attach accept/reject/abort
// confirmation, or a common-procedure abort.
func (d *Dispatcher) RecordEMMREG(ctx context.Context, p EMMREGPrimitive, contextKey string, cause *nas.EMMCause) {
	fields := []zap.Field{zap.String("primitive", p.String()), zap.String("context", contextKey)}
	if cause != nil {
		fields = append(fields, zap.Uint8("cause", uint8(*cause)))
	}
	d.logger.Info("emmreg primitive", fields...)
	for _, s := range d.sinks {
		s.OnEMMREG(ctx, p, contextKey, cause)
	}
}

// RecordEMMAS fans out an EMMAS primitive — the downcall to the access
// layer to send ATTACH ACCEPT/REJECT.
func (d *Dispatcher) RecordEMMAS(ctx context.Context, p EMMASPrimitive, ranID uint32) {
	d.logger.Debug("emmas primitive", zap.String("primitive", p.String()), zap.Uint32("ran_id", ranID))
	for _, s := range d.sinks {
		s.OnEMMAS(ctx, p, ranID)
	}
}

// RecordESM fans out an ESM primitive and its outcome.
func (d *Dispatcher) RecordESM(ctx context.Context, p esm.Primitive, contextKey string, result esm.Result) {
	d.logger.Debug("esm primitive", zap.String("primitive", p.String()), zap.String("context", contextKey), zap.Int("result", int(result)))
	for _, s := range d.sinks {
		s.OnESM(ctx, p, contextKey, result)
	}
}
