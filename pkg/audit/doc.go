// Package audit emits billing audit events.
//
// The engine never stores the audit trail itself: an Emitter builds Event
// values and hands them to a Sink owned by the surrounding application.
// SlogSink ships events through the log pipeline and MemorySink records them
// for tests.
//
//	em := audit.NewEmitter(audit.NewSlogSink(log))
//	_ = em.Log(ctx, audit.ActionPaymentStatus,
//		audit.WithResource("payment", id.String()),
//		audit.WithMetadata("to", "paid"),
//	)
package audit
