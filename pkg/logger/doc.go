// Package logger builds log/slog loggers for the billing engine.
//
// New accepts functional options for level, format, output, static
// attributes and context extractors. Extractors run on every record, so
// request-scoped values such as the request id end up on each line without
// passing loggers around:
//
//	log := logger.New(
//		logger.WithEnvironment("production", "billingd"),
//		logger.WithContextExtractors(requestid.LoggerExtractor()),
//	)
//	log.InfoContext(ctx, "payment confirmed", logger.PaymentID(id))
//
// Values under DefaultRedactedKeys (credential fields) are replaced with
// "[redacted]". The attr helpers keep key names consistent across packages.
package logger
