// Package httpserver runs the billing HTTP API with graceful shutdown.
//
// Background jobs, such as the subscription sweep, run as workers that
// start and stop with the server:
//
//	srv := httpserver.New(cfg,
//		httpserver.WithLogger(log),
//		httpserver.WithWorker("sweep", httpserver.Every(time.Minute, log, sweep)),
//	)
//	if err := srv.Run(ctx, router); err != nil {
//		log.Error("server failed", logger.Error(err))
//	}
package httpserver
