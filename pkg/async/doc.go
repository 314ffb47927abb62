// Package async runs background tasks with panic recovery.
//
// SafeGo is used instead of a bare go statement for the long-running
// helpers of the service, such as the policy file watcher and the
// reconciler's archive job. A panicking task is logged
// with its stack and does not take the process down.
//
//	done := async.SafeGo(ctx, logger, 0, "policy watcher", func(ctx context.Context) error {
//		return config.WatchPolicy(ctx, path, validator, logger)
//	})
//	cancel()
//	<-done
package async
