// Package resource implements the Controller for engine-wide budgets.
//
// The Controller manages three resource types:
//
//   - Memory: bytes held by run pools (non-blocking, fail-fast)
//   - Workers: goroutines fanned out by the per-slot passes
//   - IO: bytes written or read by snapshot transfers (token bucket)
//
// # Memory Management
//
// Run pools charge the controller when they allocate new runs or grow a
// run's backing array. AcquireMemory never blocks; a pool that cannot charge
// its growth raises a capacity fault:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 1 << 30, // 1GB of run storage
//	})
//
// # Worker Limits
//
// Tally, collection, uniquing and re-segmentation run under the exclusive
// engine lock and bound their fan-out over slots with Workers. Reproduction
// workers run concurrently with each other, so each holds one slot of the
// shared semaphore while it runs:
//
//	if err := rc.AcquireWorker(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseWorker()
//
// # IO Rate Limiting
//
//	writer := resource.NewRateLimitedWriter(ctx, file, rc)
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully; they become no-ops.
package resource
