// Package async provides panic-safe goroutines for background work.
//
// Every goroutine started outside a request (daemon loops, cron jobs,
// supervisor monitors) goes through SafeGo so that a panic is logged with
// its stack instead of crashing the worker.
package async
