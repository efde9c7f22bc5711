// Package health samples the state of the host the application runs on.
//
// A Sampler takes a Sample from a Probe on a cron schedule, stores it as a
// core_health_sample row and mirrors it into Prometheus gauges. The latest
// sample is what the health-check endpoint reports.
package health
