// Package service ties the orchestration core together.
//
// A Service owns one slot.Manager sized by limits.max_concurrent, one
// executor.Executor and a pipeline.Engine resolving skills from the command
// catalog of the configuration.
//
// Every call holds exactly one slot while it runs:
//
//	Run          acquire -> executor.Execute -> release
//	RunPipeline  acquire -> pipeline.Execute (steps run sequentially) -> release
//	Batch        RunPipeline for many pipelines, bounded by the slot count
//
// An acquire which does not succeed within limits.acquire_timeout fails with
// ErrBusy, callers may retry. Structural errors (unknown skill, invalid
// parameters, too many steps) are returned before a slot is requested.
//
// Shutdown kills every process started by the service without waiting for
// it to finish.
//
// Scheduler runs a named pipeline periodically on a cron expression or an
// ISO8601 duration.
package service
