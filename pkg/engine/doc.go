// Package engine provides the deployment pipeline and its core types.
//
// # Overview
//
// A deployment runs seven stages in a fixed order against one deployment
// directory:
//
//  1. pre_commands - shell commands in the source directory
//  2. backup - timestamped snapshot of the current deployment
//  3. sync - mirror (or link) the source into the deployment directory
//  4. provision - isolated runtime (virtualenv) in the deployment directory
//  5. launch - start the entry point detached from the caller
//  6. post_commands - shell commands in the deployment directory
//  7. restart_service - restart a system service
//
// Stages that have nothing to do are reported as skipped. The first failing
// stage stops the run; nothing is rolled back, so files already synchronized
// stay in place.
//
// # State machine
//
// A run moves through one State per active stage and ends in
// StateSucceeded or StateFailed. Result.FailedStage names the stage that
// failed.
//
// # Errors
//
// Every failure is a *DeployError carrying an ErrorClass, the failing
// stage, and for external tools the exit code and captured stderr:
//
//	res := pipeline.Run(ctx, req)
//	if !res.Succeeded() {
//	    if engine.IsMissingEntryPoint(res.Err) {
//	        // ...
//	    }
//	    log.Error().Str("class", string(engine.ClassOf(res.Err))).Msg(res.Message())
//	}
//
// # Stages
//
// The stage implementations are injected through StageSet, one interface
// per stage, so tests can substitute fakes. Progress goes to a Reporter,
// history to an optional Recorder, and each stage gets a trace span and
// metrics when a Tracer and Metrics are configured.
package engine
