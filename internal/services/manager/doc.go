// Package manager is the orchestrator of the reminder pipeline. It
// consumes lifecycle hooks from the task-management collaborator,
// runs the policy engine, persists reminder jobs, registers timers,
// and records delivery outcomes. It also owns token and settings
// management, startup reconciliation and the periodic maintenance
// (retention sweep, daily summary).
//
// Boundary contract: no raw internal error crosses these methods;
// failures are logged and reported as boolean/count results so a
// broken notification path never blocks a task operation.
package manager
