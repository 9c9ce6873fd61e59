// Package engine runs declarative provisioning plans against an inventory
// of hosts.
//
// # Overview
//
// A Plan is an ordered list of plays. Each play selects hosts from the
// Inventory and lists tasks. A task declares the desired state of one
// resource; the engine checks the host and only acts when the host
// differs. Running the same plan twice against a converged host records
// no changes.
//
// A run moves through these steps for each host:
//
//  1. Compile - CompilePlan parses guards and checks that every name they
//     read is declared
//  2. Connect - a Connector opens a transport to the host
//  3. Facts - the FactStore gathers facts once per host and caches them
//  4. Execute - the Executor evaluates the guard, checks, and applies
//  5. Record - outcomes go to the RunReport and every Observer
//
// # Concurrency
//
// Hosts run in parallel, bounded by RunnerConfig.MaxParallel. Plays and
// tasks for a single host run strictly in order. A fatal outcome stops
// its host; other hosts carry on.
//
// # Guards
//
// Guards are expr-language boolean expressions:
//
//	when: os_family == "Debian" && !("nginx" in packages)
//	when: results["install nginx"].changed
//	when: web_pkg.status == "changed"
//
// A guard sees variables in scope, facts (flat and under "facts"), and
// outcomes recorded earlier on the same host (under "results" and under
// each task's register name).
//
// # Errors
//
// Failures are classified by ErrorKind. CheckFailed, HostUnreachable and
// GuardEvaluation failures halt the host whatever the task's failure
// policy says; ActionFailed honours failure_policy: ignore.
//
//	if engine.IsKind(err, engine.ErrorKindHostUnreachable) {
//	    // the host was never reached
//	}
//
// # Secrets
//
// Values passed in RunnerConfig.Secrets are available as vault.<name> and
// are replaced with [REDACTED] in every message, diff and output that
// leaves the executor.
package engine
