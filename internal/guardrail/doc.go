// Package guardrail decides whether a proposed operation may run.
//
// A Guardrail is built once from a Policy and shared by every running plan.
// For each OperationGuard it:
//
//   - assesses risk as the maximum of the operation type's baseline, every
//     matching DangerousPattern, secrets found in written content, and the
//     operation's reversibility
//   - decides approved, blocked or needs_confirmation, with blocked_commands
//     overriding every allow-list
//   - asks a Confirmer and treats a missing answer as a block
//   - plans a rollback before the operation runs
//
// DryRun follows the same path without confirming or dispatching anything.
package guardrail
