// Package policy checks plans against Rego policies before they run.
//
// Each policy is a Rego module with a deny set. An entry is either a
// message string or an object with message, and optionally play, task and
// severity. Entries with error or critical severity deny the plan; the
// rest are warnings.
//
// Built-in policies:
//
//   - task-naming: task names are unique within a play
//   - shell-idempotence: shell tasks declare creates, removes or when
//   - destructive-commands: process kills and filesystem wipes are flagged
//   - literal-secrets: secret-looking params and vars reference the vault
//   - retry-bounds: retry counts and delays stay bounded
//
// Extra policies are loaded from .rego files (severity warning) or .json
// files holding a Policy. Loader.Watch reloads them when files change:
//
//	eng, _ := policy.NewEngine(logger)
//	_ = eng.LoadPolicies(ctx, []string{"policies/"})
//	_ = policy.NewLoader(logger).Watch(ctx, []string{"policies/"}, func(ps []policy.Policy) error {
//		return eng.SetPolicies(ctx, ps)
//	})
//
// The input document is {"plan": <plan>, "check_mode": bool,
// "operation": "run"|"check"}.
package policy
