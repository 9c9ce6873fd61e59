package engine

// BuildEnv assembles the names visible to a task's guard and parameter
// templates. Scope variables shadow flat facts. The full fact map is
// also available as "facts", prior outcomes on the host as
// "results[task name]", and registered outcomes under their register
// name.
func BuildEnv(scope *Scope, facts *Facts, prior []Outcome) map[string]any {
	env := make(map[string]any)

	factMap := facts.Map()
	for k, v := range factMap {
		env[k] = v
	}
	if scope != nil {
		for k, v := range scope.Flatten() {
			env[k] = v
		}
	}
	env["facts"] = factMap

	results := make(map[string]any, len(prior))
	for _, o := range prior {
		view := outcomeView(o)
		results[o.TaskName] = view
		if o.Register != "" {
			env[o.Register] = view
		}
	}
	env["results"] = results

	return env
}

// outcomeView is what guards see of a recorded outcome.
func outcomeView(o Outcome) map[string]any {
	return map[string]any{
		"status":    string(o.Status),
		"changed":   o.Status == OutcomeChanged,
		"unchanged": o.Status == OutcomeUnchanged,
		"skipped":   o.Status == OutcomeSkipped,
		"failed":    o.Status == OutcomeFailed,
		"ignored":   o.Ignored,
		"rc":        o.RC,
		"stdout":    o.Stdout,
		"message":   o.Message,
	}
}

// reservedNames are always defined in a task environment.
var reservedNames = []string{"facts", "results"}
