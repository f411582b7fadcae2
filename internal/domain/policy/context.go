package policy

import "context"

// outcomeKey is the context key type for a policy outcome.
type outcomeKey struct{}

// WithOutcome stores a policy Outcome in the context so downstream stages
// of the MCP Interceptor pipeline (the approval gate, the timeline writer)
// can access the decision made by the Policy Engine without recomputing
// it.
func WithOutcome(ctx context.Context, o *Outcome) context.Context {
	return context.WithValue(ctx, outcomeKey{}, o)
}

// OutcomeFromContext retrieves a policy Outcome from the context, or nil
// if none is stored.
func OutcomeFromContext(ctx context.Context) *Outcome {
	o, _ := ctx.Value(outcomeKey{}).(*Outcome)
	return o
}
