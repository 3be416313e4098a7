// Package turnctx mints and propagates turn identifiers.
//
// Every user utterance — typed, spoken, or fired by the scheduler — becomes
// exactly one turn. The id is minted at the pipeline entry and rides the
// context.Context through every layer so audit entries, log lines, and
// persisted rows correlate.
package turnctx

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"
)

// Missing is what ID returns for a context that carries no turn id.
// Log lines and audit rows use it verbatim rather than an empty string.
const Missing = "-"

type ctxKey struct{}

// New mints a turn id of the form "turn_" + 12 hex chars.
func New() string {
	u := uuid.New()
	return "turn_" + hex.EncodeToString(u[:6])
}

// With returns a child context carrying id. Nested scopes restore the outer
// id naturally when the child context goes out of scope.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// ID returns the turn id carried by ctx, or Missing when there is none.
func ID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return Missing
}
