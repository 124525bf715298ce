// Package policy contains the pure decision logic that reconciles the
// model's self-reported turn decisions against deterministic matching.
package policy

import (
	"strings"

	"github.com/tutorpipe/tutorpipe/internal/models"
)

// ReconcileAdvancement decides whether the conversation should advance to
// the next step. When the step defines expected-response alternatives, a
// case-insensitive substring match of any alternative in the user text
// forces advancement; the model's signal is OR-ed in, so deterministic
// matching can grant an advance the model declined but never block one the
// model granted. Without alternatives the model's signal is authoritative.
func ReconcileAdvancement(step *models.Step, userText string, modelShouldAdvance bool) bool {
	if step == nil {
		return modelShouldAdvance
	}
	alternatives := step.ExpectedAlternatives()
	if len(alternatives) == 0 {
		return modelShouldAdvance
	}
	text := strings.ToLower(strings.TrimSpace(userText))
	for _, alt := range alternatives {
		if strings.Contains(text, alt) {
			return true
		}
	}
	return modelShouldAdvance
}

// ResolveActivityChange reports whether the gateway requested a switch to a
// different activity. A target equal to the current activity, or an empty
// target, is not a change.
func ResolveActivityChange(conv models.Conversation, target string) (string, bool) {
	target = strings.TrimSpace(target)
	if target == "" || target == conv.ActivityID {
		return "", false
	}
	return target, true
}
