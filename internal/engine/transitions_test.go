package engine_test

import (
	"testing"

	"taskbazaar/internal/domain"
	"taskbazaar/internal/engine"
)

func TestTransitionAllowed(t *testing.T) {
	cases := []struct {
		current, next string
		want          bool
	}{
		{domain.TaskOpen, domain.TaskClaimed, true},
		{domain.TaskOpen, domain.TaskCanceled, true},
		{domain.TaskOpen, domain.TaskDelivered, false},
		{domain.TaskOpen, domain.TaskAccepted, false},
		{domain.TaskClaimed, domain.TaskDelivered, true},
		{domain.TaskClaimed, domain.TaskCanceled, false},
		{domain.TaskClaimed, domain.TaskAccepted, false},
		{domain.TaskDelivered, domain.TaskAccepted, true},
		{domain.TaskDelivered, domain.TaskClaimed, true},
		{domain.TaskDelivered, domain.TaskCanceled, false},
		{domain.TaskAccepted, domain.TaskClaimed, false},
		{domain.TaskAccepted, domain.TaskCanceled, false},
		{domain.TaskCanceled, domain.TaskClaimed, false},
		// Self-transitions are harmless no-ops.
		{domain.TaskOpen, domain.TaskOpen, true},
		{domain.TaskAccepted, domain.TaskAccepted, true},
	}
	for _, c := range cases {
		if got := engine.TransitionAllowed(c.current, c.next); got != c.want {
			t.Errorf("TransitionAllowed(%s, %s) = %v, want %v", c.current, c.next, got, c.want)
		}
	}
}
