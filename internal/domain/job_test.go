package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTransitionsOnlyMoveForward(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		allowed  bool
	}{
		{JobStatusPending, JobStatusRunning, true},
		{JobStatusPending, JobStatusCancelled, true},
		{JobStatusPending, JobStatusSucceeded, false},
		{JobStatusRunning, JobStatusSucceeded, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusCancelled, true},
		{JobStatusRunning, JobStatusPending, false},
		{JobStatusSucceeded, JobStatusFailed, false},
		{JobStatusFailed, JobStatusRunning, false},
		{JobStatusCancelled, JobStatusPending, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.allowed, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", DomainOf("https://www.Example.com:8443/a?b=c"))
	assert.Equal(t, "blog.example.com", DomainOf("http://blog.example.com/post"))
	assert.Equal(t, "", DomainOf("::not a url"))
}

func TestTerminalEventTypes(t *testing.T) {
	assert.True(t, EventEnd.Terminal())
	assert.True(t, EventError.Terminal())
	assert.False(t, EventCard.Terminal())
	assert.False(t, EventSynthesis.Terminal())
}
