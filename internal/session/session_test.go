package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMentalState(t *testing.T) {
	tests := []struct {
		in   string
		want MentalState
	}{
		{"MILD", StateMild},
		{"mild", StateMild},
		{"LEVE", StateMild},
		{"CONSIDERAVEL", StateConsiderable},
		{"Considerable", StateConsiderable},
		{"GRAVE", StateSevere},
		{" severe ", StateSevere},
		{"ESTÁVEL", StateStable},
		{"ESTAVEL", StateStable},
		{"stable", StateStable},
		{"", StateUnknown},
		{"CRITICAL", StateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseMentalState(tt.in))
		})
	}
}

func TestOutcomeClassification(t *testing.T) {
	assert.True(t, StateMild.Positive())
	assert.True(t, StateStable.Positive())
	assert.False(t, StateSevere.Positive())
	assert.True(t, StateSevere.Negative())
	assert.True(t, StateConsiderable.Negative())
	assert.False(t, StateUnknown.Positive())
	assert.False(t, StateUnknown.Negative())
}

func TestScoreUsesBandMidpoints(t *testing.T) {
	tests := []struct {
		state MentalState
		lo    float64
		hi    float64
	}{
		{StateMild, 0, 30},
		{StateConsiderable, 30, 50},
		{StateSevere, 50, 70},
		{StateStable, 0, 25},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			got := Score(Record{MentalState: tt.state})
			assert.GreaterOrEqual(t, got, tt.lo)
			assert.Less(t, got, tt.hi)
			// Repeated calls must agree.
			assert.Equal(t, got, Score(Record{MentalState: tt.state}))
		})
	}
}

func TestScorePrefersStoredValue(t *testing.T) {
	v := 7.5
	r := Record{MentalState: StateSevere, Score: &v}
	assert.Equal(t, 7.5, Score(r))
}

func TestRecordAt(t *testing.T) {
	assert.True(t, Record{}.At().IsZero())
}
