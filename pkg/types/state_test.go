package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/rapport/pkg/types"
)

func TestStageOrder(t *testing.T) {
	for i, s := range types.Stages {
		assert.Equal(t, i, s.Index(), "stage %s", s)
		assert.True(t, s.Valid())
	}
	assert.Equal(t, -1, types.Stage("bogus").Index())
}

func TestStageNext(t *testing.T) {
	next, ok := types.StageDiscovery.Next()
	require.True(t, ok)
	assert.Equal(t, types.StageRapport, next)

	_, ok = types.StagePostConfirmation.Next()
	assert.False(t, ok, "post_confirmation is terminal")
	assert.True(t, types.StagePostConfirmation.Terminal())

	_, ok = types.Stage("bogus").Next()
	assert.False(t, ok)
}

func TestIsValidStageTransition(t *testing.T) {
	tests := []struct {
		from, to types.Stage
		want     bool
	}{
		{types.StageDiscovery, types.StageRapport, true},
		{types.StageRapport, types.StageLogisticsCandidate, true},
		{types.StageConfirmation, types.StagePostConfirmation, true},
		{types.StageDiscovery, types.StageProposal, false},
		{types.StageRapport, types.StageDiscovery, false},
		{types.StagePostConfirmation, types.StageDiscovery, false},
		{types.StageRapport, types.StageRapport, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, types.IsValidStageTransition(tt.from, tt.to))
		})
	}
}

func TestParseStage(t *testing.T) {
	s, err := types.ParseStage("")
	require.NoError(t, err)
	assert.Equal(t, types.StageDiscovery, s)

	s, err = types.ParseStage("negotiation")
	require.NoError(t, err)
	assert.Equal(t, types.StageNegotiation, s)

	_, err = types.ParseStage("dating")
	assert.Error(t, err)
}

func TestAnnotationHelpers(t *testing.T) {
	excited := types.SentimentExcited
	a := types.Annotation{
		Intents:   []types.Intent{types.IntentSharingInfo, types.IntentQuestion},
		Sentiment: &excited,
	}

	assert.True(t, a.HasIntent(types.IntentQuestion))
	assert.False(t, a.HasIntent(types.IntentRefusal))
	assert.True(t, a.SentimentIs(types.SentimentExcited))
	assert.False(t, types.Annotation{}.SentimentIs(types.SentimentExcited))
}

func TestContactCurrentStage(t *testing.T) {
	c := &types.Contact{}
	assert.Equal(t, types.StageDiscovery, c.CurrentStage())
	c.Stage = types.StageProposal
	assert.Equal(t, types.StageProposal, c.CurrentStage())
}
