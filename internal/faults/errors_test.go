package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSurfacedKinds(t *testing.T) {
	assert.True(t, StageFailure("esg", "").Surfaced())
	assert.True(t, PersistenceFailure(errors.New("disk full")).Surfaced())
	assert.False(t, PollTransient(errors.New("timeout")).Surfaced())
	assert.False(t, NormalizationGap("esg", "scores.social", "absent").Surfaced())
}

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("merge pestel: %w", PersistenceFailure(base))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindPersistenceFailure, kind)
	assert.ErrorIs(t, err, base)

	_, ok = KindOf(base)
	assert.False(t, ok)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "stage_failure [market]: quota exceeded", StageFailure("market", "quota exceeded").Error())
	assert.Equal(t, "poll_transient: status poll failed: eof", PollTransient(errors.New("eof")).Error())
}
