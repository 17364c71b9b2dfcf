package lifecycle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frahmantamala/member-payments/internal/core/lifecycle"
)

func TestAllowed(t *testing.T) {
	cases := []struct {
		from, to lifecycle.Status
		want     bool
	}{
		{lifecycle.StatusPending, lifecycle.StatusProcessing, true},
		{lifecycle.StatusPending, lifecycle.StatusFailed, true},
		{lifecycle.StatusPending, lifecycle.StatusCanceled, true},
		{lifecycle.StatusPending, lifecycle.StatusSucceeded, false},
		{lifecycle.StatusProcessing, lifecycle.StatusSucceeded, true},
		{lifecycle.StatusProcessing, lifecycle.StatusFailed, true},
		{lifecycle.StatusProcessing, lifecycle.StatusCanceled, true},
		{lifecycle.StatusProcessing, lifecycle.StatusPending, false},
		{lifecycle.StatusSucceeded, lifecycle.StatusRefunded, true},
		{lifecycle.StatusSucceeded, lifecycle.StatusProcessing, false},
		{lifecycle.StatusSucceeded, lifecycle.StatusFailed, false},
		{lifecycle.StatusFailed, lifecycle.StatusSucceeded, false},
		{lifecycle.StatusCanceled, lifecycle.StatusProcessing, false},
		{lifecycle.StatusRefunded, lifecycle.StatusSucceeded, false},
	}

	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.want, lifecycle.Allowed(tc.from, tc.to))
		})
	}
}

func TestAllowedFrom(t *testing.T) {
	assert.ElementsMatch(t,
		[]lifecycle.Status{lifecycle.StatusPending, lifecycle.StatusProcessing},
		lifecycle.AllowedFrom(lifecycle.StatusFailed))
	assert.Equal(t, []lifecycle.Status{lifecycle.StatusProcessing}, lifecycle.AllowedFrom(lifecycle.StatusSucceeded))
	assert.Equal(t, []lifecycle.Status{lifecycle.StatusSucceeded}, lifecycle.AllowedFrom(lifecycle.StatusRefunded))
	assert.Empty(t, lifecycle.AllowedFrom(lifecycle.StatusPending))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, lifecycle.IsTerminal(lifecycle.StatusPending))
	assert.False(t, lifecycle.IsTerminal(lifecycle.StatusProcessing))
	assert.False(t, lifecycle.IsTerminal(lifecycle.StatusSucceeded))
	assert.True(t, lifecycle.IsTerminal(lifecycle.StatusFailed))
	assert.True(t, lifecycle.IsTerminal(lifecycle.StatusCanceled))
	assert.True(t, lifecycle.IsTerminal(lifecycle.StatusRefunded))
}

func TestPath(t *testing.T) {
	t.Run("skipped intermediate", func(t *testing.T) {
		assert.Equal(t,
			[]lifecycle.Status{lifecycle.StatusProcessing, lifecycle.StatusSucceeded},
			lifecycle.Path(lifecycle.StatusPending, lifecycle.StatusSucceeded))
	})

	t.Run("pending to refunded", func(t *testing.T) {
		assert.Equal(t,
			[]lifecycle.Status{lifecycle.StatusProcessing, lifecycle.StatusSucceeded, lifecycle.StatusRefunded},
			lifecycle.Path(lifecycle.StatusPending, lifecycle.StatusRefunded))
	})

	t.Run("single step", func(t *testing.T) {
		assert.Equal(t,
			[]lifecycle.Status{lifecycle.StatusFailed},
			lifecycle.Path(lifecycle.StatusProcessing, lifecycle.StatusFailed))
	})

	t.Run("backwards is unreachable", func(t *testing.T) {
		assert.Nil(t, lifecycle.Path(lifecycle.StatusSucceeded, lifecycle.StatusProcessing))
		assert.Nil(t, lifecycle.Path(lifecycle.StatusFailed, lifecycle.StatusSucceeded))
	})

	t.Run("same state", func(t *testing.T) {
		assert.Nil(t, lifecycle.Path(lifecycle.StatusPending, lifecycle.StatusPending))
	})
}

func TestUserFacing(t *testing.T) {
	assert.Equal(t, "processing", lifecycle.UserFacing(lifecycle.StatusPending))
	assert.Equal(t, "processing", lifecycle.UserFacing(lifecycle.StatusProcessing))
	assert.Equal(t, "succeeded", lifecycle.UserFacing(lifecycle.StatusSucceeded))
	assert.Equal(t, "failed", lifecycle.UserFacing(lifecycle.StatusFailed))
	assert.Equal(t, "canceled", lifecycle.UserFacing(lifecycle.StatusCanceled))
}

func TestParse(t *testing.T) {
	for raw, want := range map[string]lifecycle.Status{
		"SUCCEEDED":                     lifecycle.StatusSucceeded,
		"succeeded":                     lifecycle.StatusSucceeded,
		" Processing ":                  lifecycle.StatusProcessing,
		"payment_intent.succeeded":      lifecycle.StatusSucceeded,
		"payment_intent.payment_failed": lifecycle.StatusFailed,
		"cancelled":                     lifecycle.StatusCanceled,
		"charge.refunded":               lifecycle.StatusRefunded,
	} {
		got, err := lifecycle.Parse(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := lifecycle.Parse("payment_intent.exploded")
	assert.Error(t, err)
}
