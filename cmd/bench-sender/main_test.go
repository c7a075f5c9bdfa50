package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirebench/wirebench-go/internal/dataset"
)

func TestBuildBatchWrapsTargets(t *testing.T) {
	records := []dataset.Record{
		{MessageID: "a", Target: 0},
		{MessageID: "b", Target: 4},
		{MessageID: "c", Target: 7},
	}

	msgs, err := buildBatch(records, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, 0, msgs[0].Target)
	assert.Equal(t, 1, msgs[1].Target)
	assert.Equal(t, 1, msgs[2].Target)
}

func TestBuildBatchRejectsEmptyFleet(t *testing.T) {
	records := []dataset.Record{{MessageID: "a", Target: 0}}

	for _, n := range []int{0, -1} {
		_, err := buildBatch(records, n)
		assert.Error(t, err, "fleet size %d", n)
	}
}
