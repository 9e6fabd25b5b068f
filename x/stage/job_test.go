package stage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidSegSizeBoundaries(t *testing.T) {
	require.False(t, ValidSegSize(MinSegSize-1))
	require.True(t, ValidSegSize(MinSegSize))
	require.True(t, ValidSegSize(MaxSegSize))
	require.False(t, ValidSegSize(MaxSegSize+1))
}

func TestJobMarshalRoundTrip(t *testing.T) {
	job := NewJob("p1", "/base", "/base/elf", "/base/segment", "/base/prove", "/base/aggregate",
		"/base/final", "/base/input_stream/public_input", "", "/base/output_stream/output_stream", "",
		42, MinSegSize, false, false, "", "", "deadbeef")
	job.Status = StatusSuccess
	job.Step = StepEnd
	job.Result = []byte("PROOF")
	job.TotalSteps = 4

	data, err := job.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalJob(data)
	require.NoError(t, err)
	require.Equal(t, job, got)
}

func TestJobPathHelpers(t *testing.T) {
	job := NewJob("p1", "/base", "/base/elf", "/base/segment", "/base/prove", "/base/aggregate",
		"/base/final", "", "", "", "", 0, MinSegSize, false, false, "", "", "addr")
	require.Equal(t, "/base/segment/2", job.SegmentPath(2))
	require.Equal(t, "/base/prove/receipt/2", job.ProveReceiptPath(2))
}

func TestStatusTerminal(t *testing.T) {
	require.False(t, StatusComputing.Terminal())
	require.True(t, StatusSuccess.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusInvalidParameter.Terminal())
}
