package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Components built without telemetry pass a nil instance around; every
// exported method has to tolerate that.
func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry

	require.NotPanics(t, func() {
		tel.RecordHTTPRequest("GET", "/api/jobs", "2xx", time.Second)
		tel.IncrementHTTPInFlight()
		tel.DecrementHTTPInFlight()
		tel.RecordJob("finished", time.Second)
		tel.IncrementActiveJobs()
		tel.DecrementActiveJobs()
		tel.RecordToolInvocation("download", "error")
		tel.RecordArtifactBytes(1024)
		tel.RecordDBOperation("record_job", "success", time.Millisecond)

		require.Nil(t, tel.Tracer())
		require.NotNil(t, tel.Handler())
		require.NoError(t, tel.Shutdown(context.Background()))
	})
}

func TestNilTelemetryInstrumentationRunsFn(t *testing.T) {
	var tel *Telemetry

	ran := 0
	fn := func(ctx context.Context) error {
		ran++

		return nil
	}

	require.NoError(t, tel.InstrumentOperation(context.Background(), "op", "comp", fn))
	require.NoError(t, tel.InstrumentDBOperation(context.Background(), "op", fn))
	require.NoError(t, tel.InstrumentToolOperation(context.Background(), "op", fn))
	require.NoError(t, tel.InstrumentJob(context.Background(), fn))
	require.Equal(t, 4, ran)

	wantErr := errors.New("boom")
	err := tel.InstrumentJob(context.Background(), func(ctx context.Context) error { return wantErr })
	require.ErrorIs(t, err, wantErr)
}

func TestDisabledTelemetryIsSafe(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	require.NotPanics(t, func() {
		tel.RecordHTTPRequest("GET", "/healthz", "2xx", time.Millisecond)
		tel.RecordArtifactBytes(42)
		tel.RecordJob("error", time.Second)
	})
}
