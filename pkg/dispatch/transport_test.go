package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/geo"
)

func transportCommand() Command {
	return Command{
		CommandID:  "cmd_42",
		ActuatorID: "dr_pd_07",
		Type:       CmdGoto,
		Priority:   PriorityHigh,
		Params: CommandParams{
			Target:    &geo.Point{Lat: 26.7, Lon: -80.05},
			AltitudeM: 60,
			SpeedMps:  12,
		},
		Deadline: time.Date(2026, 3, 14, 10, 5, 0, 0, time.UTC),
	}
}

func TestHTTPTransportSendsWireCommand(t *testing.T) {
	var got wireCommand
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/actuators/dr_pd_07/commands", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(wireResult{Status: "completed"})
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "vendor-token", 100, 10)
	require.NoError(t, tr.Send(context.Background(), transportCommand()))

	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, "Bearer vendor-token", header.Get("Authorization"))
	assert.Equal(t, "cmd_42", got.CommandID)
	assert.Equal(t, CmdGoto, got.Type)
	assert.Equal(t, PriorityHigh, got.Priority)
	require.NotNil(t, got.Deadline)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 5, 0, 0, time.UTC), got.Deadline.UTC())
	require.NotNil(t, got.Parameters.Target)
	assert.InDelta(t, 26.7, got.Parameters.Target.Lat, 1e-9)
}

func TestHTTPTransportOmitsAuthAndDeadlineWhenUnset(t *testing.T) {
	var got wireCommand
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(wireResult{Status: "acknowledged"})
	}))
	defer srv.Close()

	cmd := transportCommand()
	cmd.Deadline = time.Time{}
	tr := NewHTTPTransport(srv.URL, "", 100, 10)
	require.NoError(t, tr.Send(context.Background(), cmd))

	assert.Empty(t, header.Get("Authorization"))
	assert.Nil(t, got.Deadline)
}

func TestHTTPTransportMapsVendorOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   fault.Kind
	}{
		{"bad credentials", http.StatusUnauthorized, "", fault.Permanent},
		{"forbidden", http.StatusForbidden, "", fault.Permanent},
		{"throttled", http.StatusTooManyRequests, "", fault.Capacity},
		{"vendor down", http.StatusBadGateway, "", fault.Transient},
		{"refused", http.StatusUnprocessableEntity, "", fault.Permanent},
		{"actuator timeout", http.StatusOK, `{"status":"timeout","detail":"link lost"}`, fault.Transient},
		{"actuator failed", http.StatusOK, `{"status":"failed","detail":"motor fault"}`, fault.Permanent},
		{"garbled report", http.StatusOK, `{{{`, fault.Permanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			tr := NewHTTPTransport(srv.URL, "", 100, 10)
			err := tr.Send(context.Background(), transportCommand())
			require.Error(t, err)
			assert.Equal(t, tc.kind, fault.KindOf(err))
		})
	}
}

func TestHTTPTransportReportsDeadConnectionAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	tr := NewHTTPTransport(srv.URL, "", 100, 10)
	err := tr.Send(context.Background(), transportCommand())
	require.Error(t, err)
	assert.Equal(t, fault.Transient, fault.KindOf(err))
}

func TestHTTPTransportHonorsCancelledContext(t *testing.T) {
	tr := NewHTTPTransport("http://127.0.0.1:0", "", 100, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.Send(ctx, transportCommand())
	require.Error(t, err)
	assert.Equal(t, fault.Transient, fault.KindOf(err))
}

func TestNewHTTPTransportDefaults(t *testing.T) {
	tr := NewHTTPTransport("http://vendor", "", 0, 0)
	assert.InDelta(t, 5, float64(tr.limiter.Limit()), 1e-9)
	assert.Equal(t, 10, tr.limiter.Burst())
}
