package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterMetrics(reg)

	RecordLogin(OutcomeSuccess)
	RecordLockout()
	RecordRegistration(OutcomeSuccess)
	RecordOtpRequest("activation", OutcomeGenerated)
	RecordOtpVerification(OutcomeSuccess)
	RecordNotifyFailure()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"account_logins_total",
		"account_lockouts_total",
		"account_registrations_total",
		"otp_requests_total",
		"otp_verifications_total",
		"otp_notify_failures_total",
	} {
		assert.True(t, names[want], "metric %q should be registered", want)
	}
}

func TestRecordLoginIncrements(t *testing.T) {
	before := testutil.ToFloat64(Logins.WithLabelValues(OutcomeLocked))
	RecordLogin(OutcomeLocked)
	assert.Equal(t, before+1, testutil.ToFloat64(Logins.WithLabelValues(OutcomeLocked)))
}
