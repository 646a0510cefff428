package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeSuccess            = "success"
	OutcomeInvalidCredentials = "invalid_credentials"
	OutcomeLocked             = "locked"
	OutcomeNotActivated       = "not_activated"
	OutcomeDuplicate          = "duplicate"
	OutcomeNotRegistered      = "not_registered"
	OutcomeResent             = "resent"
	OutcomeGenerated          = "generated"
	OutcomeNoActiveOtp        = "no_active_otp"
	OutcomeMismatch           = "mismatch"
	OutcomeError              = "error"
)

var Logins = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "account_logins_total",
		Help: "Login attempts by outcome",
	},
	[]string{"outcome"},
)

var Lockouts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "account_lockouts_total",
		Help: "Accounts locked after repeated failed logins",
	},
)

var Registrations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "account_registrations_total",
		Help: "Registration attempts by outcome",
	},
	[]string{"outcome"},
)

var OtpRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "otp_requests_total",
		Help: "OTP requests by purpose and outcome",
	},
	[]string{"purpose", "outcome"},
)

var OtpVerifications = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "otp_verifications_total",
		Help: "OTP verification attempts by outcome",
	},
	[]string{"outcome"},
)

var NotifyFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "otp_notify_failures_total",
		Help: "OTP notifications the notifier failed to deliver",
	},
)

// RegisterMetrics registers the package collectors. Panics on duplicate registration.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Logins, Lockouts, Registrations, OtpRequests, OtpVerifications, NotifyFailures)
}

func RecordLogin(outcome string) { Logins.WithLabelValues(outcome).Inc() }

func RecordLockout() { Lockouts.Inc() }

func RecordRegistration(outcome string) { Registrations.WithLabelValues(outcome).Inc() }

func RecordOtpRequest(purpose, outcome string) { OtpRequests.WithLabelValues(purpose, outcome).Inc() }

func RecordOtpVerification(outcome string) { OtpVerifications.WithLabelValues(outcome).Inc() }

func RecordNotifyFailure() { NotifyFailures.Inc() }
