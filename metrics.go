package btmesh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	namespace = "mesh"
	subsystem = "upper_transport"

	pdusReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "pdus_received_total",
		Help:      "Number of PDUs handed up by the lower transport.",
	})
	pdusSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "pdus_sent_total",
		Help:      "Number of outbound PDUs confirmed sent by the lower transport.",
	})
	decryptAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "decrypt_attempts_total",
		Help:      "Number of AES-CCM decryptions attempted, one per candidate key and label UUID.",
	})
	decryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "decrypt_failures_total",
		Help:      "Number of access PDUs dropped without a verified TransMIC, on candidate exhaustion or a device key mismatch.",
	})
	sendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "send_failures_total",
		Help:      "Number of outbound PDUs failed before emission, e.g. for a missing key.",
	})
	allocationDeferrals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "allocation_deferrals_total",
		Help:      "Number of times the outbound scheduler deferred on PDU pool exhaustion.",
	})
	sequenceNumbersReserved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sequence_numbers_reserved_total",
		Help:      "Number of sequence numbers reserved for outbound PDUs.",
	})
)
