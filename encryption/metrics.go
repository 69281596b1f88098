package encryption

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	encrypted         *prometheus.CounterVec
	decrypted         *prometheus.CounterVec
	decryptFailures   *prometheus.CounterVec
	retryReceipts     prometheus.Counter
	retryGiveUps      prometheus.Counter
	resends           prometheus.Counter
	duplicates        prometheus.Counter
	pendingBuffered   prometheus.Counter
	pendingEvicted    prometheus.Counter
	keyFetches        *prometheus.CounterVec
	plaintextFallback prometheus.Counter
}

// newMetrics registers the layer counters with reg when it is not nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		encrypted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e2e",
			Name:      "envelopes_encrypted_total",
			Help:      "Envelopes produced, by envelope type.",
		}, []string{"type"}),
		decrypted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e2e",
			Name:      "envelopes_decrypted_total",
			Help:      "Envelopes decrypted, by envelope type.",
		}, []string{"type"}),
		decryptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e2e",
			Name:      "decrypt_failures_total",
			Help:      "Envelopes that failed to decrypt, by failure.",
		}, []string{"reason"}),
		retryReceipts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "e2e",
			Name:      "retry_receipts_sent_total",
			Help:      "Retry receipts sent for undecryptable messages.",
		}),
		retryGiveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "e2e",
			Name:      "retry_give_ups_total",
			Help:      "Messages dropped after a second failed attempt.",
		}),
		resends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "e2e",
			Name:      "resends_total",
			Help:      "Messages encrypted again in answer to a retry receipt.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "e2e",
			Name:      "duplicates_total",
			Help:      "Envelopes that were already decrypted once.",
		}),
		pendingBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "e2e",
			Name:      "pending_buffered_total",
			Help:      "Messages buffered while waiting for a session.",
		}),
		pendingEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "e2e",
			Name:      "pending_evicted_total",
			Help:      "Buffered messages dropped by the pending limits.",
		}),
		keyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e2e",
			Name:      "key_fetches_total",
			Help:      "Prekey bundles requested, by outcome.",
		}, []string{"result"}),
		plaintextFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "e2e",
			Name:      "plaintext_sends_total",
			Help:      "Messages sent without encryption.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.encrypted,
			m.decrypted,
			m.decryptFailures,
			m.retryReceipts,
			m.retryGiveUps,
			m.resends,
			m.duplicates,
			m.pendingBuffered,
			m.pendingEvicted,
			m.keyFetches,
			m.plaintextFallback,
		)
	}
	return m
}
