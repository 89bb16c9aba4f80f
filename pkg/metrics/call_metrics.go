package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Matchmaking and signaling metrics for monitoring the pairing pipeline
var (
	// Matchmaking metrics
	MatchmakingMatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchmaking_matches_total",
		Help: "Total number of pairs created from the waiting pool",
	})

	MatchmakingWaitingPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaking_waiting_pool_size",
		Help: "Current number of users waiting for a match",
	})

	MatchmakingQueueJoinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_queue_joins_total",
		Help: "Total number of queue join attempts",
	}, []string{"result"}) // "queued", "matched", "rejected"

	MatchmakingWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchmaking_wait_duration_seconds",
		Help:    "Time a user spent in the waiting pool before being matched",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	// Signaling relay metrics
	SignalsRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_relayed_total",
		Help: "Total number of signaling payloads forwarded between peers",
	}, []string{"type"}) // "offer", "answer", "ice_candidate"

	SignalsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_dropped_total",
		Help: "Total number of signaling payloads dropped because the target was unreachable",
	}, []string{"type"})

	// Transcript pipeline metrics
	TranscriptEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcript_entries_total",
		Help: "Total number of transcript entries appended to call sessions",
	}, []string{"status"}) // "appended", "persist_failed"

	TranscriptionJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcription_job_duration_seconds",
		Help:    "Time taken to transcribe an audio chunk end to end",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
	})

	GrammarFeedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grammar_feedback_total",
		Help: "Total number of grammar feedback generation attempts",
	}, []string{"status"}) // "delivered", "failed"
)
