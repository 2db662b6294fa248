package util

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Protocol counters. Registered on the default registry; exposed only when
// ServeMetrics is started.
var (
	MatchAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxpair_match_attempts_total",
		Help: "Rendezvous attempts started, one per slot visited.",
	})
	SlotsRotated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxpair_slots_rotated_total",
		Help: "Slots abandoned after a host-wait or connect timeout.",
	})
	SessionsEstablished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxpair_sessions_established_total",
		Help: "Sessions successfully established, by local role.",
	}, []string{"role"})
	BusyRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxpair_busy_rejections_total",
		Help: "Second pairings answered with a busy signal.",
	})
	VideoUpgrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxpair_video_upgrades_total",
		Help: "Audio-only sessions upgraded to audio+video locally.",
	})
)

// ServeMetrics exposes /metrics on addr until ctx is cancelled. Call in a
// goroutine; errors are logged, not fatal.
func ServeMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server failed")
	}
}
