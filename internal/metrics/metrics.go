package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "cover_control"

var (
	// BusEvents counts received bus events by the action they triggered ("none" when unmatched).
	BusEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_events_total",
		Help:      "Bus events received per cover and triggered action.",
	}, []string{"cover", "action"})

	SensorUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sensor_updates_total",
		Help:      "Position sensor notifications per cover, accepted or ignored.",
	}, []string{"cover", "result"})

	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Cover commands sent per cover entity, command and result.",
	}, []string{"entity", "command", "result"})

	Position = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "position",
		Help:      "Last position reported by the cover position sensor.",
	}, []string{"cover"})
)

// Serve exposes /metrics on address until ctx is done.
func Serve(ctx context.Context, address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("metrics: shutdown failed: %s", err)
		}
	}()

	logrus.Infof("metrics: listening on %s", address)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.Errorf("metrics: %s", err)
	}
}
