package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/audiolink/internal/domain"
)

type PeerLister interface {
	Peers() []domain.PeerInfo
}

type SessionReporter interface {
	Session() domain.SessionInfo
}

// Status is what the status surface can report. Nil parts are not routed.
type Status struct {
	Mode     string
	HostID   string
	Peers    PeerLister
	Session  SessionReporter
	Gatherer prometheus.Gatherer
}

func SetupRouter(st Status) *gin.Engine {
	if st.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if st.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "host": st.HostID})
	})
	if st.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(st.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	if st.Peers != nil {
		api.GET("/peers", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"peers": st.Peers.Peers()})
		})
	}
	if st.Session != nil {
		api.GET("/session", func(c *gin.Context) {
			c.JSON(http.StatusOK, st.Session.Session())
		})
	}

	log.Info().Str("module", "adapters.http").Bool("peers", st.Peers != nil).Bool("session", st.Session != nil).Msg("router setup")
	return r
}
