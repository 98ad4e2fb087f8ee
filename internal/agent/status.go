package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/edgehub/internal/observability"
	"github.com/danmuck/edgehub/internal/signup"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Status is the agent snapshot served on /status.
type Status struct {
	DeviceID   string `json:"device_id"`
	Host       string `json:"host"`
	Loop       string `json:"loop"`
	Session    string `json:"session"`
	Connected  bool   `json:"connected"`
	Reconnects int    `json:"reconnects"`
	Uptime     string `json:"uptime"`
}

// Status reports the current helper state.
func (s *Service) Status() Status {
	st := Status{Reconnects: s.Reconnects(), Uptime: time.Since(s.started).Round(time.Second).String()}
	h := s.Helper()
	if h == nil {
		return st
	}
	st.DeviceID = h.DeviceID()
	st.Host = h.DeviceConnectionInfo().HostName
	st.Loop = h.LoopState().String()
	st.Session = h.SessionState().String()
	st.Connected = h.LoopState() != signup.LoopStopped && h.SessionState() == signup.SessionOpen
	return st
}

type statusServer struct {
	ln  net.Listener
	srv *http.Server
}

func newStatusServer(s *Service, addr string) (*statusServer, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.logger))
	r.Use(observability.RequestMetricsMiddleware("agent"))
	if len(s.cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.CorsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/health", func(c *gin.Context) {
		st := s.Status()
		code, status := http.StatusOK, "ok"
		if !st.Connected {
			code, status = http.StatusServiceUnavailable, "degraded"
		}
		c.JSON(code, gin.H{
			"status": status,
			"uptime": st.Uptime,
		})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Status())
	})
	r.GET("/metrics", gin.WrapH(observability.Handler()))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &statusServer{
		ln:  ln,
		srv: &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second},
	}, nil
}

func (ss *statusServer) Addr() string {
	return ss.ln.Addr().String()
}

func (ss *statusServer) Serve() error {
	if err := ss.srv.Serve(ss.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (ss *statusServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = ss.srv.Shutdown(ctx)
}
