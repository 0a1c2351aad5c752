package cmd

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/bariiss/hls-offline/proxy"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// responseCounter counts the bytes written to the client. The /events upgrade
// hijacks through it.
type responseCounter struct {
	http.ResponseWriter
	bytes int64
}

func (w *responseCounter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *responseCounter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *responseCounter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

type bodyCounter struct {
	io.ReadCloser
	bytes int64
}

func (r *bodyCounter) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.bytes += int64(n)
	return n, err
}

// jsonLoggerMiddleware logs one line per request. Intercepted fetches add how
// they were answered: source, request kind, partition and upstream bytes.
func jsonLoggerMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()
			start := time.Now()

			out := &responseCounter{ResponseWriter: res.Writer}
			res.Writer = out

			var in *bodyCounter
			if req.Body != nil && req.Body != http.NoBody {
				in = &bodyCounter{ReadCloser: req.Body}
				req.Body = in
			}

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			latency := time.Since(start)

			fields := log.Fields{
				"remote_ip":  c.RealIP(),
				"method":     req.Method,
				"uri":        req.RequestURI,
				"status":     res.Status,
				"latency_ms": latency.Milliseconds(),
				"bytes_out":  out.bytes,
			}
			if in != nil {
				fields["bytes_in"] = in.bytes
			}
			if info, ok := c.Get(proxy.RouteInfoKey).(*proxy.RouteInfo); ok {
				fields["cache_source"] = info.Source
				fields["kind"] = info.Kind
				fields["partition"] = info.Partition
				fields["bytes_up"] = info.BytesUpstream
				if info.VideoID != "" {
					fields["video_id"] = info.VideoID
				}
			}

			entry := log.WithFields(fields)
			if err != nil {
				entry = entry.WithError(err)
			}
			entry.Info("request completed")
			return err
		}
	}
}
