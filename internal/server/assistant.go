package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	assistantdomain "github.com/smallbiznis/tokenvault/internal/assistant/domain"
	obscontext "github.com/smallbiznis/tokenvault/internal/observability/context"
	"github.com/smallbiznis/tokenvault/internal/stream"
	"go.uber.org/zap"
)

const (
	HeaderAppID = "X-App-ID"

	maxAssistantBody = 1 << 20
)

func (s *Server) ListApps(c *gin.Context) {
	apps, err := s.productSvc.Apps(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled": s.productSvc.AIEnabled(c.Request.Context()),
		"apps":    apps,
	})
}

// streamHandler proxies one upstream call of the given app type as server-sent events.
func (s *Server) streamHandler(appType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		appKey := strings.TrimSpace(c.GetHeader(HeaderAppID))
		if appKey == "" {
			AbortWithError(c, newValidationError("app_id", "required", HeaderAppID+" header is required"))
			return
		}

		body, err := decodeAssistantBody(c.Request.Body)
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}

		ctx := obscontext.WithApp(c.Request.Context(), appKey)
		w := &sseWriter{c: c}
		res, err := s.assistantSvc.Stream(ctx, assistantdomain.Request{
			UserID:  userIDFrom(c),
			AppKey:  appKey,
			AppType: appType,
			Body:    body,
		}, w)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		if res.DebitErr != nil {
			s.log.Warn("stream settled without debit",
				zap.String("app", appKey),
				zap.String("session_id", res.SessionID),
				zap.Int64("usage", res.Usage),
				zap.Error(res.DebitErr),
			)
		}

		if w.started {
			return
		}
		// the upstream closed before sending a byte
		if res.Err != nil && !errors.Is(res.Err, stream.ErrStreamCancelled) {
			AbortWithError(c, errors.Join(assistantdomain.ErrUpstreamUnavailable, res.Err))
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func decodeAssistantBody(r io.Reader) (map[string]any, error) {
	body := map[string]any{}
	raw, err := io.ReadAll(io.LimitReader(r, maxAssistantBody))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// sseWriter commits the event-stream headers on the first byte so earlier failures can still answer with JSON.
type sseWriter struct {
	c       *gin.Context
	started bool
}

func (w *sseWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.start()
	}
	return w.c.Writer.Write(p)
}

func (w *sseWriter) Flush() {
	if w.started {
		w.c.Writer.Flush()
	}
}

func (w *sseWriter) start() {
	w.started = true
	headers := w.c.Writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.c.Status(http.StatusOK)
	w.c.Writer.WriteHeaderNow()
}

var _ http.Flusher = (*sseWriter)(nil)
