// Package api exposes the reconciled notes view over HTTP and accepts create
// requests.
package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// HeaderIdempotencyKey deduplicates create requests.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	notesRoute  = "/api/notes"
	streamRoute = "/stream"
)

// Deps are the collaborators of the HTTP surface. Auth and Deduper are
// optional.
type Deps struct {
	Notes      Notes
	Dispatcher *Dispatcher
	Auth       Authenticator
	Deduper    Deduper
	Gatherer   prometheus.Gatherer
	// Health reports a non-nil error when the process cannot serve fresh data.
	Health func() error
	Logger *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = log.StandardLogger()
	}
	e.GET(notesRoute, getNotes(deps))
	e.POST(notesRoute, postNote(deps))
	e.GET(streamRoute, streamNotes(deps))
	e.GET("/healthz", healthz(deps))
	if deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
}

func healthz(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		view := deps.Notes.Snapshot()
		body := map[string]any{"loaded": view.Loaded, "version": view.Version, "notes": len(view.Notes)}
		if deps.Health != nil {
			if err := deps.Health(); err != nil {
				body["error"] = err.Error()
				return c.JSON(http.StatusServiceUnavailable, body)
			}
		}
		return c.JSON(http.StatusOK, body)
	}
}

func getNotes(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newRequestMetrics(deps.Logger, http.MethodGet, notesRoute)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := authenticate(c, deps.Auth)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}

		view := deps.Notes.Snapshot()
		metrics.SetView(len(view.Notes), view.Version)
		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, view)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postNote(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newRequestMetrics(deps.Logger, http.MethodPost, notesRoute)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := authenticate(c, deps.Auth)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}

		var req postNoteRequest
		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, postNoteMaxSize))
		if derr := dec.Decode(&req); derr != nil {
			metrics.SetErrorStage("decode_request")
			return c.JSON(http.StatusBadRequest, postNoteResponse{Error: "invalid body"})
		}
		title := strings.TrimSpace(req.Title)
		body := ""
		switch {
		case req.Body != nil:
			body = strings.TrimSpace(*req.Body)
		case req.Content != nil:
			body = strings.TrimSpace(*req.Content)
		}
		if title == "" || body == "" {
			metrics.SetErrorStage("validate")
			return c.JSON(http.StatusBadRequest, postNoteResponse{Error: "title and body are required"})
		}

		job := createJob{userID: userID, title: title, body: body}
		job.key = strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
		if job.key == "" {
			job.key = uuid.NewString()
		} else if deps.Deduper != nil {
			dedupeStart := time.Now()
			added, derr := deps.Deduper.Add(c.Request().Context(), userID, job.key)
			metrics.ObserveDedupe(time.Since(dedupeStart))
			switch {
			case derr != nil:
				deps.Logger.WithError(derr).WithField("key", job.key).Warn("dedupe unavailable; accepting request")
			case !added:
				metrics.SetErrorStage("duplicate")
				return c.JSON(http.StatusConflict, postNoteResponse{IdempotencyKey: job.key, Error: "duplicate request"})
			default:
				job.deduped = true
			}
		}

		if deps.Dispatcher.trySubmit(job) {
			metrics.SetDispatch("queued")
			return c.JSON(http.StatusAccepted, postNoteResponse{IdempotencyKey: job.key})
		}

		metrics.SetDispatch("inline")
		deps.Logger.Warn("create buffer saturated; processing inline")
		if rerr := deps.Dispatcher.run(job); rerr != nil {
			metrics.SetErrorStage("create")
			deps.Logger.WithError(rerr).WithField("key", job.key).Error("create inline failed")
			return c.JSON(http.StatusBadGateway, postNoteResponse{IdempotencyKey: job.key, Error: "failed to submit note"})
		}
		return c.JSON(http.StatusAccepted, postNoteResponse{IdempotencyKey: job.key})
	}
}

func streamNotes(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, deps.Auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		views, unsubscribe := deps.Notes.Subscribe()
		defer unsubscribe()
		var failures <-chan CreateFailure
		if deps.Dispatcher != nil {
			var stop func()
			failures, stop = deps.Dispatcher.Failures()
			defer stop()
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case view, ok := <-views:
				if !ok {
					return nil
				}
				if err := writeEvent(ctx, c.Response(), "", view); err != nil {
					c.Logger().Error(err)
					return err
				}
			case f := <-failures:
				if f.userID != userID {
					continue
				}
				if err := writeEvent(ctx, c.Response(), "create-failed", f); err != nil {
					c.Logger().Error(err)
					return err
				}
			}
			flusher.Flush()
		}
	}
}

func writeEvent(ctx context.Context, w io.Writer, event string, v any) error {
	if ctx.Err() != nil {
		return nil
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	var buf strings.Builder
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteString("\n")
	}
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	_, err = io.WriteString(w, buf.String())
	return err
}
