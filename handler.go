package versync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const DefaultPushEndpoint = "/versync/push"
const DefaultPullEndpoint = "/versync/pull"
const DefaultBatchEndpoint = "/versync/batch"
const DefaultSubscribeEndpoint = "/versync/subscribe"
const DefaultSubscribeWSEndpoint = "/versync/ws"
const applicationJSON = "application/json"
const RequestIDHeader = "X-Versync-RequestID"
const authorizationHeader = "Authorization"
const maxBodyBytes = 4 << 20
const wsWriteTimeout = 10 * time.Second

type errorBody struct {
	Error *Error `json:"error"`
}

func (e *Engine) HandlePush() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !e.validateRequest(w, req) {
			return
		}

		push := new(PushRequest)
		if err := decodeBody(req, push); err != nil {
			writeError(w, InvalidWrite("body", "malformed push request"))
			return
		}

		resp, err := e.Push(req.Context(), *push)
		if err != nil {
			e.logf("push error: %s", err)
			writeError(w, AsError(err))
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (e *Engine) HandlePull() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !e.validateRequest(w, req) {
			return
		}

		pull := new(PullRequest)
		if err := decodeBody(req, pull); err != nil {
			writeError(w, InvalidQuery("body", "malformed pull request"))
			return
		}

		resp, err := e.Pull(req.Context(), *pull)
		if err != nil {
			writeError(w, AsError(err))
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (e *Engine) HandleBatch() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !e.validateRequest(w, req) {
			return
		}

		batch := new(BatchRequest)
		if err := decodeBody(req, batch); err != nil {
			writeError(w, InvalidQuery("body", "malformed batch request"))
			return
		}

		writeJSON(w, http.StatusOK, BatchResponse{Results: e.Batch(req.Context(), batch.Operations)})
	}
}

// HandleSubscribe streams the change log as server-sent events. The start
// cursor comes from the Last-Event-ID header or the cursor query parameter.
func (e *Engine) HandleSubscribe() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !e.authorizeRequest(w, req) {
			return
		}
		sub, ok := subscribeRequest(w, req)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, Internal("streaming unsupported"))
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		err := e.Subscribe(req.Context(), sub, func(f Frame) error {
			if err := writeEvent(w, f); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		})
		if err != nil {
			e.logf("subscribe error: %s", err)
		}
	}
}

// HandleSubscribeWS streams the change log as JSON frames over a WebSocket.
// The connection's read side is only watched for the client going away.
func (e *Engine) HandleSubscribeWS() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !e.authorizeRequest(w, req) {
			return
		}
		sub, ok := subscribeRequest(w, req)
		if !ok {
			return
		}

		conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			e.logf("websocket upgrade failed: %v", err)
			return
		}
		defer conn.CloseNow()

		ctx := conn.CloseRead(req.Context())
		err = e.Subscribe(ctx, sub, func(f Frame) error {
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			defer cancel()
			return wsjson.Write(wctx, conn, f)
		})
		if err != nil {
			e.logf("subscribe error: %s", err)
			conn.Close(websocket.StatusInternalError, "subscription failed")
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (e *Engine) validateRequest(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{
			Error: InvalidQuery("method", "%s is not allowed, use POST", r.Method),
		})
		return false
	}

	if r.Header.Get("Content-Type") != applicationJSON {
		writeError(w, InvalidQuery("Content-Type", "content type must be %s", applicationJSON))
		return false
	}

	if e.options.requireRequestID {
		if requestID := r.Header.Get(RequestIDHeader); requestID == "" {
			writeError(w, InvalidQuery(RequestIDHeader, "%s header is required", RequestIDHeader))
			return false
		}
	}

	return e.authorizeRequest(w, r)
}

func (e *Engine) authorizeRequest(w http.ResponseWriter, r *http.Request) bool {
	if e.options.authFn != nil {
		auth := r.Header.Get(authorizationHeader)
		if !e.options.authFn(r.Context(), auth) {
			writeError(w, Unauthorized())
			return false
		}
	}
	return true
}

func subscribeRequest(w http.ResponseWriter, r *http.Request) (SubscribeRequest, bool) {
	var sub SubscribeRequest
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("cursor")
	}
	if raw != "" {
		cursor, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, InvalidQuery("cursor", "cursor must be a non-negative integer"))
			return sub, false
		}
		sub.Cursor = cursor
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, InvalidQuery("limit", "limit must be a non-negative integer"))
			return sub, false
		}
		sub.Limit = limit
	}
	return sub, true
}

func writeEvent(w io.Writer, f Frame) error {
	switch f.Type {
	case FrameRetry:
		_, err := fmt.Fprintf(w, "retry: %d\n\n", f.RetryMs)
		return err
	case FrameHeartbeat:
		_, err := io.WriteString(w, "event: heartbeat\ndata: {}\n\n")
		return err
	default:
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", f.NextCursor, f.Type, data)
		return err
	}
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return decodeJSON(data, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", applicationJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *Error) {
	writeJSON(w, HTTPStatus(err.Kind), errorBody{Error: err})
}
