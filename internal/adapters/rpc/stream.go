package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"register/internal/core"
	"register/internal/stream"
	"register/pkg/domain"
)

const writeTimeout = 10 * time.Second

// errorFrame is the last message of a stream that ended on a failure.
type errorFrame struct {
	Error Status `json:"error"`
}

// search streams matching records, one JSON record per message. Query
// parameters: states (comma separated or repeated, names or numbers) and an
// optional RFC 3339 from/to creation range.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	serveStream(s, w, r, func(ctx context.Context) (<-chan stream.Item[domain.Record], error) {
		return s.svc.Search(ctx, filter)
	})
}

// watch streams lifecycle events as {"kind", "record"} messages.
func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	serveStream(s, w, r, s.svc.Watch)
}

func parseFilter(q url.Values) (domain.Filter, error) {
	var f domain.Filter
	for _, raw := range q["states"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			state, err := domain.ParseState(part)
			if err != nil {
				return domain.Filter{}, fmt.Errorf("%v: %w", err, core.ErrInvalidArgument)
			}
			f.States = append(f.States, state)
		}
	}
	from, to := q.Get("from"), q.Get("to")
	if from == "" && to == "" {
		return f, nil
	}
	if from == "" || to == "" {
		return domain.Filter{}, fmt.Errorf("from and to must be given together: %w", core.ErrInvalidArgument)
	}
	var rng domain.TimeRange
	var err error
	if rng.From, err = time.Parse(time.RFC3339Nano, from); err != nil {
		return domain.Filter{}, fmt.Errorf("from: %v: %w", err, core.ErrInvalidArgument)
	}
	if rng.To, err = time.Parse(time.RFC3339Nano, to); err != nil {
		return domain.Filter{}, fmt.Errorf("to: %v: %w", err, core.ErrInvalidArgument)
	}
	f.Created = &rng
	return f, nil
}

// serveStream opens the stream before upgrading so that rejected requests get
// a plain HTTP error. After the upgrade the stream ends with a normal close,
// or with an error frame followed by a close carrying the matching code.
func serveStream[T any](s *Server, w http.ResponseWriter, r *http.Request, open func(context.Context) (<-chan stream.Item[T], error)) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	items, err := open(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The client sends nothing; reading only surfaces its close or a broken
	// connection.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case item, ok := <-items:
			if !ok {
				code := websocket.CloseNormalClosure
				if ctx.Err() != nil {
					code = websocket.CloseGoingAway
				}
				closeConn(conn, code, "")
				return
			}
			if item.Err != nil {
				s.endWithError(conn, item.Err)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(item.Value); err != nil {
				s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("stream write failed")
				return
			}
		}
	}
}

func (s *Server) endWithError(conn *websocket.Conn, err error) {
	if !core.IsTerminal(err) {
		closeConn(conn, websocket.CloseGoingAway, "")
		return
	}
	st := statusOf(err)
	if errors.Is(err, domain.ErrFeedInvalidated) {
		st.Message += "; re-subscribe"
	}
	s.logger.Warn().Err(err).Str("code", string(st.Code)).Msg("stream ended")
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if werr := conn.WriteJSON(errorFrame{Error: st}); werr != nil {
		return
	}
	closeConn(conn, closeCodeFor(st.Code), string(st.Code))
}

func closeCodeFor(code core.Code) int {
	switch code {
	case core.CodeUnavailable:
		return websocket.CloseTryAgainLater
	case core.CodeInvalidArgument, core.CodeNotFound, core.CodeAborted:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

func closeConn(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
