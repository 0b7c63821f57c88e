package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sensorhub/internal/datastore"
	"sensorhub/internal/domain"
	"sensorhub/internal/hashroute"
	"sensorhub/internal/ingest"
)

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	TLSConfig                                   *tls.Config
	Logger                                      *slog.Logger
}

type Server struct {
	cfg     Config
	engine  Engine
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	partQ   []chan queuedRequest
	closed  atomic.Bool
	wg      sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *SocketRequest
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}
}

func (c *connection) remote() string {
	if addr := c.c.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}

func NewServer(cfg Config, engine Engine) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "socket")
	s := &Server{cfg: cfg, engine: engine, globalQ: make(chan struct{}, cfg.GlobalQueueLimit), partQ: make([]chan queuedRequest, hashroute.PartitionCount)}
	for i := range s.partQ {
		s.partQ[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.cfg.Logger.Info("socket listening", "network", s.cfg.Network, "address", ln.Addr().String())

	for i := range s.partQ {
		s.wg.Add(1)
		go s.runPartitionWorker(s.partQ[i])
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for _, q := range s.partQ {
		close(q)
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan *SocketResponse, 256), inflight: make(chan struct{}, s.cfg.MaxInflight)}
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() { defer s.wg.Done(); defer raw.Close(); defer close(conn.writerQ); s.readLoop(ctx, conn) }()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "adapter queue overloaded"})
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		q := s.partQ[partitionFor(req)]
		select {
		case q <- qr:
		default:
			qr.release()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "partition queue overloaded"})
		}
	}
}

func (s *Server) runPartitionWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for req := range q {
		res := s.handleRequest(req.ctx, req.req, req.conn.remote())
		req.release()
		s.send(req.conn, res)
	}
}

func (s *Server) send(conn *connection, res *SocketResponse) {
	select {
	case conn.writerQ <- res:
	default:
	}
}

func partitionFor(req *SocketRequest) int {
	switch {
	case req.SubmitCommand != nil:
		return hashroute.PartitionFor(req.SubmitCommand.SystemUid, req.SubmitCommand.ControlInput)
	case req.SendStatus != nil:
		return hashroute.PartitionFor(req.SendStatus.SystemUid, req.SendStatus.ControlInput)
	case req.GetStatusHistory != nil:
		return hashroute.PartitionFor(req.GetStatusHistory.SystemUid, req.GetStatusHistory.ControlInput)
	}
	return 0
}

func (s *Server) handleRequest(ctx context.Context, req *SocketRequest, remote string) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		ok, msg := s.engine.Health(ctx)
		res.Health = &HealthResponse{Ok: ok, Message: msg}
	case OperationSubmitCommand:
		return s.handleSubmit(ctx, req, res, remote)
	case OperationSendStatus:
		return s.handleStatus(ctx, req, res, remote)
	case OperationGetCommandStream:
		if req.GetCommandStream == nil {
			return badReq(req, "get_command_stream query required")
		}
		q := req.GetCommandStream
		h, err := s.engine.CommandStream(ctx, q.SystemUid, q.ControlInput)
		if err != nil {
			return s.fail(req, res, err)
		}
		res.Stream = &StreamResponse{Found: h != nil}
		if h != nil {
			info := h.Info()
			rs, err := json.Marshal(info.RecordStructure)
			if err != nil {
				return s.fail(req, res, err)
			}
			res.Stream.StreamKey, res.Stream.Name, res.Stream.ControlInput = h.Key().String(), info.Name, info.ControlInputName
			res.Stream.RecordStructureJson = rs
			res.Stream.ValidFromUtcNs, res.Stream.ValidToUtcNs = unixNanos(info.ValidTime.Begin), unixNanos(info.ValidTime.End)
			res.Stream.PartitionId = uint32(hashroute.PartitionFor(q.SystemUid, q.ControlInput))
		}
	case OperationGetStatusHistory:
		if req.GetStatusHistory == nil {
			return badReq(req, "get_status_history query required")
		}
		q := req.GetStatusHistory
		history, found, err := s.engine.StatusHistory(ctx, q.SystemUid, q.ControlInput, q.CommandId, int(q.Limit))
		if err != nil {
			return s.fail(req, res, err)
		}
		res.History = &HistoryResponse{Found: found}
		for _, e := range history {
			res.History.Statuses = append(res.History.Statuses, &StatusRecord{
				Key:             e.Key.String(),
				Code:            e.Status.Code.String(),
				ReportTimeUtcNs: unixNanos(e.Status.ReportTime),
				Progress:        int32(e.Status.Progress),
				Message:         e.Status.Message,
			})
		}
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func (s *Server) fail(req *SocketRequest, res *SocketResponse, err error) *SocketResponse {
	code := errorCode(err)
	if code == ErrorCodeInternal {
		s.cfg.Logger.Error("request failed", "request_id", req.RequestId, "operation", req.Operation, "err", err)
	}
	res.ErrorCode, res.ErrorMessage = int32(code), err.Error()
	return res
}

func errorCode(err error) ErrorCode {
	switch {
	case errors.Is(err, datastore.ErrUnknownSystem), errors.Is(err, datastore.ErrUnknownStream), errors.Is(err, datastore.ErrUnknownCommand):
		return ErrorCodeNotFound
	case datastore.IsValidation(err):
		return ErrorCodeBadRequest
	case datastore.IsConflict(err):
		return ErrorCodeConflict
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeOverloaded
	}
	var te interface{ Temporary() bool }
	if errors.As(err, &te) && te.Temporary() {
		return ErrorCodeOverloaded
	}
	return ErrorCodeInternal
}

func (s *Server) handleSubmit(ctx context.Context, req *SocketRequest, res *SocketResponse, remote string) *SocketResponse {
	if req.SubmitCommand == nil {
		return badReq(req, "submit_command message required")
	}
	env, err := toCommandEnvelope(req.SubmitCommand)
	if err != nil {
		return badReq(req, err.Error())
	}
	env.Source, env.SourceRef = "socket", remote+"/"+req.RequestId
	r, err := s.engine.SubmitCommand(ctx, env)
	if err != nil {
		return s.fail(req, res, err)
	}
	res.Receipt = receiptResponse(r, env.SystemUID, env.ControlInput)
	return res
}

func (s *Server) handleStatus(ctx context.Context, req *SocketRequest, res *SocketResponse, remote string) *SocketResponse {
	if req.SendStatus == nil {
		return badReq(req, "send_status message required")
	}
	env, err := toStatusEnvelope(req.SendStatus)
	if err != nil {
		return badReq(req, err.Error())
	}
	env.Source, env.SourceRef = "socket", remote+"/"+req.RequestId
	r, err := s.engine.SendStatus(ctx, env)
	if err != nil {
		return s.fail(req, res, err)
	}
	res.Receipt = receiptResponse(r, env.SystemUID, env.ControlInput)
	return res
}

func receiptResponse(r ingest.Receipt, systemUID, controlInput string) *ReceiptResponse {
	return &ReceiptResponse{Accepted: true, Duplicate: r.Duplicate, StreamKey: r.StreamKey.String(), Key: r.Key.String(), PartitionId: uint32(hashroute.PartitionFor(systemUID, controlInput))}
}

func toCommandEnvelope(m *CommandMessage) (ingest.CommandEnvelope, error) {
	env := ingest.CommandEnvelope{
		SystemUID:     m.SystemUid,
		ControlInput:  m.ControlInput,
		CommandID:     m.CommandId,
		SenderID:      m.SenderId,
		IssueTime:     fromUnixNanos(m.IssueTimeUtcNs),
		ActuationTime: fromUnixNanos(m.ActuationTimeUtcNs),
	}
	if len(m.ParamsJson) > 0 {
		if err := json.Unmarshal(m.ParamsJson, &env.Params); err != nil {
			return env, fmt.Errorf("params_json: %w", err)
		}
	}
	return env, nil
}

func toStatusEnvelope(m *StatusMessage) (ingest.StatusEnvelope, error) {
	env := ingest.StatusEnvelope{
		SystemUID:      m.SystemUid,
		ControlInput:   m.ControlInput,
		CommandID:      m.CommandId,
		ReportTime:     fromUnixNanos(m.ReportTimeUtcNs),
		ExecutionBegin: fromUnixNanos(m.ExecutionBeginUtcNs),
		ExecutionEnd:   fromUnixNanos(m.ExecutionEndUtcNs),
		Progress:       int(m.Progress),
		Message:        m.Message,
		Links:          m.ResultLinks,
	}
	code, err := domain.ParseStatusCode(m.Code)
	if err != nil {
		return env, err
	}
	env.Code = code
	if len(m.ResultsJson) > 0 {
		if err := json.Unmarshal(m.ResultsJson, &env.Results); err != nil {
			return env, fmt.Errorf("results_json: %w", err)
		}
	}
	return env, nil
}

func fromUnixNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

func Retryable(code int32) bool              { return ErrorCode(code) == ErrorCodeOverloaded }
func Error(code ErrorCode, msg string) error { return fmt.Errorf("%d:%s", code, msg) }
