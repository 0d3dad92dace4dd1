package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/cook"
	"assetcook.dev/internal/cook/platforms"
	"assetcook.dev/internal/protocol"
)

// Cooker is the part of the cook server a file-serving connection uses.
type Cooker interface {
	LookupPlatform(name string) (*platforms.Target, error)
	HandleFileRequest(ctx context.Context, filename, platformName string) (cook.FileReply, error)
	GetPrecookedList(platformName string) (map[string]time.Time, error)
	RequestPackage(file assets.Filename, platformNames []string, forceFront bool) bool
}

const (
	DefaultMaxInlineData = 16 << 20
	defaultMaxQueue      = 8
	maxMaxQueue          = 64
	// Client messages are small requests; anything larger is rejected with
	// a 1009 close.
	maxClientMessage = 64 << 10
)

type Server struct {
	cooker        Cooker
	log           *log.Logger
	serverVersion string
	runID         string
	maxInlineData int64

	upgrader websocket.Upgrader
	sessions atomic.Int64
	served   atomic.Uint64
}

func NewServer(c Cooker, logger *log.Logger, serverVersion, runID string) *Server {
	return &Server{
		cooker:        c,
		log:           logger,
		serverVersion: serverVersion,
		runID:         runID,
		maxInlineData: DefaultMaxInlineData,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// SetMaxInlineData bounds the cooked bytes sent inline in a FILE_REPLY.
func (s *Server) SetMaxInlineData(n int64) { s.maxInlineData = n }

func (s *Server) Sessions() int64     { return s.sessions.Load() }
func (s *Server) FilesServed() uint64 { return s.served.Load() }

type session struct {
	id       string
	platform *platforms.Target
	ctx      context.Context
	out      chan []byte
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxClientMessage)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sess := s.handshake(ctx, conn)
		if sess == nil {
			return
		}
		s.sessions.Add(1)
		defer s.sessions.Add(-1)
		s.printf("session open id=%s platform=%s remote=%s", sess.id, sess.platform.Name, r.RemoteAddr)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop. File requests block on the cooker, so each runs on its
		// own goroutine and replies may arrive out of order.
		var wg sync.WaitGroup
		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.dispatch(sess, msg, &wg)
		}
		cancel()
		wg.Wait()
		s.printf("session closed id=%s platform=%s", sess.id, sess.platform.Name)
	}
}

func (s *Server) dispatch(sess *session, msg []byte, wg *sync.WaitGroup) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.send(sess, protocol.NewError("", protocol.ErrProtoBadRequest, "malformed json"))
		return
	}
	if base.ProtocolVersion != protocol.Version {
		s.send(sess, protocol.NewError(base.ID, protocol.ErrProtoVersion, "bad protocol_version"))
		return
	}
	switch base.Type {
	case protocol.TypeFileRequest:
		var req protocol.FileRequestMsg
		if err := json.Unmarshal(msg, &req); err != nil || strings.TrimSpace(req.Filename) == "" {
			s.send(sess, protocol.NewError(base.ID, protocol.ErrBadRequest, "filename is required"))
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleFileRequest(sess, req)
		}()
	case protocol.TypePrecookedListRequest:
		s.handlePrecookedList(sess, base.ID)
	case protocol.TypeCookRequest:
		var req protocol.CookRequestMsg
		if err := json.Unmarshal(msg, &req); err != nil || strings.TrimSpace(req.Filename) == "" {
			s.send(sess, protocol.NewError(base.ID, protocol.ErrBadRequest, "filename is required"))
			return
		}
		s.handleCookRequest(sess, req)
	default:
		s.send(sess, protocol.NewError(base.ID, protocol.ErrProtoBadRequest, fmt.Sprintf("unexpected message type %q", base.Type)))
	}
}

func (s *Server) handleFileRequest(sess *session, req protocol.FileRequestMsg) {
	reply, err := s.cooker.HandleFileRequest(sess.ctx, req.Filename, sess.platform.Name)
	if err != nil {
		if sess.ctx.Err() != nil {
			return
		}
		s.send(sess, errorFor(req.ID, err))
		return
	}
	msg := protocol.FileReplyMsg{
		Type:            protocol.TypeFileReply,
		ProtocolVersion: protocol.Version,
		ID:              req.ID,
		Filename:        reply.Filename.String(),
		Found:           reply.Found,
		CookedPath:      reply.CookedPath,
		Size:            reply.Size,
		SHA256:          reply.SHA256,
	}
	for _, f := range reply.Unsolicited {
		msg.Unsolicited = append(msg.Unsolicited, f.String())
	}
	if req.IncludeData && reply.Found {
		if s.maxInlineData > 0 && reply.Size > s.maxInlineData {
			s.send(sess, protocol.NewError(req.ID, protocol.ErrTooLarge, fmt.Sprintf("%s is %d bytes", req.Filename, reply.Size)))
			return
		}
		data, err := os.ReadFile(reply.CookedPath)
		if err != nil {
			s.send(sess, protocol.NewError(req.ID, protocol.ErrInternal, err.Error()))
			return
		}
		msg.Data = data
	}
	if reply.Found {
		s.served.Add(1)
	}
	s.send(sess, msg)
}

func (s *Server) handlePrecookedList(sess *session, id string) {
	list, err := s.cooker.GetPrecookedList(sess.platform.Name)
	if err != nil {
		s.send(sess, errorFor(id, err))
		return
	}
	files := make(map[string]int64, len(list))
	for f, ts := range list {
		files[f] = ts.Unix()
	}
	s.send(sess, protocol.PrecookedListMsg{
		Type:            protocol.TypePrecookedList,
		ProtocolVersion: protocol.Version,
		ID:              id,
		Platform:        sess.platform.Name,
		Files:           files,
	})
}

func (s *Server) handleCookRequest(sess *session, req protocol.CookRequestMsg) {
	names := req.Platforms
	if len(names) == 0 {
		names = []string{sess.platform.Name}
	}
	for _, n := range names {
		if _, err := s.cooker.LookupPlatform(n); err != nil {
			s.send(sess, errorFor(req.ID, err))
			return
		}
	}
	ok := s.cooker.RequestPackage(assets.NewFilename(req.Filename), names, req.ForceFront)
	s.send(sess, protocol.CookAckMsg{Type: protocol.TypeCookAck, ProtocolVersion: protocol.Version, ID: req.ID, OK: ok})
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}
	t, err := s.cooker.LookupPlatform(hello.Platform)
	if err != nil {
		_ = writeJSON(conn, errorFor("", err))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown platform"), time.Now().Add(time.Second))
		return nil
	}

	maxQ := hello.MaxQueue
	if maxQ <= 0 {
		maxQ = defaultMaxQueue
	}
	if maxQ > maxMaxQueue {
		maxQ = maxMaxQueue
	}
	sess := &session{
		id:       uuid.NewString(),
		platform: t,
		ctx:      ctx,
		out:      make(chan []byte, maxQ),
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		Platform:        t.Name,
		ServerVersion:   s.serverVersion,
		RunID:           s.runID,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	return sess
}

// send queues v for the writer goroutine. It gives up when the session ends.
func (s *Server) send(sess *session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.printf("marshal %T: %v", v, err)
		return
	}
	select {
	case sess.out <- b:
	case <-sess.ctx.Done():
	}
}

func errorFor(id string, err error) protocol.ErrorMsg {
	switch {
	case errors.Is(err, cook.ErrUnknownPlatform):
		return protocol.NewError(id, protocol.ErrUnknownPlatform, err.Error())
	case errors.Is(err, assets.ErrPackageNotFound):
		return protocol.NewError(id, protocol.ErrNotFound, err.Error())
	case errors.Is(err, cook.ErrNotCookOnTheFly):
		return protocol.NewError(id, protocol.ErrRejected, err.Error())
	default:
		return protocol.NewError(id, protocol.ErrInternal, err.Error())
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
