package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Legatia/Tai/internal/config"
	"github.com/Legatia/Tai/internal/model"
	"github.com/Legatia/Tai/internal/protocol/signaling"
	"github.com/Legatia/Tai/internal/utils/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type (
	HttpServer struct {
		cfg      config.Relay
		registry *Registry
		upgrader websocket.Upgrader
	}
)

func NewHttpServer(cfg config.Relay, registry *Registry) *HttpServer {
	return &HttpServer{
		cfg:      cfg,
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}
}

func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.HandleWS()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.HandleHealth()).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", s.cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *HttpServer) HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := json.Marshal(s.registry.Stats())
		if err != nil {
			http.Error(w, "stats failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func (s *HttpServer) HandleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		t := newWSTransport(conn, s.cfg.SendQueue)
		go t.writePump(s.cfg.PingInterval, s.cfg.WriteWait)
		s.processWSMessage(t)
	}
}

func (s *HttpServer) processWSMessage(t *wsTransport) {
	conn := t.conn
	conn.SetReadLimit(s.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	peerID := ""
	defer func() {
		if peerID != "" {
			s.registry.Unregister(peerID, t)
		}
		t.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.Error(err), zap.String("peer", peerID))
			return
		}
		if !limiter.Allow() {
			log.Debug("rate limited, frame dropped", zap.String("peer", peerID))
			continue
		}

		msg, err := signaling.Decode(data)
		if err != nil {
			log.Debug("malformed frame dropped", zap.Error(err), zap.String("peer", peerID))
			if method, id := signaling.PeekRequest(data); method == signaling.MethodRegister {
				t.Send(encode(&signaling.ErrorReply{ID: id, Code: signaling.CodeInvalidParams, Message: err.Error()}))
			}
			continue
		}

		switch m := msg.(type) {
		case *signaling.Register:
			if peerID != "" && peerID != m.PeerID {
				s.registry.Unregister(peerID, t)
			}
			peerID = m.PeerID
			s.registry.Register(model.PeerIdentity{PeerID: m.PeerID, RoomID: m.RoomID, PublicKey: m.PublicKey}, t, m.ID)
		case *signaling.Envelope:
			if peerID == "" {
				log.Debug("relay_message before register dropped")
				continue
			}
			s.registry.Relay(peerID, t, m, data)
		default:
			log.Debug("unexpected frame from client dropped", zap.String("peer", peerID))
		}
	}
}
