package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	eventsource "github.com/stalexteam/eventsource_go"
	"go.uber.org/zap"
)

// StatusServer exposes the engine's state over Server-Sent Events so
// external surfaces (widgets, stream decks, a browser tab) can render it
// without polling. Disabled unless a status port is configured.
type StatusServer struct {
	logger *zap.SugaredLogger
	engine *Engine
	server *http.Server

	stopChannel chan bool
	running     int32 // atomic flag: 1 = running, 0 = stopped

	manager *eventsource.ConnectionManager
	eventID int64
}

const (
	// SSE retry timeout handed to clients, milliseconds
	statusRetryTimeout = 30000

	statusPingInterval = 10 * time.Second
)

// statusPayload is the wire form of a Status snapshot.
type statusPayload struct {
	State       string `json:"state"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	Prior       string `json:"prior,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	BufferSize  int    `json:"buffer_size,omitempty"`
}

func statusToPayload(status Status) statusPayload {
	p := statusPayload{State: status.State.String()}
	if status.State != StateStopped {
		p.Source = status.SourceName
		p.Destination = status.DestinationName
		p.Prior = status.PriorName
		p.SampleRate = status.Buffer.SampleRate
		p.BufferSize = status.Buffer.BufferSize
	}
	return p
}

// NewStatusServer creates a status SSE server bound to the given engine.
func NewStatusServer(logger *zap.SugaredLogger, engine *Engine) (*StatusServer, error) {
	logger = logger.Named("status")

	manager := eventsource.NewConnectionManager()

	manager.SetOnConnect(func(encoder *eventsource.Encoder) {
		logger.Infow("Status client connected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	manager.SetOnDisconnect(func(encoder *eventsource.Encoder) {
		logger.Debugw("Status client disconnected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	srv := &StatusServer{
		logger:      logger,
		engine:      engine,
		stopChannel: make(chan bool),
		manager:     manager,
		eventID:     1,
	}

	logger.Debug("Created status server instance")

	return srv, nil
}

// Start begins serving on the given port and broadcasting engine status
// transitions to connected clients.
func (srv *StatusServer) Start(port int) error {
	if port <= 0 {
		srv.logger.Debug("Status port not configured, server will not start")
		return nil
	}

	if atomic.LoadInt32(&srv.running) == 1 {
		return nil
	}

	handler := eventsource.HandlerV2(func(
		info *eventsource.ConnectionInfo,
		encoder *eventsource.Encoder,
		stop <-chan bool,
	) {
		if err := encoder.SetRetry(statusRetryTimeout); err != nil {
			if eventsource.IsConnectionError(err) {
				srv.logger.Debugw("Error sending retry, connection closed", "error", err)
			} else {
				srv.logger.Debugw("Error sending retry field", "error", err)
			}
			return
		}

		// every new client gets the current snapshot immediately
		srv.sendStatusToEncoder(encoder, srv.engine.Status())

		select {
		case <-stop:
			return
		case <-srv.stopChannel:
			return
		}
	})

	handlerWithManager := eventsource.HandlerWithManager(srv.manager, handler)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handlerWithManager.ServeHTTP)

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	srv.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	atomic.StoreInt32(&srv.running, 1)

	go func() {
		srv.logger.Infow("Starting status server", "addr", addr)
		if err := srv.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srv.logger.Errorw("Status server error", "error", err)
			atomic.StoreInt32(&srv.running, 0)
		}
	}()

	// relay engine transitions to clients
	statusChannel := srv.engine.SubscribeToStatusChanges()
	go func() {
		for {
			select {
			case <-srv.stopChannel:
				return
			case status, ok := <-statusChannel:
				if !ok {
					return
				}
				srv.broadcastStatus(status)
			}
		}
	}()

	go srv.pingLoop()

	return nil
}

// Stop shuts the server down and closes all client connections.
func (srv *StatusServer) Stop() {
	if atomic.LoadInt32(&srv.running) == 0 {
		return
	}

	srv.logger.Debug("Stopping status server")

	close(srv.stopChannel)

	if srv.manager != nil {
		srv.manager.CloseAll()
	}

	if srv.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.server.Shutdown(ctx); err != nil {
			srv.logger.Warnw("Error during status server shutdown", "error", err)
			srv.server.Close()
		}
	}

	atomic.StoreInt32(&srv.running, 0)

	srv.logger.Info("Status server stopped")
}

func (srv *StatusServer) sendStatusToEncoder(encoder *eventsource.Encoder, status Status) {
	data, err := json.Marshal(statusToPayload(status))
	if err != nil {
		srv.logger.Warnw("Failed to marshal status", "error", err)
		return
	}

	event := eventsource.Event{
		ID:   fmt.Sprintf("%d", atomic.AddInt64(&srv.eventID, 1)),
		Type: "status",
		Data: data,
	}

	if err := encoder.Encode(event); err != nil {
		if eventsource.IsConnectionError(err) {
			srv.logger.Debugw("Error sending status, connection closed", "error", err)
		} else {
			srv.logger.Debugw("Error sending status event", "error", err)
		}
	}
}

func (srv *StatusServer) broadcastStatus(status Status) {
	if atomic.LoadInt32(&srv.running) == 0 || srv.manager == nil {
		return
	}

	data, err := json.Marshal(statusToPayload(status))
	if err != nil {
		srv.logger.Warnw("Failed to marshal status for broadcast", "error", err)
		return
	}

	event := eventsource.Event{
		ID:   fmt.Sprintf("%d", atomic.AddInt64(&srv.eventID, 1)),
		Type: "status",
		Data: data,
	}

	if err := srv.manager.Broadcast(event); err != nil {
		if eventsource.IsConnectionError(err) {
			srv.logger.Debugw("Some connections failed during broadcast", "error", err)
		}
		// the connection manager removes failed connections on its own
	}
}

func (srv *StatusServer) pingLoop() {
	ticker := time.NewTicker(statusPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-srv.stopChannel:
			return
		case <-ticker.C:
			if atomic.LoadInt32(&srv.running) == 0 {
				return
			}

			event := eventsource.Event{
				ID:   fmt.Sprintf("%d", atomic.AddInt64(&srv.eventID, 1)),
				Type: "ping",
				Data: []byte(`{}`),
			}

			if err := srv.manager.Broadcast(event); err != nil {
				if eventsource.IsConnectionError(err) {
					srv.logger.Debugw("Some connections failed during ping broadcast", "error", err)
				}
			}
		}
	}
}
