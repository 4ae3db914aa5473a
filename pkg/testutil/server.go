package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/killallgit/agentstream/pkg/api"
	"github.com/killallgit/agentstream/pkg/chat"
	"github.com/labstack/echo/v4"
)

// Server is an in-process fake of the agent backend. It serves the run,
// message and history endpoints under /api and streams whatever payloads a
// test queues with Emit over SSE or WebSocket.
type Server struct {
	URL string

	echo     *echo.Echo
	http     *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	token       string
	messages    map[string][]chat.Message
	runs        map[string][]api.AgentRun
	streams     map[string]chan []byte
	startFail   *cannedResponse
	startCalls  []api.StartRunRequest
	stopCalls   []string
	persisted   []api.PersistMessageRequest
	streamOpens []string
	seq         int
}

type cannedResponse struct {
	status int
	body   string
}

func NewServer() *Server {
	s := &Server{
		echo:     echo.New(),
		messages: make(map[string][]chat.Message),
		runs:     make(map[string][]api.AgentRun),
		streams:  make(map[string]chan []byte),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	g := s.echo.Group("/api")
	g.POST("/threads/:thread_id/agent/start", s.startRun)
	g.POST("/threads/:thread_id/messages", s.persistMessage)
	g.GET("/threads/:thread_id/messages", s.listMessages)
	g.GET("/threads/:thread_id/agent-runs", s.listRuns)
	g.POST("/agent-run/:run_id/stop", s.stopRun)
	g.GET("/agent-run/:run_id/stream", s.streamSSE)
	g.GET("/agent-run/:run_id/ws", s.streamWebSocket)

	s.http = httptest.NewServer(s.echo)
	s.URL = s.http.URL + "/api"
	return s
}

func (s *Server) Close() {
	s.http.CloseClientConnections()
	s.http.Close()
}

// RequireToken makes the stream endpoints reject requests without token
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// FailStart makes every start request answer with status and body
func (s *Server) FailStart(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startFail = &cannedResponse{status: status, body: body}
}

func (s *Server) SetMessages(threadID string, msgs ...chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[threadID] = append([]chat.Message(nil), msgs...)
}

func (s *Server) SetRuns(threadID string, runs ...api.AgentRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[threadID] = append([]api.AgentRun(nil), runs...)
	for _, r := range runs {
		s.streamLocked(r.ID)
	}
}

// Emit queues a raw payload for the run's stream
func (s *Server) Emit(runID, raw string) {
	s.mu.Lock()
	ch := s.streamLocked(runID)
	s.mu.Unlock()
	ch <- []byte(raw)
}

func (s *Server) StartCalls() []api.StartRunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.StartRunRequest(nil), s.startCalls...)
}

func (s *Server) StopCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopCalls...)
}

func (s *Server) Persisted() []api.PersistMessageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.PersistMessageRequest(nil), s.persisted...)
}

// StreamOpens lists the run ids of accepted stream connections
func (s *Server) StreamOpens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.streamOpens...)
}

func (s *Server) streamLocked(runID string) chan []byte {
	ch, ok := s.streams[runID]
	if !ok {
		ch = make(chan []byte, 256)
		s.streams[runID] = ch
	}
	return ch
}

func (s *Server) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *Server) startRun(c echo.Context) error {
	var req api.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "invalid body"})
	}
	threadID := c.Param("thread_id")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls = append(s.startCalls, req)
	if s.startFail != nil {
		return c.Blob(s.startFail.status, echo.MIMEApplicationJSON, []byte(s.startFail.body))
	}

	run := api.AgentRun{
		ID:        s.nextID("run"),
		ThreadID:  threadID,
		Status:    api.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	s.runs[threadID] = append(s.runs[threadID], run)
	s.streamLocked(run.ID)
	return c.JSON(http.StatusOK, api.StartRunResponse{AgentRunID: run.ID})
}

func (s *Server) stopRun(c echo.Context) error {
	runID := c.Param("run_id")

	s.mu.Lock()
	s.stopCalls = append(s.stopCalls, runID)
	for threadID, runs := range s.runs {
		for i := range runs {
			if runs[i].ID == runID && runs[i].Status == api.RunRunning {
				s.runs[threadID][i].Status = api.RunStopped
			}
		}
	}
	s.mu.Unlock()

	return c.NoContent(http.StatusNoContent)
}

func (s *Server) persistMessage(c echo.Context) error {
	var req api.PersistMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"detail": "invalid body"})
	}
	threadID := c.Param("thread_id")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted = append(s.persisted, req)
	now := time.Now().UTC()
	msg := chat.Message{
		ID:        s.nextID("msg"),
		ThreadID:  threadID,
		Type:      chat.TypeUser,
		Content:   req.Message,
		CreatedAt: now,
		UpdatedAt: now,
		Sequence:  int64(len(s.messages[threadID]) + 1),
	}
	s.messages[threadID] = append(s.messages[threadID], msg)
	return c.JSON(http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) listMessages(c echo.Context) error {
	s.mu.Lock()
	msgs := append([]chat.Message(nil), s.messages[c.Param("thread_id")]...)
	s.mu.Unlock()
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) listRuns(c echo.Context) error {
	s.mu.Lock()
	runs := append([]api.AgentRun(nil), s.runs[c.Param("thread_id")]...)
	s.mu.Unlock()
	if runs == nil {
		runs = []api.AgentRun{}
	}
	return c.JSON(http.StatusOK, map[string]any{"agent_runs": runs})
}

// openStream validates the token and run id and returns the run's queue
func (s *Server) openStream(c echo.Context) (chan []byte, error) {
	runID := c.Param("run_id")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && c.QueryParam("token") != s.token {
		return nil, c.JSON(http.StatusUnauthorized, map[string]string{"detail": "invalid token"})
	}
	ch, ok := s.streams[runID]
	if !ok {
		return nil, c.JSON(http.StatusNotFound, map[string]string{"detail": "run not found"})
	}
	s.streamOpens = append(s.streamOpens, runID)
	return ch, nil
}

func (s *Server) streamSSE(c echo.Context) error {
	ch, err := s.openStream(c)
	if ch == nil {
		return err
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-ch:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func (s *Server) streamWebSocket(c echo.Context) error {
	ch, err := s.openStream(c)
	if ch == nil {
		return err
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return nil
		case raw := <-ch:
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return nil
			}
		}
	}
}

// StatusEvent renders a status payload
func StatusEvent(status string) string {
	b, _ := json.Marshal(map[string]string{"type": "status", "status": status})
	return string(b)
}

// AssistantEvent renders an assistant message payload with string-encoded
// content and metadata, the way the backend streams them.
func AssistantEvent(id, threadID, text, streamStatus string) string {
	content, _ := json.Marshal(map[string]string{"role": "assistant", "content": text})
	metadata, _ := json.Marshal(map[string]string{"stream_status": streamStatus})
	b, _ := json.Marshal(map[string]any{
		"message_id": id,
		"thread_id":  threadID,
		"type":       "assistant",
		"content":    string(content),
		"metadata":   string(metadata),
	})
	return string(b)
}
