package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"securechat/internal/admission"
	"securechat/internal/apperror"
	"securechat/internal/config"
	"securechat/internal/crypto"
	"securechat/internal/logger"
	"securechat/internal/message"
	"securechat/internal/room"
	"securechat/internal/security"
	wsocket "securechat/internal/websocket"
)

const maxRequestBody = 64 << 10

// ConnectionManager is the part of the websocket manager the handler uses
type ConnectionManager interface {
	AddConnection(conn *websocket.Conn) (*wsocket.Connection, error)
	RemoveConnection(connID string)
	SendTo(connID string, frame []byte) error
	GetConnectionCount() int
	GetAllConnectionsHealth() map[string]*config.ConnectionHealth
}

// Handler serves the REST endpoints and websocket upgrades
type Handler struct {
	upgrader    websocket.Upgrader
	wsManager   ConnectionManager
	roomService room.Service
	coordinator *admission.Coordinator
	relay       *message.Relay
	configs     *config.ConfigManager
	config      *config.ServerConfig
	metrics     *config.ServerMetrics
	validator   *security.InputValidator
	log         *zap.Logger
}

// Deps groups what the handler is wired with. Configs may be nil.
type Deps struct {
	Manager     ConnectionManager
	Rooms       room.Service
	Coordinator *admission.Coordinator
	Relay       *message.Relay
	Configs     *config.ConfigManager
	Metrics     *config.ServerMetrics
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps, cfg *config.ServerConfig, log *zap.Logger) *Handler {
	h := &Handler{
		wsManager:   deps.Manager,
		roomService: deps.Rooms,
		coordinator: deps.Coordinator,
		relay:       deps.Relay,
		configs:     deps.Configs,
		config:      cfg,
		metrics:     deps.Metrics,
		validator:   security.NewInputValidator(cfg),
		log:         logger.OrNop(log).Named("http"),
	}
	if h.metrics == nil {
		h.metrics = config.NewServerMetrics()
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return h.originAllowed(r.Header.Get("Origin"))
		},
	}
	return h
}

// Routes returns the relay's HTTP surface
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/rooms", h.CreateRoom)
	mux.HandleFunc("POST /api/create-room", h.CreateRoom)
	mux.HandleFunc("POST /api/rooms/join", h.ValidateJoin)
	mux.HandleFunc("POST /api/join-room", h.ValidateJoin)

	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /api/stats", h.Stats)
	mux.HandleFunc("GET /api/config", h.ConfigSummary)
	mux.HandleFunc("GET /api/connections", h.Connections)

	mux.HandleFunc("GET /ws", h.HandleWebSocket)

	return h.withCORS(h.withAccessLog(mux))
}

type createRoomRequest struct {
	RoomName         string     `json:"roomName"`
	CreatorPublicKey crypto.JWK `json:"creatorPublicKey"`
}

type joinRoomRequest struct {
	RoomID  string `json:"roomId"`
	Passkey string `json:"passkey"`
}

// CreateRoom allocates a room and returns its id and passkey
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	created, err := h.roomService.CreateRoom(req.RoomName, req.CreatorPublicKey)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

// ValidateJoin checks a passkey and describes the room
func (h *Handler) ValidateJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRoomRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	desc, err := h.roomService.ValidateJoin(req.RoomID, req.Passkey)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// Health reports liveness with coarse counts
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"rooms":       h.roomService.GetRoomCount(),
		"connections": h.wsManager.GetConnectionCount(),
	})
}

// Stats returns a metrics snapshot
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.GetMetrics())
}

// ConfigSummary exposes the non-secret parts of the running configuration
func (h *Handler) ConfigSummary(w http.ResponseWriter, _ *http.Request) {
	if h.configs == nil {
		h.writeError(w, apperror.NotFound("configuration summary is not available"))
		return
	}
	writeJSON(w, http.StatusOK, h.configs.GetConfigSummary())
}

// Connections reports aggregate connection health. Connection ids are
// routing addresses and are not exposed.
func (h *Handler) Connections(w http.ResponseWriter, _ *http.Request) {
	all := h.wsManager.GetAllConnectionsHealth()
	stats := make([]*config.ConnectionHealth, 0, len(all))
	healthy := 0
	for _, s := range all {
		if s.IsHealthy {
			healthy++
		}
		stats = append(stats, s)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":       len(stats),
		"healthy":     healthy,
		"connections": stats,
	})
}

type errorBody struct {
	Error struct {
		Code    apperror.Code `json:"code"`
		Message string        `json:"message"`
	} `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := apperror.CodeOf(err)
	if code == apperror.CodeUnknown {
		code = apperror.CodeInternal
	}
	if code == apperror.CodeInternal {
		h.log.Error("request failed", zap.Error(err))
	}

	var body errorBody
	body.Error.Code = code
	body.Error.Message = apperror.MessageOf(err)
	writeJSON(w, code.HTTPStatus(), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.InvalidInput("request body too large")
		}
		return apperror.Wrap(apperror.CodeInvalidInput, "malformed request body", err)
	}
	return nil
}
