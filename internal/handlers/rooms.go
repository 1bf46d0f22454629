package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pliu/adyx/internal/admission"
	"github.com/pliu/adyx/internal/metrics"
	"github.com/pliu/adyx/internal/middleware"
	"github.com/pliu/adyx/internal/models"
	"github.com/pliu/adyx/internal/rooms"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 10

// TicketIssuer signs the ticket a client presents on socket upgrade.
type TicketIssuer interface {
	IssueTicket(roomCode string, ttl time.Duration) string
}

type RoomHandler struct {
	Registry  *rooms.Registry
	Guard     *admission.Guard
	Tickets   TicketIssuer
	TicketTTL time.Duration
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

func (h *RoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	addr := middleware.SourceAddr(r)
	if err := h.Guard.AllowCreate(addr); err != nil {
		h.Metrics.Rejected("create_rate_limited")
		writeTryLater(w, err)
		return
	}

	var req models.CreateRoomRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, models.ErrCodeBadRequest)
		return
	}

	room, err := h.Registry.Create(req.Password)
	if err != nil {
		if errors.Is(err, rooms.ErrCodeSpaceExhausted) {
			writeError(w, http.StatusServiceUnavailable, models.ErrCodeTryLater)
			return
		}
		h.logger().Error("create room", zap.Error(err))
		writeError(w, http.StatusInternalServerError, models.ErrCodeInternal)
		return
	}
	h.Metrics.RoomCreated()
	h.Metrics.SetRooms(h.Registry.Len())

	writeJSON(w, http.StatusCreated, models.CreateRoomResponse{
		RoomCode:    room.Code(),
		Salt:        room.Salt(),
		HasPassword: room.HasPassword(),
		Ticket:      h.Tickets.IssueTicket(room.Code(), h.TicketTTL),
	})
}

// JoinRoom resolves a room code for a joining client. Lockout is checked
// before anything else, and every lookup outcome is padded with the same
// random delay so timing does not reveal which codes exist.
func (h *RoomHandler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	addr := middleware.SourceAddr(r)
	if err := h.Guard.CheckLockout(addr); err != nil {
		h.Metrics.JoinAttempt("locked_out")
		writeTryLater(w, err)
		return
	}
	if err := h.Guard.AllowJoin(addr); err != nil {
		h.Metrics.JoinAttempt("rate_limited")
		writeTryLater(w, err)
		return
	}

	var req models.JoinRoomRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, models.ErrCodeBadRequest)
		return
	}
	code := admission.SanitizeRoomCode(req.RoomCode)
	if !rooms.ValidCode(code) {
		writeError(w, http.StatusBadRequest, models.ErrCodeBadRequest)
		return
	}

	room, status, errCode := h.resolve(addr, code, req.Password)
	if err := h.Guard.Delay(r.Context()); err != nil {
		return
	}
	if errCode != "" {
		h.Metrics.JoinAttempt(errCode)
		writeError(w, status, errCode)
		return
	}

	h.Metrics.JoinAttempt("ok")
	writeJSON(w, http.StatusOK, models.JoinRoomResponse{
		RoomCode: room.Code(),
		Salt:     room.Salt(),
		Ticket:   h.Tickets.IssueTicket(room.Code(), h.TicketTTL),
	})
}

// resolve checks code and password and books the outcome with the guard.
func (h *RoomHandler) resolve(addr, code, password string) (*rooms.Room, int, string) {
	room, ok := h.Registry.Lookup(code)
	if !ok {
		h.recordFailure(addr)
		return nil, http.StatusNotFound, models.ErrCodeRoomNotFound
	}
	if room.HasPassword() {
		password = admission.SanitizePassword(password)
		if password == "" {
			return nil, http.StatusUnauthorized, models.ErrCodePasswordRequired
		}
		if !room.CheckPassword(password) {
			h.recordFailure(addr)
			return nil, http.StatusForbidden, models.ErrCodeIncorrectPassword
		}
	}
	h.Guard.RecordSuccess(addr)
	return room, http.StatusOK, ""
}

func (h *RoomHandler) recordFailure(addr string) {
	if err := h.Guard.RecordFailure(addr); err != nil {
		h.Metrics.Rejected("locked_out")
	}
}

func (h *RoomHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// decodeBody reads a small JSON body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, models.ErrorResponse{Error: code})
}

// writeTryLater answers rate limits and lockouts identically.
func writeTryLater(w http.ResponseWriter, err error) {
	if wait := admission.RetryAfter(err); wait > 0 {
		secs := int(wait.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeError(w, http.StatusTooManyRequests, models.ErrCodeTryLater)
}
