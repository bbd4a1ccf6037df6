package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/jake-scott/net2-doors/internal/pkg/bridge"
	"github.com/jake-scott/net2-doors/internal/pkg/doorstate"
	"github.com/jake-scott/net2-doors/internal/pkg/logging"
)

// Doors is the part of the bridge the HTTP API drives
type Doors interface {
	Status() bridge.Status
	Doors() []doorstate.Snapshot
	Door(id int) (doorstate.Snapshot, error)
	SetAction(ctx context.Context, doorID int, s doorstate.Status) error
	ControlTimed(ctx context.Context, doorID int, d time.Duration) error
}

type DoorHandler struct {
	doors Doors
}

func NewDoorHandler(doors Doors) DoorHandler {
	return DoorHandler{doors: doors}
}

// Register adds the door routes to r
func (h DoorHandler) Register(r *mux.Router) {
	r.HandleFunc("/status", h.HandleStatus).Methods(http.MethodGet)
	r.HandleFunc("/doors", h.HandleList).Methods(http.MethodGet)
	r.HandleFunc("/doors/{id:[0-9]+}", h.HandleGet).Methods(http.MethodGet)
	r.HandleFunc("/doors/{id:[0-9]+}/action", h.HandleAction).Methods(http.MethodPost)
	r.HandleFunc("/doors/{id:[0-9]+}/control", h.HandleControl).Methods(http.MethodPost)
}

func (h DoorHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(w, r, http.StatusOK, newStatusView(h.doors.Status()))
}

func (h DoorHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	snaps := h.doors.Doors()

	views := make([]DoorView, 0, len(snaps))
	for _, s := range snaps {
		views = append(views, newDoorView(s))
	}

	sendJSONResponse(w, r, http.StatusOK, views)
}

func (h DoorHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := doorID(w, r)
	if !ok {
		return
	}

	s, err := h.doors.Door(id)
	if err != nil {
		h.sendCommandError(w, r, err)
		return
	}

	sendJSONResponse(w, r, http.StatusOK, newDoorView(s))
}

func (h DoorHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	id, ok := doorID(w, r)
	if !ok {
		return
	}

	req := ActionRequest{}
	if err := decodeJSONBody(w, r, &req); err != nil {
		sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(formats); err != nil {
		sendValidationError(w, r, err)
		return
	}

	if err := h.doors.SetAction(r.Context(), id, req.Status()); err != nil {
		h.sendCommandError(w, r, err)
		return
	}

	h.sendDoor(w, r, id)
}

func (h DoorHandler) HandleControl(w http.ResponseWriter, r *http.Request) {
	id, ok := doorID(w, r)
	if !ok {
		return
	}

	req := ControlRequest{}
	if err := decodeJSONBody(w, r, &req); err != nil {
		sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(formats); err != nil {
		sendValidationError(w, r, err)
		return
	}

	if err := h.doors.ControlTimed(r.Context(), id, req.Duration()); err != nil {
		h.sendCommandError(w, r, err)
		return
	}

	h.sendDoor(w, r, id)
}

func (h DoorHandler) sendDoor(w http.ResponseWriter, r *http.Request, id int) {
	s, err := h.doors.Door(id)
	if err != nil {
		h.sendCommandError(w, r, err)
		return
	}

	sendJSONResponse(w, r, http.StatusOK, newDoorView(s))
}

func (h DoorHandler) sendCommandError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, bridge.ErrUnknownDoor):
		sendError(w, r, http.StatusNotFound, err.Error())
	default:
		logging.Logger(r.Context()).WithError(err).Warn("door command failed")
		sendError(w, r, http.StatusBadGateway, err.Error())
	}
}

func doorID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		sendError(w, r, http.StatusBadRequest, "bad door id")
		return 0, false
	}

	return id, true
}
