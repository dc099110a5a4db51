package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/arzzra/roomphone/pkg/callroom"
	"github.com/gin-gonic/gin"
)

type callRequest struct {
	Target string `json:"target" binding:"required"`
}

type transferRequest struct {
	Target string `json:"target" binding:"required"`
}

type muteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

type dndRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type roomRequest struct {
	RoomID *int `json:"room_id" binding:"required"`
}

type deviceRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
}

type roomView struct {
	callroom.RoomInfo
	Active bool     `json:"active"`
	Calls  []string `json:"calls"`
}

// writeError переводит ошибку Phone в HTTP статус
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, callroom.ErrCallNotFound),
		errors.Is(err, callroom.ErrRoomNotFound),
		errors.Is(err, callroom.ErrDeviceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, callroom.ErrEmptyTarget):
		status = http.StatusBadRequest
	case errors.Is(err, callroom.ErrNotInitialized):
		status = http.StatusConflict
	default:
		var callErr *callroom.Error
		if errors.As(err, &callErr) && callErr.Code == callroom.ErrorCodeSignaling {
			status = http.StatusBadGateway
		}
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.phone.Snapshot())
}

func (s *Server) listCalls(c *gin.Context) {
	state := s.phone.Snapshot()
	calls := make([]callroom.CallView, 0, len(state.Calls))
	for _, view := range state.Calls {
		calls = append(calls, view)
	}
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].StartTime.Equal(calls[j].StartTime) {
			return calls[i].ID < calls[j].ID
		}
		return calls[i].StartTime.Before(calls[j].StartTime)
	})
	c.JSON(http.StatusOK, calls)
}

func (s *Server) getCall(c *gin.Context) {
	view, ok := s.phone.CallView(c.Param("id"))
	if !ok {
		writeError(c, callroom.ErrCallNotFound)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) createCall(c *gin.Context) {
	var req callRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, err := s.phone.Call(c.Request.Context(), req.Target)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// callAction обработчик операции над одним вызовом без тела запроса
func (s *Server) callAction(op func(ctx context.Context, id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) transferCall(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.phone.Transfer(c.Request.Context(), c.Param("id"), req.Target); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) muteCall(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.phone.SetCallMuted(c.Request.Context(), c.Param("id"), *req.Muted); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// moveCall переносит вызов в комнату; room_id <= 0 создает новую
func (s *Server) moveCall(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	room, err := s.phone.MoveCallToRoom(c.Request.Context(), c.Param("id"), callroom.RoomID(*req.RoomID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": room})
}

func (s *Server) listRooms(c *gin.Context) {
	state := s.phone.Snapshot()
	rooms := make([]roomView, 0, len(state.Rooms))
	for id, info := range state.Rooms {
		view := roomView{RoomInfo: info, Active: id == state.ActiveRoom, Calls: []string{}}
		for _, call := range state.Calls {
			if call.RoomID == id {
				view.Calls = append(view.Calls, call.ID)
			}
		}
		sort.Strings(view.Calls)
		rooms = append(rooms, view)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	c.JSON(http.StatusOK, rooms)
}

func (s *Server) setActiveRoom(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.phone.SetActiveRoom(c.Request.Context(), callroom.RoomID(*req.RoomID)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) mergeRoom(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	if err := s.phone.Merge(c.Request.Context(), callroom.RoomID(id)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setMuted(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.phone.SetMuted(c.Request.Context(), *req.Muted)
	c.Status(http.StatusNoContent)
}

func (s *Server) setDND(c *gin.Context) {
	var req dndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.phone.SetDND(*req.Enabled)
	c.Status(http.StatusNoContent)
}

func (s *Server) listDevices(c *gin.Context) {
	devices, err := s.phone.RefreshDevices(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	state := s.phone.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"devices":       devices,
		"input_device":  state.InputDevice,
		"output_device": state.OutputDevice,
	})
}

func (s *Server) setMicrophone(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.phone.SetMicrophone(c.Request.Context(), req.DeviceID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setSpeaker(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.phone.SetSpeaker(c.Request.Context(), req.DeviceID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
