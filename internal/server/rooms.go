package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/roomcast/internal/message"
	"github.com/christopherjohns/roomcast/internal/room"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.rooms.List(r.Context())
	if err != nil {
		log.Error().Str("module", "server").Err(err).Msg("list rooms")
		writeError(w, http.StatusInternalServerError, "could not list rooms")
		return
	}
	reg := s.broadcaster.Registry()
	for _, rm := range rooms {
		rm.ActiveUsers = reg.Count(rm.ID)
	}
	room.SortByActive(rooms)
	writeJSON(w, http.StatusOK, rooms)
}

type createRoomRequest struct {
	Name  string `json:"name"`
	Theme string `json:"theme"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rm, err := s.rooms.Create(r.Context(), req.Name, req.Theme)
	if err != nil {
		if errors.Is(err, room.ErrInvalidName) {
			writeError(w, http.StatusBadRequest, "name is required and must be at most 64 characters")
			return
		}
		log.Error().Str("module", "server").Err(err).Msg("create room")
		writeError(w, http.StatusInternalServerError, "could not create room")
		return
	}
	writeJSON(w, http.StatusCreated, rm)
}

// lookupRoom writes a 404 and returns nil when the room does not exist.
func (s *Server) lookupRoom(w http.ResponseWriter, r *http.Request) *room.Room {
	rm, err := s.rooms.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, room.ErrNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return nil
		}
		log.Error().Str("module", "server").Err(err).Msg("get room")
		writeError(w, http.StatusInternalServerError, "could not load room")
		return nil
	}
	return rm
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	rm := s.lookupRoom(w, r)
	if rm == nil {
		return
	}
	rm.ActiveUsers = s.broadcaster.Registry().Count(rm.ID)
	writeJSON(w, http.StatusOK, rm)
}

func (s *Server) handleRoomMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	rm := s.lookupRoom(w, r)
	if rm == nil {
		return
	}
	msgs, err := s.messages.Recent(r.Context(), rm.ID, limit)
	if err != nil {
		log.Error().Str("module", "server").Err(err).Str("room", rm.ID).Msg("load history")
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}
	if msgs == nil {
		msgs = []*message.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type memberResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleRoomMembers(w http.ResponseWriter, r *http.Request) {
	rm := s.lookupRoom(w, r)
	if rm == nil {
		return
	}
	snapshot := s.broadcaster.Registry().MembersOf(rm.ID)
	members := make([]memberResponse, 0, len(snapshot))
	for _, m := range snapshot {
		members = append(members, memberResponse{ID: m.ID(), DisplayName: m.Name()})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	writeJSON(w, http.StatusOK, members)
}

type assistantResponse struct {
	RoomID    string `json:"room_id"`
	Assistant string `json:"assistant"`
	Changed   bool   `json:"changed"`
}

func (s *Server) handleAddAssistant(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "assistant is disabled")
		return
	}
	rm := s.lookupRoom(w, r)
	if rm == nil {
		return
	}
	added, err := s.assistant.Add(r.Context(), rm.ID)
	if err != nil {
		log.Error().Str("module", "server").Err(err).Str("room", rm.ID).Msg("add assistant")
		writeError(w, http.StatusInternalServerError, "could not add assistant")
		return
	}
	writeJSON(w, http.StatusOK, assistantResponse{RoomID: rm.ID, Assistant: s.assistant.Name(), Changed: added})
}

func (s *Server) handleRemoveAssistant(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "assistant is disabled")
		return
	}
	rm := s.lookupRoom(w, r)
	if rm == nil {
		return
	}
	removed, err := s.assistant.Remove(r.Context(), rm.ID)
	if err != nil {
		log.Error().Str("module", "server").Err(err).Str("room", rm.ID).Msg("remove assistant")
		writeError(w, http.StatusInternalServerError, "could not remove assistant")
		return
	}
	writeJSON(w, http.StatusOK, assistantResponse{RoomID: rm.ID, Assistant: s.assistant.Name(), Changed: removed})
}
