package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/topiclane/internal/events"
	"github.com/ent0n29/topiclane/internal/lanes"
	"github.com/ent0n29/topiclane/internal/topics"
)

type laneView struct {
	lanes.Stats
	HasPending bool `json:"has_pending"`
	Generating bool `json:"generating"`
}

type startGenerationRequest struct {
	TurnID string `json:"turn_id" validate:"max=128"`
}

// Messages written to lane websocket clients.
type laneSnapshotMessage struct {
	Type  string     `json:"type"`
	Busy  bool       `json:"busy"`
	Lanes []laneView `json:"lanes"`
}

type laneEventMessage struct {
	Type  string       `json:"type"`
	Event events.Event `json:"event"`
}

type laneBusyMessage struct {
	Type string `json:"type"`
	Busy bool   `json:"busy"`
}

func (s *Server) laneView(key string) laneView {
	st := s.lanes.Stats(key)
	return laneView{
		Stats:      st,
		HasPending: st.Pending > 0,
		Generating: s.topics != nil && s.topics.Generating(key),
	}
}

func (s *Server) handleListLanes(w http.ResponseWriter, _ *http.Request) {
	keys := s.lanes.Keys()
	out := make([]laneView, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.laneView(k))
	}
	respondJSON(w, http.StatusOK, map[string]any{"lanes": out})
}

func (s *Server) handleGetLane(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	respondJSON(w, http.StatusOK, s.laneView(key))
}

func (s *Server) handleClearLane(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	s.lanes.Clear(key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	if s.topics == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "topic tracker not configured")
		return
	}
	topic := strings.TrimSpace(chi.URLParam(r, "topic"))
	var req startGenerationRequest
	if err := decodeValid(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondDecodeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.topics.StartGeneration(topic, req.TurnID))
}

func (s *Server) handleEndGeneration(w http.ResponseWriter, r *http.Request) {
	if s.topics == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "topic tracker not configured")
		return
	}
	topic := strings.TrimSpace(chi.URLParam(r, "topic"))
	g, err := s.topics.EndGeneration(topic)
	if err != nil {
		if errors.Is(err, topics.ErrNotGenerating) {
			respondError(w, http.StatusNotFound, "not_generating", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "generation_end_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, g)
}

// handleLanesWS streams lane events for the requested keys plus the combined
// busy flag of those keys.
func (s *Server) handleLanesWS(w http.ResponseWriter, r *http.Request) {
	keys := splitKeys(r.URL.Query().Get("keys"))
	if len(keys) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "query parameter keys is required")
		return
	}
	if s.bus == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event bus not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}

	// Subscribe before building the observer so the snapshot cannot miss an
	// event.
	evts, unsub := s.bus.Channel(256)
	defer unsub()
	observer := lanes.NewStateObserver(s.lanes, s.bus, keys...)
	defer observer.Close()
	busyCh := make(chan bool, 16)
	observer.OnChange(func(busy bool) {
		select {
		case busyCh <- busy:
		default:
		}
	})

	snapshot := laneSnapshotMessage{Type: "snapshot", Busy: observer.Busy()}
	for _, k := range keys {
		snapshot.Lanes = append(snapshot.Lanes, s.laneView(k))
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		write := func(v any) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			return conn.WriteJSON(v) == nil
		}
		if !write(snapshot) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-evts:
				if !ok {
					return
				}
				if _, ok := wanted[evt.Key]; !ok {
					continue
				}
				if !write(laneEventMessage{Type: "lane_event", Event: evt}) {
					return
				}
			case busy := <-busyCh:
				if !write(laneBusyMessage{Type: "busy", Busy: busy}) {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	<-writerDone
}

func splitKeys(raw string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, dup := seen[part]; dup {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}
