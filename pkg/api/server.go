package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"xmf-forking-server/pkg/calls"
	"xmf-forking-server/pkg/forking"
	"xmf-forking-server/pkg/gateway"
	"xmf-forking-server/pkg/tts"
)

const maxBodySize = 1 << 20

// Dispatcher handles XMF notifications posted by gateways.
type Dispatcher interface {
	Handle(ctx context.Context, gatewayAddr string, body []byte) ([]byte, error)
}

// Forker executes forking and transcription requests.
type Forker interface {
	Execute(ctx context.Context, callID string, cmd forking.Command) error
	Transcribe(ctx context.Context, callID string, req forking.TranscriptionRequest) (forking.TranscriptionResult, error)
}

// Speech returns cached prompts.
type Speech interface {
	Get(ctx context.Context, req tts.Request) (*tts.Audio, error)
}

// Config configures routing and authentication.
type Config struct {
	NotifyPath string
	// JWTSecret enables HS256 bearer authentication on the application
	// routes when set. The notify path and health endpoints stay open.
	JWTSecret string
}

// Deps are the components the server fronts. TTS and Hub may be nil.
type Deps struct {
	Dispatcher Dispatcher
	Forker     Forker
	TTS        Speech
	Gateways   *gateway.Registry
	Calls      *calls.Registry
	Hub        *TranscriptHub
}

// Server routes HTTP requests to the forking server components.
type Server struct {
	deps   Deps
	config Config
	logger *logrus.Logger
	router *mux.Router
}

// NewServer builds the router.
func NewServer(deps Deps, config Config, logger *logrus.Logger) *Server {
	if config.NotifyPath == "" {
		config.NotifyPath = "/xmfnotify"
	}
	s := &Server{deps: deps, config: config, logger: logger, router: mux.NewRouter()}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(requestLogger(s.logger))

	s.router.HandleFunc(s.config.NotifyPath, s.handleNotify).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	app := s.router.NewRoute().Subrouter()
	app.Use(bearerAuth(s.config.JWTSecret, s.logger))
	app.HandleFunc("/forking/{callID}", s.handleForking).Methods(http.MethodPut)
	app.HandleFunc("/transcription/{callID}", s.handleTranscription).Methods(http.MethodPut)
	app.HandleFunc("/tts/{lang}/{gender}/{codec}", s.handleTTS).Methods(http.MethodGet, http.MethodPost)
	app.PathPrefix("/tts").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusBadRequest, "invalid URL, missing mandatory fields")
	})
	app.HandleFunc("/calls", s.handleCalls).Methods(http.MethodGet)
	if s.deps.Hub != nil {
		app.Handle("/ws/transcripts", s.deps.Hub).Methods(http.MethodGet)
	}
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	reply, err := s.deps.Dispatcher.Handle(r.Context(), host, body)
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, gateway.ErrUnknownGateway) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(reply)
}

func (s *Server) handleForking(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callID"]
	var cmd forking.Command
	if err := decodeJSON(r, &cmd, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Forker.Execute(r.Context(), callID, cmd); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"call_id": callID,
			"action":  cmd.Action,
		}).Warn("Forking request rejected")
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, struct{}{})
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callID"]
	var req forking.TranscriptionRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.deps.Forker.Transcribe(r.Context(), callID, req)
	if errors.Is(err, forking.ErrRecognition) {
		writeJSON(w, http.StatusAccepted, forking.TranscriptionResult{Error: err.Error()})
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	if s.deps.TTS == nil {
		writeError(w, http.StatusServiceUnavailable, "text to speech is disabled")
		return
	}
	vars := mux.Vars(r)
	text := r.FormValue("text")
	if text == "" {
		writeError(w, http.StatusBadRequest, "invalid URL, missing mandatory fields")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"remote": r.RemoteAddr,
		"lang":   vars["lang"],
		"gender": vars["gender"],
		"codec":  vars["codec"],
		"text":   text,
	}).Info("TTS request")

	audio, err := s.deps.TTS.Get(r.Context(), tts.Request{
		Language: vars["lang"],
		Gender:   vars["gender"],
		Codec:    vars["codec"],
		Text:     text,
	})
	if err != nil {
		s.logger.WithError(err).Warn("TTS request failed")
		writeError(w, statusFor(err), err.Error())
		return
	}

	f, err := os.Open(audio.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cached audio unavailable")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "audio/x-wav")
	w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	http.ServeContent(w, r, filepath.Base(audio.Path), audio.ModTime, f)
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Calls.All())
}

type healthResponse struct {
	Status      string           `json:"status"`
	ActiveCalls int              `json:"active_calls"`
	Gateways    []gateway.Status `json:"gateways"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.deps.Calls != nil {
		resp.ActiveCalls = s.deps.Calls.Count()
	}
	if s.deps.Gateways != nil {
		resp.Gateways = s.deps.Gateways.Statuses()
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
