package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
	"github.com/skip2/go-qrcode"

	"wahub/internal/httpserver"
	"wahub/internal/logging"
)

type config struct {
	Port   string `envconfig:"PORT" default:"8080"`
	APIKey string `envconfig:"MOCK_API_KEY" default:"mock_key"`

	// connectionState reports "connecting" this many times before "open".
	PairAfterPolls int     `envconfig:"MOCK_PAIR_AFTER_POLLS" default:"3"`
	OwnerNumber    string  `envconfig:"MOCK_OWNER_NUMBER" default:"5511999990000"`
	SendFailRate   float64       `envconfig:"MOCK_SEND_FAIL_RATE" default:"0"`
	Delay          time.Duration `envconfig:"MOCK_DELAY" default:"0s"`

	// callbacks are retried on 5xx, 429 and timeouts
	WebhookMaxRetries int    `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"3"`
	LogFormat         string `envconfig:"LOG_FORMAT" default:"text"`
}

type webhookSettings struct {
	Enabled  bool     `json:"enabled"`
	URL      string   `json:"url"`
	ByEvents bool     `json:"byEvents"`
	Base64   bool     `json:"base64"`
	Events   []string `json:"events"`
}

type instance struct {
	ID       string
	Name     string
	Token    string
	State    string
	Polls    int
	Count    int
	Number   string
	Webhook  webhookSettings
	Settings map[string]any
	Groups   []group
}

type group struct {
	ID           string   `json:"id"`
	Subject      string   `json:"subject"`
	Description  string   `json:"desc,omitempty"`
	Size         int      `json:"size"`
	Owner        string   `json:"owner,omitempty"`
	Participants []string `json:"-"`
}

type server struct {
	cfg    config
	client *http.Client
	msgSeq uint64

	mu        sync.Mutex
	instances map[string]*instance

	rngMu sync.Mutex
	rng   *rand.Rand
}

func main() {
	cfg := loadConfig()
	logging.Init("mock-provider", cfg.LogFormat, "info")

	s := &server{
		cfg:       cfg,
		client:    &http.Client{Timeout: 5 * time.Second},
		instances: make(map[string]*instance),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	slog.Info("mock provider listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, httpserver.Logging(s.routes())); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requireAPIKey, s.delay)

	r.HandleFunc("/instance/create", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/instance/fetchInstances", s.handleFetchInstances).Methods(http.MethodGet)
	r.HandleFunc("/instance/connect/{name}", s.handleConnect).Methods(http.MethodGet)
	r.HandleFunc("/instance/connectionState/{name}", s.handleConnectionState).Methods(http.MethodGet)
	r.HandleFunc("/instance/restart/{name}", s.handleRestart).Methods(http.MethodPost, http.MethodPut)
	r.HandleFunc("/instance/logout/{name}", s.handleLogout).Methods(http.MethodDelete)
	r.HandleFunc("/instance/delete/{name}", s.handleDelete).Methods(http.MethodDelete)

	r.HandleFunc("/webhook/set/{name}", s.handleSetWebhook).Methods(http.MethodPost)
	r.HandleFunc("/webhook/find/{name}", s.handleFindWebhook).Methods(http.MethodGet)
	r.HandleFunc("/settings/set/{name}", s.handleSetSettings).Methods(http.MethodPost)
	r.HandleFunc("/settings/find/{name}", s.handleFindSettings).Methods(http.MethodGet)

	for _, ep := range []string{"sendText", "sendMedia", "sendButtons", "sendList", "sendLocation", "sendContact", "sendPoll"} {
		r.HandleFunc("/message/"+ep+"/{name}", s.handleSend).Methods(http.MethodPost)
	}

	r.HandleFunc("/chat/whatsappNumbers/{name}", s.handleWhatsappNumbers).Methods(http.MethodPost)
	r.HandleFunc("/chat/fetchProfilePictureUrl/{name}", s.handleProfilePicture).Methods(http.MethodPost)
	r.HandleFunc("/chat/updateProfileName/{name}", s.handleOK).Methods(http.MethodPost)
	r.HandleFunc("/chat/updateProfileStatus/{name}", s.handleOK).Methods(http.MethodPost)
	r.HandleFunc("/group/fetchAllGroups/{name}", s.handleFetchGroups).Methods(http.MethodGet)
	r.HandleFunc("/group/create/{name}", s.handleCreateGroup).Methods(http.MethodPost)
	r.HandleFunc("/group/updateParticipant/{name}", s.handleOK).Methods(http.MethodPost)
	r.HandleFunc("/group/leaveGroup/{name}", s.handleLeaveGroup).Methods(http.MethodDelete)
	return r
}

func (s *server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) delay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Delay > 0 {
			select {
			case <-time.After(s.cfg.Delay):
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// lookup returns the named instance or writes a 404 in the provider's error shape.
func (s *server) lookup(w http.ResponseWriter, r *http.Request) *instance {
	name := mux.Vars(r)["name"]
	inst := s.instances[name]
	if inst == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("The %q instance does not exist", name))
	}
	return inst
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceName string           `json:"instanceName"`
		Token        string           `json:"token"`
		Number       string           `json:"number"`
		Webhook      *webhookSettings `json:"webhook"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InstanceName == "" {
		writeError(w, http.StatusBadRequest, "instanceName is required")
		return
	}

	s.mu.Lock()
	if _, exists := s.instances[req.InstanceName]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, fmt.Sprintf("This name %q is already in use.", req.InstanceName))
		return
	}
	inst := &instance{
		ID:       uuid.NewString(),
		Name:     req.InstanceName,
		Token:    req.Token,
		State:    "close",
		Number:   req.Number,
		Settings: map[string]any{"rejectCall": false, "groupsIgnore": false, "alwaysOnline": false, "readMessages": false, "readStatus": false, "syncFullHistory": false},
	}
	if req.Webhook != nil {
		inst.Webhook = *req.Webhook
	}
	s.instances[inst.Name] = inst
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"instance": map[string]any{"instanceName": inst.Name, "instanceId": inst.ID, "status": "created"},
		"hash":     inst.Token,
	})
}

func (s *server) handleFetchInstances(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, map[string]any{
			"id": inst.ID, "name": inst.Name, "connectionStatus": inst.State, "number": inst.Number,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleConnect issues a fresh QR and pairing code, or reports the open state.
func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	inst := s.lookup(w, r)
	if inst == nil {
		s.mu.Unlock()
		return
	}
	if inst.State == "open" {
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"instance": map[string]any{"instanceName": inst.Name, "state": "open"}})
		return
	}
	inst.State = "connecting"
	inst.Polls = 0
	inst.Count++
	count := inst.Count
	hook := inst.Webhook
	name, token := inst.Name, inst.Token
	s.mu.Unlock()

	code := fmt.Sprintf("2@%s,%s,%d", uuid.NewString(), name, count)
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	b64 := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	pairing := strings.ToUpper(uuid.NewString()[:8])

	writeJSON(w, http.StatusOK, map[string]any{"pairingCode": pairing, "code": code, "base64": b64, "count": count})
	s.notify(hook, name, token, "QRCODE_UPDATED", map[string]any{
		"qrcode": map[string]any{"instance": name, "pairingCode": pairing, "code": code, "base64": b64},
	})
}

// handleConnectionState flips a connecting instance to open after PairAfterPolls checks.
func (s *server) handleConnectionState(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	inst := s.lookup(w, r)
	if inst == nil {
		s.mu.Unlock()
		return
	}
	opened := false
	if inst.State == "connecting" {
		inst.Polls++
		if inst.Polls > s.cfg.PairAfterPolls {
			inst.State = "open"
			opened = true
		}
	}
	state, hook, name, token := inst.State, inst.Webhook, inst.Name, inst.Token
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"instance": map[string]any{"instanceName": name, "state": state}})
	if opened {
		s.notify(hook, name, token, "CONNECTION_UPDATE", map[string]any{
			"instance": name, "state": "open", "wuid": s.cfg.OwnerNumber + "@s.whatsapp.net",
		})
	}
}

func (s *server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	inst := s.lookup(w, r)
	if inst == nil {
		s.mu.Unlock()
		return
	}
	name, state := inst.Name, inst.State
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"instance": map[string]any{"instanceName": name, "state": state}})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	inst := s.lookup(w, r)
	if inst == nil {
		s.mu.Unlock()
		return
	}
	if inst.State != "open" {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, fmt.Sprintf("The %q instance is not connected", inst.Name))
		return
	}
	inst.State = "close"
	hook, name, token := inst.Webhook, inst.Name, inst.Token
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"status": "SUCCESS", "error": false, "response": map[string]any{"message": "Instance logged out"}})
	s.notify(hook, name, token, "CONNECTION_UPDATE", map[string]any{"instance": name, "state": "close"})
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	inst := s.lookup(w, r)
	if inst != nil {
		delete(s.instances, inst.Name)
	}
	s.mu.Unlock()
	if inst == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "SUCCESS", "error": false, "response": map[string]any{"message": "Instance deleted"}})
}

func (s *server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Webhook webhookSettings `json:"webhook"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook body")
		return
	}
	s.mu.Lock()
	inst := s.lookup(w, r)
	if inst != nil {
		inst.Webhook = body.Webhook
	}
	s.mu.Unlock()
	if inst == nil {
		return
	}
	writeJSON(w, http.StatusCreated, body.Webhook)
}

func (s *server) handleFindWebhook(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	inst := s.lookup(w, r)
	var hook webhookSettings
	if inst != nil {
		hook = inst.Webhook
	}
	s.mu.Unlock()
	if inst == nil {
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

func (s *server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings body")
		return
	}
	s.mu.Lock()
	inst := s.lookup(w, r)
	if inst != nil {
		for k, v := range body {
			inst.Settings[k] = v
		}
	}
	s.mu.Unlock()
	if inst == nil {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"settings": body})
}

func (s *server) handleFindSettings(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	inst := s.lookup(w, r)
	out := map[string]any{}
	if inst != nil {
		for k, v := range inst.Settings {
			out[k] = v
		}
	}
	s.mu.Unlock()
	if inst == nil {
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Number string `json:"number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Number == "" {
		writeError(w, http.StatusBadRequest, "number is required")
		return
	}
	s.mu.Lock()
	inst := s.lookup(w, r)
	open := inst != nil && inst.State == "open"
	s.mu.Unlock()
	if inst == nil {
		return
	}
	if !open {
		writeError(w, http.StatusBadRequest, "Connection Closed")
		return
	}
	if s.cfg.SendFailRate > 0 && s.randFloat() < s.cfg.SendFailRate {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("number %s does not exist on WhatsApp", body.Number))
		return
	}

	id := fmt.Sprintf("BAE5%012X", atomic.AddUint64(&s.msgSeq, 1))
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":    map[string]any{"remoteJid": body.Number + "@s.whatsapp.net", "fromMe": true, "id": id},
		"status": "PENDING",
	})
}

func (s *server) handleWhatsappNumbers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Numbers []string `json:"numbers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "numbers is required")
		return
	}
	out := make([]map[string]any, 0, len(body.Numbers))
	for _, n := range body.Numbers {
		out = append(out, map[string]any{"exists": len(n) >= 10, "jid": n + "@s.whatsapp.net", "number": n})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleProfilePicture(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Number string `json:"number"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	writeJSON(w, http.StatusOK, map[string]any{
		"wuid":              body.Number + "@s.whatsapp.net",
		"profilePictureUrl": "https://pps.whatsapp.net/mock/" + body.Number + ".jpg",
	})
}

func (s *server) handleFetchGroups(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	inst := s.lookup(w, r)
	var out []group
	if inst != nil {
		out = append([]group{}, inst.Groups...)
	}
	s.mu.Unlock()
	if inst == nil {
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subject      string   `json:"subject"`
		Description  string   `json:"description"`
		Participants []string `json:"participants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Subject == "" {
		writeError(w, http.StatusBadRequest, "subject is required")
		return
	}
	s.mu.Lock()
	inst := s.lookup(w, r)
	var g group
	if inst != nil {
		g = group{
			ID:           fmt.Sprintf("1203630%d@g.us", time.Now().UnixNano()%1e10),
			Subject:      body.Subject,
			Description:  body.Description,
			Size:         len(body.Participants) + 1,
			Owner:        s.cfg.OwnerNumber + "@s.whatsapp.net",
			Participants: body.Participants,
		}
		inst.Groups = append(inst.Groups, g)
	}
	s.mu.Unlock()
	if inst == nil {
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *server) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	jid := r.URL.Query().Get("groupJid")
	s.mu.Lock()
	inst := s.lookup(w, r)
	if inst != nil {
		kept := inst.Groups[:0]
		for _, g := range inst.Groups {
			if g.ID != jid {
				kept = append(kept, g)
			}
		}
		inst.Groups = kept
	}
	s.mu.Unlock()
	if inst == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groupJid": jid, "leave": true})
}

func (s *server) handleOK(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	inst := s.lookup(w, r)
	s.mu.Unlock()
	if inst == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "SUCCESS", "error": false})
}

func (s *server) randFloat() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	return cfg
}

// writeError answers in Evolution's error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"status":   status,
		"error":    http.StatusText(status),
		"response": map[string]any{"message": []string{msg}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
