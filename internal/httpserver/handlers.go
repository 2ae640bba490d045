package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"wahub/internal/domain"
	"wahub/internal/providers/evolution"
	"wahub/internal/service"
	"wahub/internal/store"
)

type Sessions interface {
	CreateInstance(ctx context.Context, tenantID string, req domain.CreateInstanceRequest) (store.Instance, error)
	ListInstances(ctx context.Context, tenantID string) ([]store.Instance, error)
	GetInstance(ctx context.Context, tenantID, name string) (store.Instance, error)
	UpdateInstance(ctx context.Context, tenantID, name string, req domain.UpdateInstanceRequest) (store.Instance, error)
	DeleteInstance(ctx context.Context, tenantID, name string) error
	RequestPairing(ctx context.Context, tenantID, name, number string) (store.Instance, error)
	AwaitPairing(ctx context.Context, tenantID, name string) error
	Pairing(ctx context.Context, tenantID, name string) (store.Instance, bool, error)
	StopPairing(ctx context.Context, tenantID, name string) error
	Disconnect(ctx context.Context, tenantID, name string) (store.Instance, error)
	Restart(ctx context.Context, tenantID, name string) (store.Instance, error)
	RefreshState(ctx context.Context, tenantID, name string) (store.Instance, error)
	Transitions(ctx context.Context, tenantID, name string) ([]store.Transition, error)

	CreateWebhook(ctx context.Context, tenantID, name string, in domain.WebhookInput) (store.Webhook, error)
	UpdateWebhook(ctx context.Context, tenantID, name string, in domain.WebhookInput) (store.Webhook, error)
	GetWebhook(ctx context.Context, tenantID, name string) (store.Webhook, error)
	CheckWebhook(ctx context.Context, tenantID, name string) (service.WebhookCheckResult, error)
	DeleteWebhook(ctx context.Context, tenantID, name string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID, instance string, req domain.OutboundMessageRequest) (domain.DispatchResult, error)
}

type Accounts interface {
	CheckNumbers(ctx context.Context, tenantID, name string, numbers []string) ([]evolution.NumberCheck, error)
	ProfilePicture(ctx context.Context, tenantID, name, number string) (string, error)
	UpdateProfile(ctx context.Context, tenantID, name string, p service.ProfileUpdate) error
	Groups(ctx context.Context, tenantID, name string) ([]evolution.Group, error)
	CreateGroup(ctx context.Context, tenantID, name string, req evolution.CreateGroupRequest) (evolution.Group, error)
	UpdateGroupMembers(ctx context.Context, tenantID, name, groupJID, action string, participants []string) error
	LeaveGroup(ctx context.Context, tenantID, name, groupJID string) error
	Settings(ctx context.Context, tenantID, name string) (evolution.Settings, error)
	UpdateSettings(ctx context.Context, tenantID, name string, in evolution.Settings) error
}

type Credentials interface {
	Save(ctx context.Context, tenantID string, in domain.CredentialsInput) (service.CredentialsView, error)
	Get(ctx context.Context, tenantID string) (service.CredentialsView, error)
}

// API serves the console routes. Register mounts them on a router already
// prefixed with /v1 and wrapped in Auth.
type API struct {
	Sessions    Sessions
	Dispatcher  Dispatcher
	Accounts    Accounts
	Credentials Credentials

	MaxAttachmentBytes int64
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/instances", a.handleListInstances).Methods(http.MethodGet)
	r.HandleFunc("/instances", a.handleCreateInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}", a.handleGetInstance).Methods(http.MethodGet)
	r.HandleFunc("/instances/{name}", a.handleUpdateInstance).Methods(http.MethodPatch)
	r.HandleFunc("/instances/{name}", a.handleDeleteInstance).Methods(http.MethodDelete)
	r.HandleFunc("/instances/{name}/connect", a.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/pairing", a.handleGetPairing).Methods(http.MethodGet)
	r.HandleFunc("/instances/{name}/pairing", a.handleStopPairing).Methods(http.MethodDelete)
	r.HandleFunc("/instances/{name}/logout", a.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/restart", a.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/state", a.handleState).Methods(http.MethodGet)
	r.HandleFunc("/instances/{name}/transitions", a.handleTransitions).Methods(http.MethodGet)

	r.HandleFunc("/instances/{name}/webhook", a.handleGetWebhook).Methods(http.MethodGet)
	r.HandleFunc("/instances/{name}/webhook", a.handleCreateWebhook).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/webhook", a.handleUpdateWebhook).Methods(http.MethodPut)
	r.HandleFunc("/instances/{name}/webhook", a.handleDeleteWebhook).Methods(http.MethodDelete)
	r.HandleFunc("/instances/{name}/webhook/check", a.handleCheckWebhook).Methods(http.MethodPost)

	r.HandleFunc("/instances/{name}/messages", a.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/messages/media", a.handleSendMedia).Methods(http.MethodPost)

	r.HandleFunc("/instances/{name}/numbers/check", a.handleCheckNumbers).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/profile", a.handleUpdateProfile).Methods(http.MethodPatch)
	r.HandleFunc("/instances/{name}/profile/picture", a.handleProfilePicture).Methods(http.MethodGet)
	r.HandleFunc("/instances/{name}/groups", a.handleListGroups).Methods(http.MethodGet)
	r.HandleFunc("/instances/{name}/groups", a.handleCreateGroup).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/groups/{group}/participants", a.handleGroupParticipants).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/groups/{group}", a.handleLeaveGroup).Methods(http.MethodDelete)
	r.HandleFunc("/instances/{name}/settings", a.handleGetSettings).Methods(http.MethodGet)
	r.HandleFunc("/instances/{name}/settings", a.handleUpdateSettings).Methods(http.MethodPut)

	r.HandleFunc("/provider/credentials", a.handleGetCredentials).Methods(http.MethodGet)
	r.HandleFunc("/provider/credentials", a.handleSaveCredentials).Methods(http.MethodPut)
}

// instanceView adds transient pairing state to the stored instance.
type instanceView struct {
	store.Instance
	PollActive bool `json:"pollActive,omitempty"`
}

func instanceName(r *http.Request) string { return mux.Vars(r)["name"] }

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return false
	}
	return true
}

func (a *API) handleListInstances(w http.ResponseWriter, r *http.Request) {
	out, err := a.Sessions.ListInstances(r.Context(), TenantID(r.Context()))
	if err != nil {
		writeError(w, r, "list_instances", err)
		return
	}
	if out == nil {
		out = []store.Instance{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateInstanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	inst, err := a.Sessions.CreateInstance(r.Context(), TenantID(r.Context()), req)
	if err != nil {
		writeError(w, r, "create_instance", err)
		return
	}
	writeJSON(w, http.StatusAccepted, instanceView{Instance: inst, PollActive: inst.Status == domain.StatusAwaitingPairing})
}

func (a *API) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := a.Sessions.GetInstance(r.Context(), TenantID(r.Context()), instanceName(r))
	if err != nil {
		writeError(w, r, "get_instance", err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *API) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateInstanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	inst, err := a.Sessions.UpdateInstance(r.Context(), TenantID(r.Context()), instanceName(r), req)
	if err != nil {
		writeError(w, r, "update_instance", err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *API) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.DeleteInstance(r.Context(), TenantID(r.Context()), instanceName(r)); err != nil {
		writeError(w, r, "delete_instance", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConnect requests a fresh pairing artifact. With ?wait=true it blocks
// until the instance is paired or the pairing budget runs out.
func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Number string `json:"number"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &body) {
		return
	}
	tenantID, name := TenantID(r.Context()), instanceName(r)
	inst, err := a.Sessions.RequestPairing(r.Context(), tenantID, name, body.Number)
	if err != nil {
		writeError(w, r, "connect", err)
		return
	}
	if r.URL.Query().Get("wait") == "true" && inst.Status != domain.StatusPaired {
		if err := a.Sessions.AwaitPairing(r.Context(), tenantID, name); err != nil {
			writeError(w, r, "await_pairing", err)
			return
		}
		if inst, err = a.Sessions.GetInstance(r.Context(), tenantID, name); err != nil {
			writeError(w, r, "connect", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, instanceView{Instance: inst, PollActive: inst.Status == domain.StatusAwaitingPairing})
}

func (a *API) handleGetPairing(w http.ResponseWriter, r *http.Request) {
	inst, active, err := a.Sessions.Pairing(r.Context(), TenantID(r.Context()), instanceName(r))
	if err != nil {
		writeError(w, r, "get_pairing", err)
		return
	}
	if r.URL.Query().Get("format") == "png" {
		if inst.Pairing.QRCode == "" {
			http.Error(w, ErrNotFound, http.StatusNotFound)
			return
		}
		png, err := evolution.DecodeQR(inst.Pairing.QRCode)
		if err != nil {
			writeError(w, r, "get_pairing", err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(png)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status     domain.InstanceStatus  `json:"status"`
		Pairing    domain.PairingArtifact `json:"pairing"`
		PollActive bool                   `json:"pollActive"`
	}{inst.Status, inst.Pairing, active})
}

func (a *API) handleStopPairing(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.StopPairing(r.Context(), TenantID(r.Context()), instanceName(r)); err != nil {
		writeError(w, r, "stop_pairing", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.instanceOp(w, r, "logout", a.Sessions.Disconnect)
}

func (a *API) handleRestart(w http.ResponseWriter, r *http.Request) {
	a.instanceOp(w, r, "restart", a.Sessions.Restart)
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	a.instanceOp(w, r, "refresh_state", a.Sessions.RefreshState)
}

func (a *API) instanceOp(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, tenantID, name string) (store.Instance, error)) {
	inst, err := fn(r.Context(), TenantID(r.Context()), instanceName(r))
	if err != nil {
		writeError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *API) handleTransitions(w http.ResponseWriter, r *http.Request) {
	out, err := a.Sessions.Transitions(r.Context(), TenantID(r.Context()), instanceName(r))
	if err != nil {
		writeError(w, r, "transitions", err)
		return
	}
	if out == nil {
		out = []store.Transition{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := a.Sessions.GetWebhook(r.Context(), TenantID(r.Context()), instanceName(r))
	if err != nil {
		writeError(w, r, "get_webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

func (a *API) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var in domain.WebhookInput
	if !decodeJSON(w, r, &in) {
		return
	}
	hook, err := a.Sessions.CreateWebhook(r.Context(), TenantID(r.Context()), instanceName(r), in)
	if err != nil {
		writeError(w, r, "create_webhook", err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (a *API) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var in domain.WebhookInput
	if !decodeJSON(w, r, &in) {
		return
	}
	hook, err := a.Sessions.UpdateWebhook(r.Context(), TenantID(r.Context()), instanceName(r), in)
	if err != nil {
		writeError(w, r, "update_webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

func (a *API) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.DeleteWebhook(r.Context(), TenantID(r.Context()), instanceName(r)); err != nil {
		writeError(w, r, "delete_webhook", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCheckWebhook(w http.ResponseWriter, r *http.Request) {
	res, err := a.Sessions.CheckWebhook(r.Context(), TenantID(r.Context()), instanceName(r))
	if err != nil {
		writeError(w, r, "check_webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body SendMessageRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	req, err := body.ToDomain()
	if err != nil {
		writeError(w, r, "send_message", err)
		return
	}
	a.dispatch(w, r, req)
}

// handleSendMedia accepts multipart/form-data with a "file" part plus
// to, type, caption, fileName and correlationId fields.
func (a *API) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	limit := a.MaxAttachmentBytes
	if limit <= 0 {
		limit = 16 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, ErrBodyTooLarge, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, ErrBadForm, http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, ErrBadForm, http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		http.Error(w, ErrBadForm, http.StatusBadRequest)
		return
	}
	if int64(len(data)) > limit {
		http.Error(w, ErrBodyTooLarge, http.StatusRequestEntityTooLarge)
		return
	}

	att := domain.Attachment{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	msg, err := mediaMessage(domain.MessageKind(r.FormValue("type")), att, r.FormValue("caption"), r.FormValue("fileName"))
	if err != nil {
		writeError(w, r, "send_media", err)
		return
	}
	a.dispatch(w, r, domain.OutboundMessageRequest{
		To:            r.FormValue("to"),
		Message:       msg,
		CorrelationID: r.FormValue("correlationId"),
	})
}

func (a *API) dispatch(w http.ResponseWriter, r *http.Request, req domain.OutboundMessageRequest) {
	res, err := a.Dispatcher.Dispatch(r.Context(), TenantID(r.Context()), instanceName(r), req)
	if err != nil {
		status, code := statusFor(err)
		body := errorBody{Error: code, Message: err.Error(), CorrelationID: req.CorrelationID}
		var rej *evolution.RejectionError
		if errors.As(err, &rej) {
			body.ProviderMessage = rej.Message
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleCheckNumbers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Numbers []string `json:"numbers"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	out, err := a.Accounts.CheckNumbers(r.Context(), TenantID(r.Context()), instanceName(r), body.Numbers)
	if err != nil {
		writeError(w, r, "check_numbers", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleProfilePicture(w http.ResponseWriter, r *http.Request) {
	url, err := a.Accounts.ProfilePicture(r.Context(), TenantID(r.Context()), instanceName(r), r.URL.Query().Get("number"))
	if err != nil {
		writeError(w, r, "profile_picture", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"profilePictureUrl": url})
}

func (a *API) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var p service.ProfileUpdate
	if !decodeJSON(w, r, &p) {
		return
	}
	if err := a.Accounts.UpdateProfile(r.Context(), TenantID(r.Context()), instanceName(r), p); err != nil {
		writeError(w, r, "update_profile", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListGroups(w http.ResponseWriter, r *http.Request) {
	out, err := a.Accounts.Groups(r.Context(), TenantID(r.Context()), instanceName(r))
	if err != nil {
		writeError(w, r, "list_groups", err)
		return
	}
	if out == nil {
		out = []evolution.Group{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req evolution.CreateGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	g, err := a.Accounts.CreateGroup(r.Context(), TenantID(r.Context()), instanceName(r), req)
	if err != nil {
		writeError(w, r, "create_group", err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) handleGroupParticipants(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action       string   `json:"action"`
		Participants []string `json:"participants"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	err := a.Accounts.UpdateGroupMembers(r.Context(), TenantID(r.Context()), instanceName(r), mux.Vars(r)["group"], body.Action, body.Participants)
	if err != nil {
		writeError(w, r, "group_participants", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	if err := a.Accounts.LeaveGroup(r.Context(), TenantID(r.Context()), instanceName(r), mux.Vars(r)["group"]); err != nil {
		writeError(w, r, "leave_group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	out, err := a.Accounts.Settings(r.Context(), TenantID(r.Context()), instanceName(r))
	if err != nil {
		writeError(w, r, "get_settings", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var in evolution.Settings
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := a.Accounts.UpdateSettings(r.Context(), TenantID(r.Context()), instanceName(r), in); err != nil {
		writeError(w, r, "update_settings", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetCredentials(w http.ResponseWriter, r *http.Request) {
	out, err := a.Credentials.Get(r.Context(), TenantID(r.Context()))
	if err != nil {
		writeError(w, r, "get_credentials", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleSaveCredentials(w http.ResponseWriter, r *http.Request) {
	var in domain.CredentialsInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.ServerURL = strings.TrimSpace(in.ServerURL)
	if in.Global && !IsAdmin(r.Context()) {
		http.Error(w, ErrForbidden, http.StatusForbidden)
		return
	}
	out, err := a.Credentials.Save(r.Context(), TenantID(r.Context()), in)
	if err != nil {
		writeError(w, r, "save_credentials", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
