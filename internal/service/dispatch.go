package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wahub/internal/domain"
	"wahub/internal/observability"
	"wahub/internal/providers/evolution"
	sqsqueue "wahub/internal/queue/sqs"
	"wahub/internal/store"
	"wahub/internal/util"
)

type AttachmentUploader interface {
	Upload(ctx context.Context, a domain.Attachment) (string, error)
}

type AttemptRecorder interface {
	InsertDispatchAttempt(ctx context.Context, a store.DispatchAttempt) error
}

type DispatchPublisher interface {
	Publish(ctx context.Context, ev sqsqueue.DispatchEvent) error
}

// Dispatcher shapes outbound messages into provider requests and sends them.
// Sends are never retried: a duplicate WhatsApp message is worse than a failed one.
type Dispatcher struct {
	Instances   InstanceReader
	Clients     ClientSource
	Uploader    AttachmentUploader
	Attempts    AttemptRecorder
	Events      DispatchPublisher
	Limiter     *rate.Limiter
	Breaker     *gobreaker.CircuitBreaker
	CallTimeout time.Duration
	Now         func() time.Time
}

// NewProviderBreaker trips on transport failures only. A provider rejecting a
// request (bad number, unknown instance) says nothing about provider health.
func NewProviderBreaker(name string, maxRequests uint32, timeout time.Duration, consecutiveFailures uint32) *gobreaker.CircuitBreaker {
	if consecutiveFailures == 0 {
		consecutiveFailures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: maxRequests,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= consecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrProviderRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// outbound is one provider call built from a message variant.
type outbound struct {
	op   string
	send func(ctx context.Context, p Sender, instance string) (evolution.SendResponse, error)
}

func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, instance string, req domain.OutboundMessageRequest) (domain.DispatchResult, error) {
	if err := req.Validate(); err != nil {
		return domain.DispatchResult{CorrelationID: req.CorrelationID}, err
	}
	inst, found, err := d.Instances.GetInstance(ctx, tenantID, instance)
	if err != nil {
		return domain.DispatchResult{CorrelationID: req.CorrelationID}, err
	}
	if !found {
		return domain.DispatchResult{CorrelationID: req.CorrelationID}, domain.ErrInstanceNotFound
	}
	tc, err := d.Clients.ForTenant(ctx, tenantID)
	if err != nil {
		return domain.DispatchResult{CorrelationID: req.CorrelationID}, err
	}

	msg, err := d.resolveAttachments(ctx, req.Message)
	if err != nil {
		observability.Dispatches.WithLabelValues(string(req.Message.Kind()), "upload_failed").Inc()
		return domain.DispatchResult{CorrelationID: req.CorrelationID}, err
	}

	to := util.NormalizePhone(req.To)
	out, err := buildOutbound(to, msg)
	if err != nil {
		return domain.DispatchResult{CorrelationID: req.CorrelationID}, err
	}

	if d.Limiter != nil {
		waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
		err := d.Limiter.Wait(waitCtx)
		cancelWait()
		if err != nil {
			observability.Dispatches.WithLabelValues(string(msg.Kind()), "rate_limited_local").Inc()
			return domain.DispatchResult{CorrelationID: req.CorrelationID}, fmt.Errorf("%w: local rate limit: %v", domain.ErrTransport, err)
		}
	}

	start := time.Now()
	resp, err := d.executeWithBreaker(ctx, tc, instance, out)
	observeCall(out.op, start, err)

	attempt := store.DispatchAttempt{
		ID:            util.NewAttemptID(),
		TenantID:      tenantID,
		InstanceID:    inst.ID,
		Kind:          msg.Kind(),
		To:            to,
		CorrelationID: req.CorrelationID,
		Now:           d.now(),
	}

	if err != nil {
		attempt.Result = dispatchResult(err)
		attempt.Error = err.Error()
		var rej *evolution.RejectionError
		if errors.As(err, &rej) {
			attempt.HTTPStatus = rej.Status
		}
		d.record(ctx, attempt)
		observability.Dispatches.WithLabelValues(string(msg.Kind()), attempt.Result).Inc()
		slog.Error("dispatch failed", "err", err, "tenant_id", tenantID, "instance", instance,
			"kind", msg.Kind(), "correlation_id", req.CorrelationID)
		return domain.DispatchResult{CorrelationID: req.CorrelationID}, err
	}

	attempt.Result = "ok"
	attempt.ProviderMessageID = resp.Key.ID
	d.record(ctx, attempt)
	observability.Dispatches.WithLabelValues(string(msg.Kind()), "ok").Inc()

	if d.Events != nil {
		if err := d.Events.Publish(ctx, sqsqueue.DispatchEvent{
			TenantID:          tenantID,
			Instance:          instance,
			To:                to,
			Kind:              msg.Kind(),
			CorrelationID:     req.CorrelationID,
			ProviderMessageID: resp.Key.ID,
			Status:            resp.Status,
			SentAt:            attempt.Now,
		}); err != nil {
			slog.Warn("publish dispatch event failed", "err", err, "tenant_id", tenantID, "correlation_id", req.CorrelationID)
		}
	}

	return domain.DispatchResult{
		Success:           true,
		ProviderMessageID: resp.Key.ID,
		Status:            resp.Status,
		CorrelationID:     req.CorrelationID,
	}, nil
}

func (d *Dispatcher) executeWithBreaker(ctx context.Context, tc TenantClient, instance string, out outbound) (evolution.SendResponse, error) {
	call := func() (any, error) {
		callCtx := ctx
		if d.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, d.CallTimeout)
			defer cancel()
		}
		resp, err := out.send(callCtx, tc, instance)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	if d.Breaker == nil {
		res, err := call()
		if err != nil {
			return evolution.SendResponse{}, err
		}
		return res.(evolution.SendResponse), nil
	}

	res, err := d.Breaker.Execute(call)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return evolution.SendResponse{}, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	if err != nil {
		return evolution.SendResponse{}, err
	}
	return res.(evolution.SendResponse), nil
}

// resolveAttachments uploads inline media and returns the message with URLs in place.
func (d *Dispatcher) resolveAttachments(ctx context.Context, m domain.Message) (domain.Message, error) {
	switch v := m.(type) {
	case domain.ImageMessage:
		media, err := d.upload(ctx, v.Media)
		v.Media = media
		return v, err
	case domain.DocumentMessage:
		if v.FileName == "" && v.Attachment != nil {
			v.FileName = v.Attachment.FileName
		}
		media, err := d.upload(ctx, v.Media)
		v.Media = media
		return v, err
	case domain.AudioMessage:
		media, err := d.upload(ctx, v.Media)
		v.Media = media
		return v, err
	case domain.VideoMessage:
		media, err := d.upload(ctx, v.Media)
		v.Media = media
		return v, err
	}
	return m, nil
}

func (d *Dispatcher) upload(ctx context.Context, m domain.Media) (domain.Media, error) {
	if m.Attachment == nil {
		return m, nil
	}
	if d.Uploader == nil {
		observability.AttachmentUploads.WithLabelValues("not_configured").Inc()
		return m, fmt.Errorf("%w: no attachment store configured", domain.ErrAttachmentUpload)
	}
	url, err := d.Uploader.Upload(ctx, *m.Attachment)
	if err != nil {
		observability.AttachmentUploads.WithLabelValues("error").Inc()
		slog.Error("attachment upload failed", "err", err, "file_name", m.Attachment.FileName)
		return m, fmt.Errorf("%w: %v", domain.ErrAttachmentUpload, err)
	}
	observability.AttachmentUploads.WithLabelValues("ok").Inc()
	if m.MimeType == "" {
		m.MimeType = m.Attachment.ContentType
	}
	m.URL = url
	m.Attachment = nil
	return m, nil
}

// buildOutbound maps each variant to exactly one provider request. Only the
// fields of the selected variant reach the payload.
func buildOutbound(to string, m domain.Message) (outbound, error) {
	switch v := m.(type) {
	case domain.TextMessage:
		req := evolution.TextRequest{Number: to, Text: v.Text, Delay: v.DelayMillis, LinkPreview: v.LinkPreview}
		return outbound{op: "send_text", send: func(ctx context.Context, p Sender, instance string) (evolution.SendResponse, error) {
			return p.SendText(ctx, instance, req)
		}}, nil
	case domain.ImageMessage:
		return mediaOutbound(evolution.MediaRequest{Number: to, MediaType: evolution.MediaImage, MimeType: v.MimeType, Caption: v.Caption, Media: v.URL}), nil
	case domain.DocumentMessage:
		return mediaOutbound(evolution.MediaRequest{Number: to, MediaType: evolution.MediaDocument, MimeType: v.MimeType, Caption: v.Caption, Media: v.URL, FileName: v.FileName}), nil
	case domain.AudioMessage:
		return mediaOutbound(evolution.MediaRequest{Number: to, MediaType: evolution.MediaAudio, MimeType: v.MimeType, Media: v.URL}), nil
	case domain.VideoMessage:
		return mediaOutbound(evolution.MediaRequest{Number: to, MediaType: evolution.MediaVideo, MimeType: v.MimeType, Caption: v.Caption, Media: v.URL}), nil
	case domain.LocationMessage:
		req := evolution.LocationRequest{Number: to, Name: v.Name, Address: v.Address, Latitude: v.Latitude, Longitude: v.Longitude}
		return outbound{op: "send_location", send: func(ctx context.Context, p Sender, instance string) (evolution.SendResponse, error) {
			return p.SendLocation(ctx, instance, req)
		}}, nil
	case domain.ContactMessage:
		req := evolution.ContactRequest{Number: to}
		for _, c := range v.Contacts {
			phone := util.NormalizePhone(c.Phone)
			req.Contact = append(req.Contact, evolution.ContactCard{
				FullName: c.FullName, WUID: phone, PhoneNumber: phone, Organization: c.Organization, Email: c.Email,
			})
		}
		return outbound{op: "send_contact", send: func(ctx context.Context, p Sender, instance string) (evolution.SendResponse, error) {
			return p.SendContact(ctx, instance, req)
		}}, nil
	case domain.ButtonsMessage:
		req := evolution.ButtonsRequest{Number: to, Title: v.Title, Description: v.Description, Footer: v.Footer}
		for _, b := range v.Buttons {
			req.Buttons = append(req.Buttons, evolution.ButtonItem{Type: "reply", DisplayText: b.Text, ID: b.ID})
		}
		return outbound{op: "send_buttons", send: func(ctx context.Context, p Sender, instance string) (evolution.SendResponse, error) {
			return p.SendButtons(ctx, instance, req)
		}}, nil
	case domain.ListMessage:
		req := evolution.ListRequest{Number: to, Title: v.Title, Description: v.Description, ButtonText: v.ButtonText, FooterText: v.Footer}
		for _, s := range v.Sections {
			sec := evolution.ListSection{Title: s.Title}
			for _, r := range s.Rows {
				sec.Rows = append(sec.Rows, evolution.ListRow{Title: r.Title, Description: r.Description, RowID: r.ID})
			}
			req.Sections = append(req.Sections, sec)
		}
		return outbound{op: "send_list", send: func(ctx context.Context, p Sender, instance string) (evolution.SendResponse, error) {
			return p.SendList(ctx, instance, req)
		}}, nil
	case domain.PollMessage:
		count := v.SelectableCount
		if count == 0 {
			count = 1
		}
		req := evolution.PollRequest{Number: to, Name: v.Name, SelectableCount: count, Values: v.Values}
		return outbound{op: "send_poll", send: func(ctx context.Context, p Sender, instance string) (evolution.SendResponse, error) {
			return p.SendPoll(ctx, instance, req)
		}}, nil
	default:
		return outbound{}, fmt.Errorf("%w: unsupported message type %T", domain.ErrInvalidMessage, m)
	}
}

func mediaOutbound(req evolution.MediaRequest) outbound {
	return outbound{op: "send_media", send: func(ctx context.Context, p Sender, instance string) (evolution.SendResponse, error) {
		return p.SendMedia(ctx, instance, req)
	}}
}

func (d *Dispatcher) record(ctx context.Context, a store.DispatchAttempt) {
	if d.Attempts == nil {
		return
	}
	if err := d.Attempts.InsertDispatchAttempt(ctx, a); err != nil {
		slog.Warn("record dispatch attempt failed", "err", err, "tenant_id", a.TenantID, "attempt_id", a.ID)
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return util.NowUTC()
}

func dispatchResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrProviderRejected):
		return "rejected"
	case errors.Is(err, domain.ErrTransport):
		return "transport_error"
	default:
		return "error"
	}
}
