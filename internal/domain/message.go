package domain

import (
	"fmt"
	"math"
	"strings"

	"wahub/internal/util"
)

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindDocument MessageKind = "document"
	KindAudio    MessageKind = "audio"
	KindVideo    MessageKind = "video"
	KindLocation MessageKind = "location"
	KindContact  MessageKind = "contact"
	KindButtons  MessageKind = "buttons"
	KindList     MessageKind = "list"
	KindPoll     MessageKind = "poll"
)

// Message is one outbound payload variant. The set of implementations is closed:
// only types in this package can satisfy it.
type Message interface {
	Kind() MessageKind
	Validate() error
	sealed()
}

// Attachment is raw file content that must be uploaded before it can be referenced.
type Attachment struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Media references either an already hosted URL or an attachment to upload.
type Media struct {
	URL        string      `json:"url,omitempty"`
	MimeType   string      `json:"mimeType,omitempty"`
	Attachment *Attachment `json:"-"`
}

func (m Media) validate() error {
	if m.Attachment != nil {
		if len(m.Attachment.Data) == 0 {
			return fmt.Errorf("%w: empty attachment", ErrInvalidMessage)
		}
		return nil
	}
	if strings.TrimSpace(m.URL) == "" {
		return fmt.Errorf("%w: media url or attachment required", ErrInvalidMessage)
	}
	return nil
}

type TextMessage struct {
	Text        string `json:"text"`
	LinkPreview bool   `json:"linkPreview,omitempty"`
	DelayMillis int    `json:"delay,omitempty"`
}

type ImageMessage struct {
	Media
	Caption string `json:"caption,omitempty"`
}

type DocumentMessage struct {
	Media
	FileName string `json:"fileName,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type AudioMessage struct {
	Media
}

type VideoMessage struct {
	Media
	Caption string `json:"caption,omitempty"`
}

type LocationMessage struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type Contact struct {
	FullName     string `json:"fullName"`
	Phone        string `json:"phone"`
	Organization string `json:"organization,omitempty"`
	Email        string `json:"email,omitempty"`
}

type ContactMessage struct {
	Contacts []Contact `json:"contacts"`
}

type Button struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type ButtonsMessage struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Footer      string   `json:"footer,omitempty"`
	Buttons     []Button `json:"buttons"`
}

type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

type ListMessage struct {
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	ButtonText  string        `json:"buttonText"`
	Footer      string        `json:"footer,omitempty"`
	Sections    []ListSection `json:"sections"`
}

type PollMessage struct {
	Name            string   `json:"name"`
	SelectableCount int      `json:"selectableCount"`
	Values          []string `json:"values"`
}

func (TextMessage) Kind() MessageKind     { return KindText }
func (ImageMessage) Kind() MessageKind    { return KindImage }
func (DocumentMessage) Kind() MessageKind { return KindDocument }
func (AudioMessage) Kind() MessageKind    { return KindAudio }
func (VideoMessage) Kind() MessageKind    { return KindVideo }
func (LocationMessage) Kind() MessageKind { return KindLocation }
func (ContactMessage) Kind() MessageKind  { return KindContact }
func (ButtonsMessage) Kind() MessageKind  { return KindButtons }
func (ListMessage) Kind() MessageKind     { return KindList }
func (PollMessage) Kind() MessageKind     { return KindPoll }

func (TextMessage) sealed()     {}
func (ImageMessage) sealed()    {}
func (DocumentMessage) sealed() {}
func (AudioMessage) sealed()    {}
func (VideoMessage) sealed()    {}
func (LocationMessage) sealed() {}
func (ContactMessage) sealed()  {}
func (ButtonsMessage) sealed()  {}
func (ListMessage) sealed()     {}
func (PollMessage) sealed()     {}

func (m TextMessage) Validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("%w: text is empty", ErrInvalidMessage)
	}
	return nil
}

func (m ImageMessage) Validate() error { return m.Media.validate() }
func (m AudioMessage) Validate() error { return m.Media.validate() }
func (m VideoMessage) Validate() error { return m.Media.validate() }

func (m DocumentMessage) Validate() error {
	if err := m.Media.validate(); err != nil {
		return err
	}
	if m.FileName == "" && m.Attachment == nil {
		return fmt.Errorf("%w: document file name is required", ErrInvalidMessage)
	}
	return nil
}

func (m LocationMessage) Validate() error {
	if !finite(m.Latitude) || !finite(m.Longitude) ||
		m.Latitude < -90 || m.Latitude > 90 || m.Longitude < -180 || m.Longitude > 180 {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidMessage)
	}
	return nil
}

func (m ContactMessage) Validate() error {
	if len(m.Contacts) == 0 {
		return fmt.Errorf("%w: at least one contact is required", ErrInvalidMessage)
	}
	for _, c := range m.Contacts {
		if c.FullName == "" || util.NormalizePhone(c.Phone) == "" {
			return fmt.Errorf("%w: contact needs a name and a phone", ErrInvalidMessage)
		}
	}
	return nil
}

func (m ButtonsMessage) Validate() error {
	if m.Title == "" || len(m.Buttons) == 0 {
		return fmt.Errorf("%w: buttons message needs a title and buttons", ErrInvalidMessage)
	}
	if len(m.Buttons) > 3 {
		return fmt.Errorf("%w: at most 3 buttons", ErrInvalidMessage)
	}
	for _, b := range m.Buttons {
		if b.ID == "" || b.Text == "" {
			return fmt.Errorf("%w: button needs id and text", ErrInvalidMessage)
		}
	}
	return nil
}

func (m ListMessage) Validate() error {
	if m.Title == "" || m.ButtonText == "" || len(m.Sections) == 0 {
		return fmt.Errorf("%w: list message needs a title, button text and sections", ErrInvalidMessage)
	}
	for _, s := range m.Sections {
		if len(s.Rows) == 0 {
			return fmt.Errorf("%w: list section %q has no rows", ErrInvalidMessage, s.Title)
		}
	}
	return nil
}

func (m PollMessage) Validate() error {
	if m.Name == "" || len(m.Values) < 2 {
		return fmt.Errorf("%w: poll needs a name and at least two options", ErrInvalidMessage)
	}
	if m.SelectableCount < 0 || m.SelectableCount > len(m.Values) {
		return fmt.Errorf("%w: selectable count out of range", ErrInvalidMessage)
	}
	return nil
}

type OutboundMessageRequest struct {
	To            string
	Message       Message
	CorrelationID string
}

func (r OutboundMessageRequest) Validate() error {
	if util.NormalizePhone(r.To) == "" || r.Message == nil {
		return ErrMissingFields
	}
	return r.Message.Validate()
}

type DispatchResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	Status            string `json:"status,omitempty"`
	CorrelationID     string `json:"correlationId,omitempty"`
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
