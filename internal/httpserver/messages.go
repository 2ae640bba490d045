package httpserver

import (
	"fmt"

	"wahub/internal/domain"
)

// SendMessageRequest is the JSON body of POST /v1/instances/{name}/messages.
// Type selects the variant; fields of other variants are ignored.
type SendMessageRequest struct {
	To            string `json:"to"`
	Type          string `json:"type"`
	CorrelationID string `json:"correlationId,omitempty"`

	Text     *domain.TextMessage     `json:"text,omitempty"`
	Image    *domain.ImageMessage    `json:"image,omitempty"`
	Document *domain.DocumentMessage `json:"document,omitempty"`
	Audio    *domain.AudioMessage    `json:"audio,omitempty"`
	Video    *domain.VideoMessage    `json:"video,omitempty"`
	Location *domain.LocationMessage `json:"location,omitempty"`
	Contact  *domain.ContactMessage  `json:"contact,omitempty"`
	Buttons  *domain.ButtonsMessage  `json:"buttons,omitempty"`
	List     *domain.ListMessage     `json:"list,omitempty"`
	Poll     *domain.PollMessage     `json:"poll,omitempty"`
}

func (r SendMessageRequest) ToDomain() (domain.OutboundMessageRequest, error) {
	msg, err := r.message()
	if err != nil {
		return domain.OutboundMessageRequest{}, err
	}
	return domain.OutboundMessageRequest{To: r.To, Message: msg, CorrelationID: r.CorrelationID}, nil
}

func (r SendMessageRequest) message() (domain.Message, error) {
	var msg domain.Message
	switch domain.MessageKind(r.Type) {
	case domain.KindText:
		if r.Text != nil {
			msg = *r.Text
		}
	case domain.KindImage:
		if r.Image != nil {
			msg = *r.Image
		}
	case domain.KindDocument:
		if r.Document != nil {
			msg = *r.Document
		}
	case domain.KindAudio:
		if r.Audio != nil {
			msg = *r.Audio
		}
	case domain.KindVideo:
		if r.Video != nil {
			msg = *r.Video
		}
	case domain.KindLocation:
		if r.Location != nil {
			msg = *r.Location
		}
	case domain.KindContact:
		if r.Contact != nil {
			msg = *r.Contact
		}
	case domain.KindButtons:
		if r.Buttons != nil {
			msg = *r.Buttons
		}
	case domain.KindList:
		if r.List != nil {
			msg = *r.List
		}
	case domain.KindPoll:
		if r.Poll != nil {
			msg = *r.Poll
		}
	default:
		return nil, fmt.Errorf("%w: %s %q", domain.ErrInvalidMessage, ErrUnknownMessage, r.Type)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: %q payload missing", domain.ErrInvalidMessage, r.Type)
	}
	return msg, nil
}

// mediaMessage builds a media variant around an uploaded attachment.
func mediaMessage(kind domain.MessageKind, att domain.Attachment, caption, fileName string) (domain.Message, error) {
	media := domain.Media{MimeType: att.ContentType, Attachment: &att}
	switch kind {
	case domain.KindImage:
		return domain.ImageMessage{Media: media, Caption: caption}, nil
	case domain.KindDocument:
		if fileName == "" {
			fileName = att.FileName
		}
		return domain.DocumentMessage{Media: media, FileName: fileName, Caption: caption}, nil
	case domain.KindAudio:
		return domain.AudioMessage{Media: media}, nil
	case domain.KindVideo:
		return domain.VideoMessage{Media: media, Caption: caption}, nil
	default:
		return nil, fmt.Errorf("%w: %q is not a media type", domain.ErrInvalidMessage, kind)
	}
}
