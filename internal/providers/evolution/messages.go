package evolution

import (
	"context"
	"net/http"
)

type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type SendResponse struct {
	Key    MessageKey `json:"key"`
	Status string     `json:"status"`
}

type TextRequest struct {
	Number      string `json:"number"`
	Text        string `json:"text"`
	Delay       int    `json:"delay,omitempty"`
	LinkPreview bool   `json:"linkPreview,omitempty"`
}

// Media types accepted by sendMedia.
const (
	MediaImage    = "image"
	MediaDocument = "document"
	MediaAudio    = "audio"
	MediaVideo    = "video"
)

type MediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	MimeType  string `json:"mimetype,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Media     string `json:"media"`
	FileName  string `json:"fileName,omitempty"`
}

type ButtonItem struct {
	Type        string `json:"type"`
	DisplayText string `json:"displayText"`
	ID          string `json:"id"`
}

type ButtonsRequest struct {
	Number      string       `json:"number"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Footer      string       `json:"footer,omitempty"`
	Buttons     []ButtonItem `json:"buttons"`
}

type ListRow struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	RowID       string `json:"rowId"`
}

type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

type ListRequest struct {
	Number      string        `json:"number"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	ButtonText  string        `json:"buttonText"`
	FooterText  string        `json:"footerText,omitempty"`
	Sections    []ListSection `json:"sections"`
}

type LocationRequest struct {
	Number    string  `json:"number"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type ContactCard struct {
	FullName     string `json:"fullName"`
	WUID         string `json:"wuid"`
	PhoneNumber  string `json:"phoneNumber"`
	Organization string `json:"organization,omitempty"`
	Email        string `json:"email,omitempty"`
}

type ContactRequest struct {
	Number  string        `json:"number"`
	Contact []ContactCard `json:"contact"`
}

type PollRequest struct {
	Number          string   `json:"number"`
	Name            string   `json:"name"`
	SelectableCount int      `json:"selectableCount"`
	Values          []string `json:"values"`
}

func (c *Client) send(ctx context.Context, endpoint, instance string, body any) (SendResponse, error) {
	var out SendResponse
	_, _, err := c.do(ctx, http.MethodPost, instancePath("message/"+endpoint, instance), body, &out)
	return out, err
}

func (c *Client) SendText(ctx context.Context, instance string, req TextRequest) (SendResponse, error) {
	return c.send(ctx, "sendText", instance, req)
}

func (c *Client) SendMedia(ctx context.Context, instance string, req MediaRequest) (SendResponse, error) {
	return c.send(ctx, "sendMedia", instance, req)
}

func (c *Client) SendButtons(ctx context.Context, instance string, req ButtonsRequest) (SendResponse, error) {
	return c.send(ctx, "sendButtons", instance, req)
}

func (c *Client) SendList(ctx context.Context, instance string, req ListRequest) (SendResponse, error) {
	return c.send(ctx, "sendList", instance, req)
}

func (c *Client) SendLocation(ctx context.Context, instance string, req LocationRequest) (SendResponse, error) {
	return c.send(ctx, "sendLocation", instance, req)
}

func (c *Client) SendContact(ctx context.Context, instance string, req ContactRequest) (SendResponse, error) {
	return c.send(ctx, "sendContact", instance, req)
}

func (c *Client) SendPoll(ctx context.Context, instance string, req PollRequest) (SendResponse, error) {
	return c.send(ctx, "sendPoll", instance, req)
}
