package evolution

import (
	"context"
	"net/http"
	"net/url"
)

type NumberCheck struct {
	Exists bool   `json:"exists"`
	JID    string `json:"jid"`
	Number string `json:"number"`
}

func (c *Client) CheckNumbers(ctx context.Context, instance string, numbers []string) ([]NumberCheck, error) {
	body := struct {
		Numbers []string `json:"numbers"`
	}{Numbers: numbers}
	var out []NumberCheck
	_, _, err := c.do(ctx, http.MethodPost, instancePath("chat/whatsappNumbers", instance), body, &out)
	return out, err
}

func (c *Client) FetchProfilePictureURL(ctx context.Context, instance, number string) (string, error) {
	body := struct {
		Number string `json:"number"`
	}{Number: number}
	var out struct {
		ProfilePictureURL string `json:"profilePictureUrl"`
	}
	_, _, err := c.do(ctx, http.MethodPost, instancePath("chat/fetchProfilePictureUrl", instance), body, &out)
	return out.ProfilePictureURL, err
}

func (c *Client) UpdateProfileName(ctx context.Context, instance, name string) error {
	body := struct {
		Name string `json:"name"`
	}{Name: name}
	_, _, err := c.do(ctx, http.MethodPost, instancePath("chat/updateProfileName", instance), body, nil)
	return err
}

func (c *Client) UpdateProfileStatus(ctx context.Context, instance, status string) error {
	body := struct {
		Status string `json:"status"`
	}{Status: status}
	_, _, err := c.do(ctx, http.MethodPost, instancePath("chat/updateProfileStatus", instance), body, nil)
	return err
}

type Group struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	Description string `json:"desc,omitempty"`
	Size        int    `json:"size"`
	Owner       string `json:"owner,omitempty"`
}

type CreateGroupRequest struct {
	Subject      string   `json:"subject"`
	Description  string   `json:"description,omitempty"`
	Participants []string `json:"participants"`
}

// Participant actions for UpdateGroupMembers.
const (
	GroupAdd     = "add"
	GroupRemove  = "remove"
	GroupPromote = "promote"
	GroupDemote  = "demote"
)

func (c *Client) FetchAllGroups(ctx context.Context, instance string) ([]Group, error) {
	var out []Group
	_, _, err := c.do(ctx, http.MethodGet, instancePath("group/fetchAllGroups", instance)+"?getParticipants=false", nil, &out)
	return out, err
}

func (c *Client) CreateGroup(ctx context.Context, instance string, req CreateGroupRequest) (Group, error) {
	var out Group
	_, _, err := c.do(ctx, http.MethodPost, instancePath("group/create", instance), req, &out)
	return out, err
}

func (c *Client) UpdateGroupMembers(ctx context.Context, instance, groupJID, action string, participants []string) error {
	body := struct {
		Action       string   `json:"action"`
		Participants []string `json:"participants"`
	}{Action: action, Participants: participants}
	path := instancePath("group/updateParticipant", instance) + "?groupJid=" + url.QueryEscape(groupJID)
	_, _, err := c.do(ctx, http.MethodPost, path, body, nil)
	return err
}

func (c *Client) LeaveGroup(ctx context.Context, instance, groupJID string) error {
	path := instancePath("group/leaveGroup", instance) + "?groupJid=" + url.QueryEscape(groupJID)
	_, _, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	return err
}
