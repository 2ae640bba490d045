package service

import (
	"context"
	"fmt"
	"time"

	"wahub/internal/domain"
	"wahub/internal/providers/evolution"
	"wahub/internal/util"
)

// AccountService covers the per-instance account operations: number lookup,
// profile, groups and instance settings.
type AccountService struct {
	Instances InstanceReader
	Clients   ClientSource
}

func (a *AccountService) resolve(ctx context.Context, tenantID, name string) (TenantClient, error) {
	_, found, err := a.Instances.GetInstance(ctx, tenantID, name)
	if err != nil {
		return TenantClient{}, err
	}
	if !found {
		return TenantClient{}, domain.ErrInstanceNotFound
	}
	return a.Clients.ForTenant(ctx, tenantID)
}

func (a *AccountService) CheckNumbers(ctx context.Context, tenantID, name string, numbers []string) ([]evolution.NumberCheck, error) {
	if len(numbers) == 0 {
		return nil, domain.ErrMissingFields
	}
	tc, err := a.resolve(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := tc.CheckNumbers(ctx, name, normalizeAll(numbers))
	observeCall("check_numbers", start, err)
	return out, err
}

func (a *AccountService) ProfilePicture(ctx context.Context, tenantID, name, number string) (string, error) {
	tc, err := a.resolve(ctx, tenantID, name)
	if err != nil {
		return "", err
	}
	start := time.Now()
	u, err := tc.FetchProfilePictureURL(ctx, name, util.NormalizePhone(number))
	observeCall("profile_picture", start, err)
	return u, err
}

type ProfileUpdate struct {
	Name   *string `json:"name,omitempty"`
	Status *string `json:"status,omitempty"`
}

func (a *AccountService) UpdateProfile(ctx context.Context, tenantID, name string, p ProfileUpdate) error {
	if p.Name == nil && p.Status == nil {
		return domain.ErrMissingFields
	}
	tc, err := a.resolve(ctx, tenantID, name)
	if err != nil {
		return err
	}
	if p.Name != nil {
		start := time.Now()
		err := tc.UpdateProfileName(ctx, name, *p.Name)
		observeCall("update_profile_name", start, err)
		if err != nil {
			return err
		}
	}
	if p.Status != nil {
		start := time.Now()
		err := tc.UpdateProfileStatus(ctx, name, *p.Status)
		observeCall("update_profile_status", start, err)
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *AccountService) Groups(ctx context.Context, tenantID, name string) ([]evolution.Group, error) {
	tc, err := a.resolve(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := tc.FetchAllGroups(ctx, name)
	observeCall("fetch_groups", start, err)
	return out, err
}

func (a *AccountService) CreateGroup(ctx context.Context, tenantID, name string, req evolution.CreateGroupRequest) (evolution.Group, error) {
	if req.Subject == "" || len(req.Participants) == 0 {
		return evolution.Group{}, domain.ErrMissingFields
	}
	tc, err := a.resolve(ctx, tenantID, name)
	if err != nil {
		return evolution.Group{}, err
	}
	req.Participants = normalizeAll(req.Participants)
	start := time.Now()
	g, err := tc.CreateGroup(ctx, name, req)
	observeCall("create_group", start, err)
	return g, err
}

func (a *AccountService) UpdateGroupMembers(ctx context.Context, tenantID, name, groupJID, action string, participants []string) error {
	switch action {
	case evolution.GroupAdd, evolution.GroupRemove, evolution.GroupPromote, evolution.GroupDemote:
	default:
		return fmt.Errorf("%w: unknown group action %q", domain.ErrMissingFields, action)
	}
	if groupJID == "" || len(participants) == 0 {
		return domain.ErrMissingFields
	}
	tc, err := a.resolve(ctx, tenantID, name)
	if err != nil {
		return err
	}
	start := time.Now()
	err = tc.UpdateGroupMembers(ctx, name, groupJID, action, normalizeAll(participants))
	observeCall("update_group_members", start, err)
	return err
}

func (a *AccountService) LeaveGroup(ctx context.Context, tenantID, name, groupJID string) error {
	if groupJID == "" {
		return domain.ErrMissingFields
	}
	tc, err := a.resolve(ctx, tenantID, name)
	if err != nil {
		return err
	}
	start := time.Now()
	err = tc.LeaveGroup(ctx, name, groupJID)
	observeCall("leave_group", start, err)
	return err
}

func (a *AccountService) Settings(ctx context.Context, tenantID, name string) (evolution.Settings, error) {
	tc, err := a.resolve(ctx, tenantID, name)
	if err != nil {
		return evolution.Settings{}, err
	}
	start := time.Now()
	out, err := tc.FindSettings(ctx, name)
	observeCall("find_settings", start, err)
	return out, err
}

func (a *AccountService) UpdateSettings(ctx context.Context, tenantID, name string, in evolution.Settings) error {
	tc, err := a.resolve(ctx, tenantID, name)
	if err != nil {
		return err
	}
	start := time.Now()
	err = tc.SetSettings(ctx, name, in)
	observeCall("set_settings", start, err)
	return err
}

func normalizeAll(numbers []string) []string {
	out := make([]string, 0, len(numbers))
	for _, n := range numbers {
		if d := util.NormalizePhone(n); d != "" {
			out = append(out, d)
		}
	}
	return out
}
