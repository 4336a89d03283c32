package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RequestStatus is the lifecycle state of a role change request.
type RequestStatus string

// Role change request states.
const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// RoleChangeRequest asks an administrator to move a profile to another role.
type RoleChangeRequest struct {
	ID            string        `gorm:"column:id;primaryKey" json:"id"`
	PrincipalID   string        `gorm:"column:principal_id;index;not null" json:"principal_id"`
	CurrentRole   Role          `gorm:"column:from_role;not null" json:"current_role"`
	RequestedRole Role          `gorm:"column:requested_role;not null" json:"requested_role"`
	Reason        string        `gorm:"column:reason" json:"reason"`
	Status        RequestStatus `gorm:"column:status;index;not null" json:"status"`
	ReviewerID    string        `gorm:"column:reviewer_id" json:"reviewer_id,omitempty"`
	ReviewedAt    *time.Time    `gorm:"column:reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt     time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

// TableName binds RoleChangeRequest to the role_change_requests table.
func (RoleChangeRequest) TableName() string {
	return "role_change_requests"
}

// CreateRoleChangeRequest files a pending request for principalID.
func (store *Store) CreateRoleChangeRequest(ctx context.Context, principalID string, requested Role, reason string) (RoleChangeRequest, error) {
	if !requested.Valid() {
		return RoleChangeRequest{}, fmt.Errorf("profiles.request_role: %w", ErrUnknownRole)
	}
	var request RoleChangeRequest
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var profile Profile
		if err := transaction.Where("id = ?", principalID).Take(&profile).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProfileNotFound
			}
			return err
		}
		if profile.UserType == requested {
			return ErrRoleUnchanged
		}
		var pending int64
		if err := transaction.Model(&RoleChangeRequest{}).
			Where("principal_id = ? AND status = ?", principalID, RequestPending).
			Count(&pending).Error; err != nil {
			return err
		}
		if pending > 0 {
			return ErrPendingRequestExists
		}
		now := store.now().UTC()
		request = RoleChangeRequest{
			ID:            uuid.NewString(),
			PrincipalID:   principalID,
			CurrentRole:   profile.UserType,
			RequestedRole: requested,
			Reason:        strings.TrimSpace(reason),
			Status:        RequestPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return transaction.Create(&request).Error
	})
	if err != nil {
		return RoleChangeRequest{}, fmt.Errorf("profiles.request_role: %w", err)
	}
	return request, nil
}

// ListRoleChangeRequests returns requests newest first; an empty status lists all of them.
func (store *Store) ListRoleChangeRequests(ctx context.Context, status RequestStatus) ([]RoleChangeRequest, error) {
	query := store.db.WithContext(ctx).Model(&RoleChangeRequest{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var requests []RoleChangeRequest
	if err := query.Order("created_at DESC").Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("profiles.list_requests.%s: %w", store.driverLabel, err)
	}
	return requests, nil
}

// ResolveRoleChangeRequest approves or rejects a pending request. Approval moves the
// profile to the requested role in the same transaction.
func (store *Store) ResolveRoleChangeRequest(ctx context.Context, requestID string, reviewerID string, approve bool) (RoleChangeRequest, error) {
	var request RoleChangeRequest
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where("id = ?", requestID).Take(&request).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRequestNotFound
			}
			return err
		}
		if request.Status != RequestPending {
			return ErrRequestResolved
		}
		now := store.now().UTC()
		request.Status = RequestRejected
		if approve {
			if _, err := setRole(transaction, request.PrincipalID, request.RequestedRole, now); err != nil {
				return err
			}
			request.Status = RequestApproved
		}
		request.ReviewerID = reviewerID
		request.ReviewedAt = &now
		request.UpdatedAt = now
		return transaction.Model(&RoleChangeRequest{}).Where("id = ?", request.ID).Updates(map[string]any{
			"status":      request.Status,
			"reviewer_id": request.ReviewerID,
			"reviewed_at": now,
			"updated_at":  now,
		}).Error
	})
	if err != nil {
		return RoleChangeRequest{}, fmt.Errorf("profiles.resolve_request: %w", err)
	}
	return request, nil
}
