package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"taskboard-api/domain"
)

const (
	userPartition  = "user"
	emailPartition = "email"
)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Row keys reject a handful of characters; emails carry none of them except
// the forward slash, which is escaped.
func emailRowKey(email string) string {
	return strings.ReplaceAll(normalizeEmail(email), "/", "|")
}

// InsertUser persists the user and its email-uniqueness guard. A duplicate
// email yields domain.ErrConflict and the user entity is not written.
func (s *Storage) InsertUser(ctx context.Context, u domain.UserRecord) error {
	guard := emailGuardEntity{
		Entity: aztables.Entity{PartitionKey: emailPartition, RowKey: emailRowKey(u.Email)},
		UserID: u.ID,
	}
	guardPayload, err := sonic.Marshal(guard)
	if err != nil {
		return err
	}
	if _, err := s.userTable.AddEntity(ctx, guardPayload, nil); err != nil {
		if statusCode(err) == 409 {
			return fmt.Errorf("email %s: %w", u.Email, domain.ErrConflict)
		}
		return err
	}

	ent := userEntity{
		Entity:       aztables.Entity{PartitionKey: userPartition, RowKey: u.ID},
		Username:     u.Username,
		Email:        normalizeEmail(u.Email),
		PasswordHash: u.PasswordHash,
		CreatedAt:    formatTime(u.CreatedAt),
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := s.userTable.AddEntity(ctx, payload, nil); err != nil {
		// Roll the guard back so the email is not poisoned.
		_, _ = s.userTable.DeleteEntity(ctx, emailPartition, guard.RowKey, nil)
		return err
	}
	return nil
}

// GetUser retrieves one user by id or domain.ErrNotFound.
func (s *Storage) GetUser(ctx context.Context, id string) (domain.UserRecord, error) {
	resp, err := s.userTable.GetEntity(ctx, userPartition, id, nil)
	if err != nil {
		if statusCode(err) == 404 {
			return domain.UserRecord{}, domain.ErrNotFound
		}
		return domain.UserRecord{}, err
	}
	var ent userEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.UserRecord{}, err
	}
	return domain.UserRecord{
		ID:           ent.RowKey,
		Username:     ent.Username,
		Email:        ent.Email,
		PasswordHash: ent.PasswordHash,
		CreatedAt:    parseTime(ent.CreatedAt),
	}, nil
}

// GetUserByEmail resolves the email guard and then the user record.
func (s *Storage) GetUserByEmail(ctx context.Context, email string) (domain.UserRecord, error) {
	resp, err := s.userTable.GetEntity(ctx, emailPartition, emailRowKey(email), nil)
	if err != nil {
		if statusCode(err) == 404 {
			return domain.UserRecord{}, domain.ErrNotFound
		}
		return domain.UserRecord{}, err
	}
	var guard emailGuardEntity
	if err := sonic.Unmarshal(resp.Value, &guard); err != nil {
		return domain.UserRecord{}, err
	}
	return s.GetUser(ctx, guard.UserID)
}

// ListUsers returns every registered user for assignee pickers.
func (s *Storage) ListUsers(ctx context.Context) ([]domain.User, error) {
	filter := "PartitionKey eq '" + userPartition + "'"
	pager := s.userTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	users := []domain.User{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent userEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			users = append(users, domain.User{ID: ent.RowKey, Username: ent.Username, Email: ent.Email})
		}
	}
	return users, nil
}
