package firestore

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
	pfirestore "github.com/Digi9ReachInfoSystems/returns-api/internal/platform/firestore"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/repositories"
)

const userCollection = "users"

// UserRepository reads user profiles and role memberships.
type UserRepository struct {
	base *pfirestore.BaseRepository[userDocument]
}

// NewUserRepository constructs a Firestore-backed user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[userDocument](provider, userCollection, nil, nil)
	return &UserRepository{base: base}, nil
}

// FindByID loads the user profile by UID.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.UserProfile, error) {
	if r == nil || r.base == nil {
		return domain.UserProfile{}, errors.New("user repository not initialised")
	}
	if strings.TrimSpace(userID) == "" {
		return domain.UserProfile{}, errors.New("user id is required")
	}

	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}

	profile := doc.Data.toDomain(doc.ID)
	backfillTime(&profile.CreatedAt, doc.CreateTime)
	backfillTime(&profile.UpdatedAt, doc.UpdateTime)
	return profile, nil
}

func backfillTime(dst *time.Time, fallback time.Time) {
	if dst.IsZero() {
		*dst = fallback
	}
}

// ListByRole returns active users holding the given role.
func (r *UserRepository) ListByRole(ctx context.Context, role string) ([]domain.UserProfile, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("user repository not initialised")
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return nil, errors.New("user list: role is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("roles", "array-contains", role).Where("isActive", "==", true)
	})
	if err != nil {
		return nil, err
	}

	profiles := make([]domain.UserProfile, 0, len(docs))
	for _, doc := range docs {
		profiles = append(profiles, doc.Data.toDomain(doc.ID))
	}
	slices.SortFunc(profiles, func(a, b domain.UserProfile) int { return strings.Compare(a.ID, b.ID) })
	return profiles, nil
}

type userDocument struct {
	UID               string          `firestore:"uid"`
	DisplayName       string          `firestore:"displayName"`
	Email             string          `firestore:"email"`
	PhoneNumber       string          `firestore:"phoneNumber"`
	Roles             []string        `firestore:"roles"`
	IsActive          bool            `firestore:"isActive"`
	BankDetails       *bankDetailsDoc `firestore:"bankDetails,omitempty"`
	NotificationPrefs map[string]bool `firestore:"notificationPrefs,omitempty"`
	CreatedAt         time.Time       `firestore:"createdAt"`
	UpdatedAt         time.Time       `firestore:"updatedAt"`
}

type bankDetailsDoc struct {
	AccountHolder string `firestore:"accountHolder"`
	AccountNumber string `firestore:"accountNumber"`
	IFSC          string `firestore:"ifsc"`
	BankName      string `firestore:"bankName,omitempty"`
	VPA           string `firestore:"vpa,omitempty"`
}

func (d userDocument) toDomain(id string) domain.UserProfile {
	profile := domain.UserProfile{
		ID:                id,
		DisplayName:       d.DisplayName,
		Email:             strings.TrimSpace(d.Email),
		PhoneNumber:       strings.TrimSpace(d.PhoneNumber),
		Roles:             normaliseRoles(d.Roles),
		IsActive:          d.IsActive,
		NotificationPrefs: cloneNotificationPrefs(d.NotificationPrefs),
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
	profile.BankDetails = d.BankDetails.toDomain()
	return profile
}

func (d *bankDetailsDoc) toDomain() *domain.BankDetails {
	if d == nil {
		return nil
	}
	return &domain.BankDetails{
		AccountHolder: strings.TrimSpace(d.AccountHolder),
		AccountNumber: strings.TrimSpace(d.AccountNumber),
		IFSC:          strings.ToUpper(strings.TrimSpace(d.IFSC)),
		BankName:      strings.TrimSpace(d.BankName),
		VPA:           strings.TrimSpace(d.VPA),
	}
}

func cloneNotificationPrefs(prefs map[string]bool) domain.NotificationPreferences {
	cloned := make(domain.NotificationPreferences, len(prefs))
	for k, v := range prefs {
		cloned[k] = v
	}
	return cloned
}

func normaliseRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	var normalised []string
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		_, dup := seen[role]
		if role == "" || dup {
			continue
		}
		seen[role] = struct{}{}
		normalised = append(normalised, role)
	}
	slices.Sort(normalised)
	return normalised
}

var _ repositories.UserRepository = (*UserRepository)(nil)
