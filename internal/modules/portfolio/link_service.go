package portfolio

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/monetahq/moneta/internal/clientcache"
	"github.com/monetahq/moneta/internal/domain"
)

// linkSessionTTL bounds how long a started link flow stays valid.
const linkSessionTTL = 30 * time.Minute

// TokenSealer encrypts a custodian access handle for storage.
type TokenSealer interface {
	Seal(plaintext string) (string, error)
}

// linkSessionRecord is what StartLink caches against the link token so the
// exchange leg can be correlated back to the requesting user.
type linkSessionRecord struct {
	UserID    string `json:"user_id"`
	Custodian string `json:"custodian"`
}

// LinkResult reports what a completed link produced.
type LinkResult struct {
	Accounts []AccountView `json:"accounts"`
	Created  int           `json:"created"`
	Relinked int           `json:"relinked"`
}

// LinkService drives the two-leg custodian link flow: start a session,
// then exchange the client's public credential for account access.
type LinkService struct {
	users      *UserRepository
	accounts   *AccountRepository
	custodians *CustodianRepository
	adapters   map[string]domain.CustodianAdapter
	box        TokenSealer
	sessions   *clientcache.Repository
	log        zerolog.Logger

	onLinked func(ctx context.Context, accountID string)
}

// NewLinkService creates the link flow coordinator. Adapters are keyed by
// custodian slug.
func NewLinkService(
	users *UserRepository,
	accounts *AccountRepository,
	custodians *CustodianRepository,
	adapters []domain.CustodianAdapter,
	box TokenSealer,
	sessions *clientcache.Repository,
	log zerolog.Logger,
) *LinkService {
	bySlug := make(map[string]domain.CustodianAdapter, len(adapters))
	for _, a := range adapters {
		bySlug[a.Slug()] = a
	}
	return &LinkService{
		users:      users,
		accounts:   accounts,
		custodians: custodians,
		adapters:   bySlug,
		box:        box,
		sessions:   sessions,
		log:        log.With().Str("component", "link_flow").Logger(),
	}
}

// SetOnLinked installs a hook invoked for each newly linked account,
// used to trigger its initial sync.
func (s *LinkService) SetOnLinked(hook func(ctx context.Context, accountID string)) {
	s.onLinked = hook
}

// StartLink opens a link session with the custodian and hands the token
// back for the client to complete institution selection.
func (s *LinkService) StartLink(ctx context.Context, userID, custodianSlug string) (*domain.LinkSession, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, domain.NewNotFoundError("user not found")
	}

	adapter, custodian, err := s.resolveAdapter(ctx, custodianSlug)
	if err != nil {
		return nil, err
	}

	session, err := adapter.LinkFlow(ctx, userID)
	if err != nil {
		return nil, domain.WrapError(err, domain.CodeCustodianUnavailable,
			"failed to start link session", domain.CategoryExternalAPI, domain.SeverityHigh)
	}

	record := linkSessionRecord{UserID: userID, Custodian: custodian.Slug}
	if err := s.sessions.Store(clientcache.TableLinkSessions, session.Token, record, linkSessionTTL); err != nil {
		s.log.Warn().Err(err).Msg("Failed to cache link session")
	}

	s.log.Info().
		Str("user_id", userID).
		Str("custodian", custodian.Slug).
		Time("expires_at", session.ExpiresAt).
		Msg("Link session started")
	return session, nil
}

// CompleteLink trades the public credential for an access handle, seals
// it, and creates local accounts for everything the handle can see.
// Re-linking an already known account refreshes its stored credential.
func (s *LinkService) CompleteLink(ctx context.Context, userID, custodianSlug, publicToken string) (*LinkResult, error) {
	if publicToken == "" {
		return nil, domain.NewValidationError(domain.CodeInvalidRequest, "public_token is required")
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, domain.NewNotFoundError("user not found")
	}

	adapter, custodian, err := s.resolveAdapter(ctx, custodianSlug)
	if err != nil {
		return nil, err
	}

	handle, err := adapter.ExchangePublicCredential(ctx, publicToken)
	if err != nil {
		return nil, err
	}

	sealed, err := s.box.Seal(handle.Token)
	if err != nil {
		return nil, domain.WrapError(err, domain.CodeInternal, "failed to seal access token",
			domain.CategoryDatabase, domain.SeverityCritical)
	}

	remotes, err := adapter.ListAccounts(ctx, *handle)
	if err != nil {
		return nil, domain.WrapError(err, domain.CodeCustodianUnavailable,
			"failed to list linked accounts", domain.CategoryExternalAPI, domain.SeverityHigh)
	}

	var portfolioID string
	if primary, err := s.users.GetPrimaryPortfolio(ctx, userID); err == nil && primary != nil {
		portfolioID = primary.ID
	}

	result := &LinkResult{}
	now := time.Now().UTC()
	var linkedIDs []string
	for i := range remotes {
		remote := &remotes[i]
		account := &domain.Account{
			UserID:           userID,
			PortfolioID:      portfolioID,
			CustodianID:      custodian.ID,
			Name:             remote.Name,
			Kind:             remote.Kind,
			ExternalID:       remote.ExternalID,
			AccessToken:      sealed,
			Currency:         remote.Currency,
			CurrentBalance:   remote.CurrentBalance,
			AvailableBalance: remote.AvailableBalance,
			IsActive:         true,
			CreatedAt:        now,
		}

		err := s.accounts.Create(ctx, account)
		switch {
		case err == nil:
			result.Created++
			linkedIDs = append(linkedIDs, account.ID)
		case domain.CodeOf(err) == domain.CodeDuplicate:
			existing, getErr := s.accounts.GetByExternalID(ctx, custodian.ID, remote.ExternalID)
			if getErr != nil || existing == nil {
				return nil, err
			}
			if updErr := s.accounts.UpdateAccessToken(ctx, existing.ID, sealed); updErr != nil {
				return nil, updErr
			}
			result.Relinked++
			account = existing
			linkedIDs = append(linkedIDs, existing.ID)
		default:
			return nil, err
		}

		result.Accounts = append(result.Accounts, AccountView{
			ID:               account.ID,
			Name:             remote.Name,
			Kind:             remote.Kind,
			Custodian:        custodian.Name,
			Currency:         remote.Currency,
			CurrentBalance:   remote.CurrentBalance,
			AvailableBalance: remote.AvailableBalance,
			IsManual:         false,
		})
	}

	s.log.Info().
		Str("user_id", userID).
		Str("custodian", custodian.Slug).
		Int("created", result.Created).
		Int("relinked", result.Relinked).
		Msg("Link completed")

	if s.onLinked != nil {
		for _, id := range linkedIDs {
			s.onLinked(ctx, id)
		}
	}
	return result, nil
}

func (s *LinkService) resolveAdapter(ctx context.Context, slug string) (domain.CustodianAdapter, *domain.Custodian, error) {
	custodian, err := s.custodians.GetBySlug(ctx, slug)
	if err != nil {
		return nil, nil, err
	}
	if custodian == nil {
		return nil, nil, domain.NewNotFoundError("unknown custodian")
	}
	adapter, ok := s.adapters[custodian.Slug]
	if !ok {
		return nil, nil, domain.NewBusinessError(domain.CodeCustodianUnavailable,
			"custodian has no registered adapter")
	}
	return adapter, custodian, nil
}
