// Package friends implements the friend relationship state machine:
// none -> pending -> friends, with reject and cancel returning a pair to
// none. Every transition runs in a pair transaction and re-checks the
// current state before writing, so two concurrent transitions on the same
// pair cannot both succeed.
package friends

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"scuffedchat/apperr"
	"scuffedchat/database"
	"scuffedchat/models"
	"scuffedchat/presence"
)

const searchLimit = 20

// Store is the persistence the service needs
type Store interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	FindByIdentifier(ctx context.Context, identifier string) (*models.User, error)
	WithPair(ctx context.Context, a, b int64, fn func(ctx context.Context, p *database.PairTx) error) error
	ListFriends(ctx context.Context, userID int64) ([]models.User, error)
	ListPendingRequesters(ctx context.Context, userID int64) ([]models.User, error)
	SearchUsers(ctx context.Context, query string, viewerID int64, limit int) ([]models.SearchResult, error)
}

// Notifier pushes live events to a user's connections
type Notifier interface {
	Notify(ctx context.Context, userID int64, event models.Event)
}

// Service is the friend state machine
type Service struct {
	store    Store
	presence presence.Registry
	notifier Notifier
	logger   *zap.Logger
}

// NewService creates the service. notifier may be nil.
func NewService(store Store, registry presence.Registry, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		presence: registry,
		notifier: notifier,
		logger:   logger.Named("friends"),
	}
}

func (s *Service) resolve(ctx context.Context, target models.TargetRef) (*models.User, error) {
	switch {
	case target.ID > 0:
		return s.store.GetUserByID(ctx, target.ID)
	case strings.TrimSpace(target.Identifier) != "":
		return s.store.FindByIdentifier(ctx, strings.TrimSpace(target.Identifier))
	default:
		return nil, apperr.New(apperr.KindInvalidInput, "Receiver ID or identifier required")
	}
}

// SendRequest records a friend request from senderID to target. When the
// target already asked the sender, the two requests are merged into a
// friendship and OutcomeAccepted is returned. The resolved target is
// returned on success.
func (s *Service) SendRequest(ctx context.Context, senderID int64, target models.TargetRef) (models.SendOutcome, *models.User, error) {
	receiver, err := s.resolve(ctx, target)
	if err != nil {
		return "", nil, err
	}
	if receiver.ID == senderID {
		return "", nil, apperr.ErrSelfRequest
	}

	var outcome models.SendOutcome
	err = s.store.WithPair(ctx, senderID, receiver.ID, func(ctx context.Context, p *database.PairTx) error {
		mine, err := p.HasFriendRow(ctx, senderID, receiver.ID)
		if err != nil {
			return err
		}
		theirs, err := p.HasFriendRow(ctx, receiver.ID, senderID)
		if err != nil {
			return err
		}
		if mine && theirs {
			return apperr.ErrAlreadyFriends
		}
		// A row only on the sender's side is a request still awaiting the
		// receiver.
		if mine {
			return apperr.ErrRequestExists
		}
		pending, err := p.HasRequest(ctx, senderID, receiver.ID)
		if err != nil {
			return err
		}
		if pending {
			return apperr.ErrRequestExists
		}

		incoming, err := p.DeleteRequest(ctx, receiver.ID, senderID)
		if err != nil {
			return err
		}
		if incoming || theirs {
			outcome = models.OutcomeAccepted
			return p.InsertFriendship(ctx, senderID, receiver.ID)
		}

		inserted, err := p.InsertRequest(ctx, senderID, receiver.ID)
		if err != nil {
			return err
		}
		if !inserted {
			return apperr.ErrRequestExists
		}
		outcome = models.OutcomeRequested
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	s.logger.Info("Friend request sent",
		zap.Int64("sender_id", senderID), zap.Int64("receiver_id", receiver.ID), zap.String("outcome", string(outcome)))

	switch outcome {
	case models.OutcomeRequested:
		s.notifyUser(ctx, receiver.ID, senderID, func(u models.UserResponse) models.Event {
			return models.Event{Type: models.EventFriendRequest, Payload: models.FriendRequestPayload{From: u}}
		})
	case models.OutcomeAccepted:
		s.notifyUser(ctx, receiver.ID, senderID, func(u models.UserResponse) models.Event {
			return models.Event{Type: models.EventFriendAccepted, Payload: models.FriendAcceptedPayload{User: u}}
		})
	}
	return outcome, receiver, nil
}

// Respond accepts or rejects the pending request from requesterID. A
// one-sided friendship (requester lists responder but not the reverse)
// counts as a pending request and is completed or cleared here.
func (s *Service) Respond(ctx context.Context, responderID, requesterID int64, action models.RespondAction) error {
	if !action.Valid() {
		return apperr.New(apperr.KindInvalidInput, "Invalid action")
	}
	if requesterID <= 0 {
		return apperr.New(apperr.KindInvalidInput, "Request ID required")
	}
	if requesterID == responderID {
		return apperr.ErrRequestNotFound
	}

	err := s.store.WithPair(ctx, responderID, requesterID, func(ctx context.Context, p *database.PairTx) error {
		removed, err := p.DeleteRequest(ctx, requesterID, responderID)
		if err != nil {
			return err
		}

		oneSided := false
		if !removed {
			theirs, err := p.HasFriendRow(ctx, requesterID, responderID)
			if err != nil {
				return err
			}
			mine, err := p.HasFriendRow(ctx, responderID, requesterID)
			if err != nil {
				return err
			}
			oneSided = theirs && !mine
		}

		if !removed && !oneSided {
			outgoing, err := p.HasRequest(ctx, responderID, requesterID)
			if err != nil {
				return err
			}
			if outgoing {
				return apperr.ErrNotAddressee
			}
			return apperr.ErrRequestNotFound
		}

		if action == models.ActionAccept {
			return p.InsertFriendship(ctx, requesterID, responderID)
		}
		if oneSided {
			_, err := p.DeleteFriendRow(ctx, requesterID, responderID)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Friend request answered",
		zap.Int64("responder_id", responderID), zap.Int64("requester_id", requesterID), zap.String("action", string(action)))

	if action == models.ActionAccept {
		s.notifyUser(ctx, requesterID, responderID, func(u models.UserResponse) models.Event {
			return models.Event{Type: models.EventFriendAccepted, Payload: models.FriendAcceptedPayload{User: u}}
		})
	}
	return nil
}

// Cancel withdraws requesterID's pending request to targetID
func (s *Service) Cancel(ctx context.Context, requesterID, targetID int64) error {
	if targetID <= 0 {
		return apperr.New(apperr.KindInvalidInput, "Receiver ID required")
	}
	if targetID == requesterID {
		return apperr.ErrNoPendingRequest
	}
	if _, err := s.store.GetUserByID(ctx, targetID); err != nil {
		return err
	}

	return s.store.WithPair(ctx, requesterID, targetID, func(ctx context.Context, p *database.PairTx) error {
		removed, err := p.DeleteRequest(ctx, requesterID, targetID)
		if err != nil {
			return err
		}
		if removed {
			return nil
		}

		mine, err := p.HasFriendRow(ctx, requesterID, targetID)
		if err != nil {
			return err
		}
		theirs, err := p.HasFriendRow(ctx, targetID, requesterID)
		if err != nil {
			return err
		}
		if mine && !theirs {
			_, err := p.DeleteFriendRow(ctx, requesterID, targetID)
			return err
		}
		return apperr.ErrNoPendingRequest
	})
}

// Pending returns the users waiting on userID's answer
func (s *Service) Pending(ctx context.Context, userID int64) ([]models.UserResponse, error) {
	users, err := s.store.ListPendingRequesters(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.UserResponse, 0, len(users))
	for i := range users {
		out = append(out, users[i].ToResponse())
	}
	return out, nil
}

// Friends returns userID's friends with live presence. A presence lookup
// failure reports that friend as offline.
func (s *Service) Friends(ctx context.Context, userID int64) ([]models.UserResponse, error) {
	users, err := s.store.ListFriends(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.UserResponse, 0, len(users))
	for i := range users {
		resp := users[i].ToResponse()
		online, err := s.presence.IsOnline(ctx, users[i].ID)
		if err != nil {
			s.logger.Warn("Presence lookup failed, reporting offline",
				zap.Int64("user_id", users[i].ID), zap.Error(err))
		}
		resp.Online = err == nil && online
		out = append(out, resp)
	}
	return out, nil
}

// Search finds users by username, email or phone, excluding the viewer.
// Status is relative to the viewer only.
func (s *Service) Search(ctx context.Context, viewerID int64, query string) ([]models.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.SearchResult{}, nil
	}
	return s.store.SearchUsers(ctx, query, viewerID, searchLimit)
}

// notifyUser pushes an event about subjectID to userID's connections
func (s *Service) notifyUser(ctx context.Context, userID, subjectID int64, build func(models.UserResponse) models.Event) {
	if s.notifier == nil {
		return
	}
	subject, err := s.store.GetUserByID(ctx, subjectID)
	if err != nil {
		s.logger.Warn("Failed to load user for notification", zap.Int64("user_id", subjectID), zap.Error(err))
		return
	}
	resp := subject.ToResponse()
	resp.Online = true
	s.notifier.Notify(ctx, userID, build(resp))
}
