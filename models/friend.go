package models

// FriendStatus is the relationship between the querying user and another
// account, as seen by the querying user only.
type FriendStatus string

const (
	FriendStatusNone    FriendStatus = "none"
	FriendStatusPending FriendStatus = "pending"
	FriendStatusFriend  FriendStatus = "friend"
)

// RespondAction is the answer to an incoming friend request
type RespondAction string

const (
	ActionAccept RespondAction = "accept"
	ActionReject RespondAction = "reject"
)

// Valid reports whether a is one of the known actions
func (a RespondAction) Valid() bool {
	return a == ActionAccept || a == ActionReject
}

// SearchResult is one row of a user search
type SearchResult struct {
	ID       int64        `json:"id"`
	Username string       `json:"username"`
	Email    string       `json:"email,omitempty"`
	Phone    string       `json:"phone,omitempty"`
	Avatar   string       `json:"avatar"`
	Status   FriendStatus `json:"status"`
}

// SendOutcome tells the caller what a send-request call ended up doing.
type SendOutcome string

const (
	// OutcomeRequested means a new pending request was recorded.
	OutcomeRequested SendOutcome = "requested"
	// OutcomeAccepted means the target had already asked the sender, so the
	// two requests were merged into a friendship.
	OutcomeAccepted SendOutcome = "accepted"
)

// TargetRef identifies who a friend request is addressed to: either a user
// id or a free-text identifier (email, phone or username). Exactly one is set.
type TargetRef struct {
	ID         int64
	Identifier string
}

// ByID builds a TargetRef for a known user id
func ByID(id int64) TargetRef {
	return TargetRef{ID: id}
}

// ByIdentifier builds a TargetRef for a free-text identifier
func ByIdentifier(identifier string) TargetRef {
	return TargetRef{Identifier: identifier}
}
