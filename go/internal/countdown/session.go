package countdown

import (
	"context"
	"errors"
)

var (
	// ErrNotInSession is returned by substrates when the local member has left.
	ErrNotInSession = errors.New("not in session")
	// ErrNoAuthority means no member currently holds authority.
	ErrNoAuthority = errors.New("session has no authority")
	// ErrSessionFull is returned when joining a session at capacity.
	ErrSessionFull = errors.New("session is full")
	// ErrUnknownMember is returned for directed messages to a non-member.
	ErrUnknownMember = errors.New("unknown member")
)

// Session is the group-communication substrate as seen by one member.
// It is constructed when the member joins and handed to every component.
type Session interface {
	ID() string
	LocalMemberID() string
	InSession() bool
	MemberCount() int
	IsAuthority() bool
	AuthorityID() string

	// Now is the session clock in seconds, monotonic within the session.
	Now() float64

	// ReadState returns the latest replicated tuple delivered to this member.
	ReadState() State
	// WriteState replicates st to every member. Fire-and-forget: a nil error
	// does not mean other members have seen it yet.
	WriteState(ctx context.Context, st State) error
	// SendCancel delivers req to a single member.
	SendCancel(ctx context.Context, target string, req CancelRequest) error
}

// Transitioner begins the terminal transition. Called at most once per
// Running period by the authority watcher.
type Transitioner interface {
	BeginTransition(ctx context.Context, t Transition) error
}

// TransitionerFunc adapts a function to Transitioner.
type TransitionerFunc func(ctx context.Context, t Transition) error

func (f TransitionerFunc) BeginTransition(ctx context.Context, t Transition) error {
	return f(ctx, t)
}

// Listener receives substrate notifications.
type Listener interface {
	OnMemberJoined(ctx context.Context, memberID string)
	OnMemberLeft(ctx context.Context, memberID string)
	OnAuthorityChanged(ctx context.Context, authorityID string)
	OnCancelRequest(ctx context.Context, req CancelRequest)
	OnStateUpdated(ctx context.Context, st State)
}

const CancelRequestKind = "CancelRequest"

// CancelRequest is the directed message a non-authority member sends to the
// authority to ask for the countdown to be cleared.
type CancelRequest struct {
	Kind      string  `json:"kind"`
	SessionID string  `json:"session_id"`
	Sender    string  `json:"sender"`
	SentAt    float64 `json:"sent_at"`
}

// Transition describes the committed move to the next activity.
type Transition struct {
	SessionID string  `json:"session_id"`
	Target    string  `json:"target"`
	FiredBy   string  `json:"fired_by"`
	FiredAt   float64 `json:"fired_at"`
	Reason    string  `json:"reason"`
}
