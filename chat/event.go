package chat

import (
	"strings"
	"time"
)

// Kind classifies a normalized event.
type Kind int

const (
	KindMessage Kind = iota
	KindJoin
	KindPart
	KindStreamOnline
	KindStreamOffline
	KindSubscription
	KindRaid
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindJoin:
		return "join"
	case KindPart:
		return "part"
	case KindStreamOnline:
		return "stream_online"
	case KindStreamOffline:
		return "stream_offline"
	case KindSubscription:
		return "subscription"
	case KindRaid:
		return "raid"
	default:
		return "unknown"
	}
}

// Role is a chat privilege level. Higher values outrank lower ones.
type Role uint8

const (
	RoleViewer Role = iota
	RoleSubscriber
	RoleVIP
	RoleModerator
	RoleBroadcaster
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleSubscriber:
		return "subscriber"
	case RoleVIP:
		return "vip"
	case RoleModerator:
		return "moderator"
	case RoleBroadcaster:
		return "broadcaster"
	default:
		return "unknown"
	}
}

// RoleSet is a bitmask of roles held by a user at the moment an event was observed.
// It is a value type so copies never share state.
type RoleSet uint8

// NewRoleSet returns a set holding roles. Viewer is always included.
func NewRoleSet(roles ...Role) RoleSet {
	s := RoleSet(1 << RoleViewer)
	for _, r := range roles {
		s = s.With(r)
	}
	return s
}

// With returns s plus r.
func (s RoleSet) With(r Role) RoleSet { return s | RoleSet(1<<r) }

// Has reports whether r is in s.
func (s RoleSet) Has(r Role) bool { return s&RoleSet(1<<r) != 0 }

// Highest returns the most privileged role in s.
func (s RoleSet) Highest() Role {
	for r := RoleBroadcaster; r > RoleViewer; r-- {
		if s.Has(r) {
			return r
		}
	}
	return RoleViewer
}

// Satisfies reports whether the highest role in s is at least min.
func (s RoleSet) Satisfies(min Role) bool { return s.Highest() >= min }

func (s RoleSet) String() string {
	var parts []string
	for r := RoleViewer; r <= RoleBroadcaster; r++ {
		if s.Has(r) {
			parts = append(parts, r.String())
		}
	}
	return strings.Join(parts, ",")
}

// UserRef identifies the sender of an event.
type UserRef struct {
	ID          string
	Login       string
	DisplayName string
	Roles       RoleSet
}

// Name returns the display name, falling back to the login.
func (u UserRef) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Login
}

// Origin tells whether an event came from chat or was synthesized by the scheduler.
type Origin int

const (
	OriginChat Origin = iota
	OriginTimer
)

// Event is a provider-independent chat or stream lifecycle event.
// Treat it as immutable once constructed.
type Event struct {
	ID        string
	Channel   string
	Sender    UserRef
	Kind      Kind
	Text      string
	Timestamp time.Time
	Origin    Origin
}

// ReplyKind selects how a reply is rendered in chat.
type ReplyKind int

const (
	// ReplySay posts a plain message.
	ReplySay ReplyKind = iota
	// ReplyAction posts a /me style message.
	ReplyAction
	// ReplyThread answers a specific message in a reply thread.
	ReplyThread
)

// Reply is an outbound chat message.
type Reply struct {
	Channel  string
	Kind     ReplyKind
	Text     string
	ParentID string
}

// StreamStatus reports a stream lifecycle transition observed by the stream watcher.
type StreamStatus struct {
	Channel   string
	Online    bool
	Title     string
	StartedAt time.Time
	At        time.Time
}

// NormalizeChannel trims whitespace and a leading '#' and lower-cases the name.
func NormalizeChannel(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}
