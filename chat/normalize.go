package chat

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ErrMalformedEvent is returned for payloads that cannot be turned into an Event.
var ErrMalformedEvent = errors.New("malformed event")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

// Normalizer converts provider payloads into Events. It is stateless apart from
// its clock and safe for concurrent use.
type Normalizer struct {
	clock clockwork.Clock
	newID func() string
}

// NewNormalizer returns a Normalizer using clock for events without a provider timestamp.
// A nil clock means the real clock.
func NewNormalizer(clock clockwork.Clock) *Normalizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Normalizer{clock: clock, newID: uuid.NewString}
}

// Normalize maps raw into an Event. Supported payloads are the go-twitch-irc
// PrivateMessage, UserJoinMessage, UserPartMessage and UserNoticeMessage types
// (by value or pointer), StreamStatus, and an already normalized Event.
func (n *Normalizer) Normalize(raw any) (Event, error) {
	switch m := raw.(type) {
	case nil:
		return Event{}, malformed("nil payload")
	case Event:
		return n.passThrough(m)
	case *Event:
		if m == nil {
			return Event{}, malformed("nil payload")
		}
		return n.passThrough(*m)
	case twitch.PrivateMessage:
		return n.fromPrivate(m)
	case *twitch.PrivateMessage:
		if m == nil {
			return Event{}, malformed("nil payload")
		}
		return n.fromPrivate(*m)
	case twitch.UserNoticeMessage:
		return n.fromUserNotice(m)
	case *twitch.UserNoticeMessage:
		if m == nil {
			return Event{}, malformed("nil payload")
		}
		return n.fromUserNotice(*m)
	case twitch.UserJoinMessage:
		return n.fromMembership(KindJoin, m.Channel, m.User)
	case *twitch.UserJoinMessage:
		if m == nil {
			return Event{}, malformed("nil payload")
		}
		return n.fromMembership(KindJoin, m.Channel, m.User)
	case twitch.UserPartMessage:
		return n.fromMembership(KindPart, m.Channel, m.User)
	case *twitch.UserPartMessage:
		if m == nil {
			return Event{}, malformed("nil payload")
		}
		return n.fromMembership(KindPart, m.Channel, m.User)
	case StreamStatus:
		return n.fromStream(m)
	case *StreamStatus:
		if m == nil {
			return Event{}, malformed("nil payload")
		}
		return n.fromStream(*m)
	default:
		return Event{}, malformed("unsupported payload type %T", raw)
	}
}

func (n *Normalizer) passThrough(e Event) (Event, error) {
	e.Channel = NormalizeChannel(e.Channel)
	if e.Channel == "" {
		return Event{}, malformed("missing channel")
	}
	if e.ID == "" {
		e.ID = n.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = n.clock.Now().UTC()
	}
	e.Sender.Roles = e.Sender.Roles.With(RoleViewer)
	return e, nil
}

func (n *Normalizer) fromPrivate(m twitch.PrivateMessage) (Event, error) {
	channel := NormalizeChannel(m.Channel)
	if channel == "" {
		return Event{}, malformed("privmsg without channel")
	}
	if m.User.ID == "" {
		return Event{}, malformed("privmsg without sender id")
	}
	return Event{
		ID:        n.idOr(m.ID),
		Channel:   channel,
		Sender:    userRef(m.User),
		Kind:      KindMessage,
		Text:      m.Message,
		Timestamp: n.timestamp(m.Time, m.Tags),
		Origin:    OriginChat,
	}, nil
}

func (n *Normalizer) fromUserNotice(m twitch.UserNoticeMessage) (Event, error) {
	channel := NormalizeChannel(m.Channel)
	if channel == "" {
		return Event{}, malformed("usernotice without channel")
	}
	e := Event{
		ID:        n.idOr(m.ID),
		Channel:   channel,
		Sender:    userRef(m.User),
		Timestamp: n.timestamp(m.Time, m.Tags),
		Origin:    OriginChat,
	}
	switch m.MsgID {
	case "sub", "resub", "subgift", "submysterygift", "giftpaidupgrade":
		e.Kind = KindSubscription
		e.Text = m.Message
	case "raid":
		e.Kind = KindRaid
		e.Text = m.MsgParams["msg-param-viewerCount"]
	default:
		// Unrecognised notices are kept as text-less messages so they can never trigger a command.
		e.Kind = KindMessage
	}
	return e, nil
}

func (n *Normalizer) fromMembership(kind Kind, channel, login string) (Event, error) {
	channel = NormalizeChannel(channel)
	if channel == "" {
		return Event{}, malformed("%s without channel", kind)
	}
	if login == "" {
		return Event{}, malformed("%s without user", kind)
	}
	return Event{
		ID:        n.newID(),
		Channel:   channel,
		Sender:    UserRef{Login: login, DisplayName: login, Roles: NewRoleSet()},
		Kind:      kind,
		Timestamp: n.clock.Now().UTC(),
		Origin:    OriginChat,
	}, nil
}

func (n *Normalizer) fromStream(s StreamStatus) (Event, error) {
	channel := NormalizeChannel(s.Channel)
	if channel == "" {
		return Event{}, malformed("stream status without channel")
	}
	kind := KindStreamOffline
	if s.Online {
		kind = KindStreamOnline
	}
	ts := s.At
	if ts.IsZero() {
		ts = n.clock.Now()
	}
	return Event{
		ID:        n.newID(),
		Channel:   channel,
		Sender:    UserRef{Login: channel, DisplayName: channel, Roles: NewRoleSet(RoleBroadcaster)},
		Kind:      kind,
		Text:      s.Title,
		Timestamp: ts.UTC(),
		Origin:    OriginChat,
	}, nil
}

func (n *Normalizer) idOr(id string) string {
	if id != "" {
		return id
	}
	return n.newID()
}

func (n *Normalizer) timestamp(t time.Time, tags map[string]string) time.Time {
	if !t.IsZero() {
		return t.UTC()
	}
	if ts := tags["tmi-sent-ts"]; ts != "" {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	return n.clock.Now().UTC()
}

func userRef(u twitch.User) UserRef {
	return UserRef{
		ID:          u.ID,
		Login:       u.Name,
		DisplayName: u.DisplayName,
		Roles:       rolesFromBadges(u.Badges),
	}
}

func rolesFromBadges(badges map[string]int) RoleSet {
	roles := NewRoleSet()
	if badges["broadcaster"] > 0 {
		roles = roles.With(RoleBroadcaster)
	}
	if badges["moderator"] > 0 {
		roles = roles.With(RoleModerator)
	}
	if badges["vip"] > 0 {
		roles = roles.With(RoleVIP)
	}
	if _, ok := badges["subscriber"]; ok {
		roles = roles.With(RoleSubscriber)
	}
	if _, ok := badges["founder"]; ok {
		roles = roles.With(RoleSubscriber)
	}
	return roles
}
