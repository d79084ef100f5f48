// Package chat contains the Twitch chat transport and the event normalizer.
//
// It provides three pieces:
//   - Normalizer: turns go-twitch-irc payloads (PRIVMSG, JOIN, PART, USERNOTICE)
//     and StreamStatus values into provider-independent Events. Malformed
//     payloads fail with ErrMalformedEvent.
//   - Client: wraps the IRC connection, forwards inbound payloads to a Sink and
//     writes Replies (plain, /me actions or threaded replies) back to chat.
//   - StreamWatcher: polls Helix for live status and reports online/offline
//     transitions as StreamStatus payloads.
//
// Credentials: the IRC client requires a bot username and a user OAuth token
// with chat:read/chat:edit scopes. The Helix watcher uses an app access token.
package chat
