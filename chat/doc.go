// Package chat is the Twitch IRC transport.
//
// Client wraps go-twitch-irc and adds what the dispatcher needs on top of it:
//   - Join waits for the server's self-JOIN (or a ban/suspension NOTICE, or a
//     timeout) so callers know whether the bot is actually in the channel.
//   - the set of confirmed channels is tracked from JOIN/PART echoes and Send
//     refuses channels outside it.
//   - bans (CLEARCHAT targeting the bot, ban NOTICEs) and rate-limit NOTICEs are
//     forwarded to the Handler.
//
// The IRC password is the bot's user token with chat:read/chat:edit scopes;
// SetToken swaps it after a refresh and takes effect on the next reconnect.
package chat
