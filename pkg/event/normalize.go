package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/tinyland-inc/clawcord/pkg/wire"
)

// ErrUnknownEventType marks dispatch types outside the taxonomy. Callers log
// and drop; the error is never fatal.
var ErrUnknownEventType = errors.New("unknown event type")

// Raw dispatch shapes. These mirror only the fields the normalizer reads.

type rawUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

type rawMember struct {
	Permissions string `json:"permissions"`
}

type rawMessage struct {
	ID        string    `json:"id"`
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id"`
	Content   string    `json:"content"`
	Author    rawUser   `json:"author"`
	Member    rawMember `json:"member"`
}

type rawInteraction struct {
	ID        string  `json:"id"`
	Token     string  `json:"token"`
	GuildID   string  `json:"guild_id"`
	ChannelID string  `json:"channel_id"`
	User      rawUser `json:"user"`
	Member    struct {
		User        rawUser `json:"user"`
		Permissions string  `json:"permissions"`
	} `json:"member"`
	Data struct {
		Name    string `json:"name"`
		Options []struct {
			Name  string          `json:"name"`
			Value json.RawMessage `json:"value"`
		} `json:"options"`
	} `json:"data"`
}

type rawChannel struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id"`
	Name    string `json:"name"`
	Topic   string `json:"topic"`
}

type rawScheduledEvent struct {
	ID        string  `json:"id"`
	GuildID   string  `json:"guild_id"`
	ChannelID string  `json:"channel_id"`
	Name      string  `json:"name"`
	StartTime string  `json:"scheduled_start_time"`
	Creator   rawUser `json:"creator"`
}

// Normalize maps a dispatch frame to an Event. It is pure and safe to call
// concurrently, though the gateway invokes it sequentially to preserve
// receipt order.
func Normalize(p *wire.Payload) (Event, error) {
	ev := Event{Seq: p.S}

	switch p.T {
	case wire.EventReady:
		ev.Type = TypeReady
	case wire.EventResumed:
		ev.Type = TypeResumed
	case wire.EventMessageCreate:
		var m rawMessage
		if err := json.Unmarshal(p.D, &m); err != nil {
			return Event{}, fmt.Errorf("decoding %s: %w", p.T, err)
		}
		ev.Type = TypeMessageCreate
		ev.ID = m.ID
		ev.GuildID = m.GuildID
		ev.ChannelID = m.ChannelID
		ev.User = User{
			ID:          m.Author.ID,
			Name:        m.Author.Username,
			Bot:         m.Author.Bot,
			Permissions: decodePermissions(m.Member.Permissions),
		}
		ev.Message = &Message{ID: m.ID, Content: m.Content}
	case wire.EventInteractionCreate:
		var i rawInteraction
		if err := json.Unmarshal(p.D, &i); err != nil {
			return Event{}, fmt.Errorf("decoding %s: %w", p.T, err)
		}
		user := i.User
		if user.ID == "" {
			user = i.Member.User
		}
		opts := make(map[string]string, len(i.Data.Options))
		for _, o := range i.Data.Options {
			opts[o.Name] = decodeOptionValue(o.Value)
		}
		ev.Type = TypeInteractionCreate
		ev.ID = i.ID
		ev.GuildID = i.GuildID
		ev.ChannelID = i.ChannelID
		ev.User = User{
			ID:          user.ID,
			Name:        user.Username,
			Bot:         user.Bot,
			Permissions: decodePermissions(i.Member.Permissions),
		}
		ev.Interaction = &Interaction{
			ID:      i.ID,
			Token:   i.Token,
			Name:    i.Data.Name,
			Options: opts,
		}
	case wire.EventChannelUpdate:
		var c rawChannel
		if err := json.Unmarshal(p.D, &c); err != nil {
			return Event{}, fmt.Errorf("decoding %s: %w", p.T, err)
		}
		ev.Type = TypeChannelUpdate
		ev.ID = c.ID
		ev.GuildID = c.GuildID
		ev.ChannelID = c.ID
		ev.Channel = &Channel{ID: c.ID, Name: c.Name, Topic: c.Topic}
	case wire.EventGuildScheduledEventCreate:
		var s rawScheduledEvent
		if err := json.Unmarshal(p.D, &s); err != nil {
			return Event{}, fmt.Errorf("decoding %s: %w", p.T, err)
		}
		ev.Type = TypeScheduledEventCreate
		ev.ID = s.ID
		ev.GuildID = s.GuildID
		ev.ChannelID = s.ChannelID
		ev.User = User{ID: s.Creator.ID, Name: s.Creator.Username}
		ev.ScheduledEvent = &ScheduledEvent{ID: s.ID, Name: s.Name, StartTime: s.StartTime}
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, p.T)
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	return ev, nil
}

// decodePermissions maps the wire permission bit string to the internal set.
// Unparseable strings degrade to no permissions rather than failing the event.
func decodePermissions(s string) Permissions {
	if s == "" {
		return 0
	}
	raw, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	var p Permissions
	for wireBit, perm := range wirePermissionBits {
		if raw&wireBit != 0 {
			p |= perm
		}
	}
	return p
}

// wirePermissionBits maps vendor permission flags to the internal bits.
var wirePermissionBits = map[uint64]Permissions{
	1 << 13: PermManageMessages,   // MANAGE_MESSAGES
	1 << 4:  PermManageChannels,   // MANAGE_CHANNELS
	1 << 44: PermManageEvents,     // MANAGE_EVENTS
	1 << 10: PermViewChannels,     // VIEW_CHANNEL
	1 << 31: PermUseSlashCommands, // USE_APPLICATION_COMMANDS
}

func decodeOptionValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}
	return string(raw)
}
