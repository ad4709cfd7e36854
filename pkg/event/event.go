// Package event defines the normalized event taxonomy the rest of clawcord
// consumes, decoupled from the raw wire shapes.
package event

import "strings"

// Type tags the variant of a normalized event.
type Type string

const (
	TypeReady                Type = "ready"
	TypeResumed              Type = "resumed"
	TypeMessageCreate        Type = "message_create"
	TypeInteractionCreate    Type = "interaction_create"
	TypeChannelUpdate        Type = "channel_update"
	TypeScheduledEventCreate Type = "scheduled_event_create"
)

// Permissions is a bit set of the capabilities a user holds in the context
// an event arrived from.
type Permissions uint64

const (
	PermManageMessages Permissions = 1 << iota
	PermManageChannels
	PermManageEvents
	PermViewChannels
	PermUseSlashCommands
)

// Has reports whether p contains every bit of required.
func (p Permissions) Has(required Permissions) bool {
	return p&required == required
}

func (p Permissions) Add(extra Permissions) Permissions {
	return p | extra
}

var permNames = []struct {
	bit  Permissions
	name string
}{
	{PermManageMessages, "manage_messages"},
	{PermManageChannels, "manage_channels"},
	{PermManageEvents, "manage_events"},
	{PermViewChannels, "view_channels"},
	{PermUseSlashCommands, "use_slash_commands"},
}

// Names renders the set for permission-denied replies and logs.
func (p Permissions) Names() string {
	var parts []string
	for _, pn := range permNames {
		if p&pn.bit != 0 {
			parts = append(parts, pn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

// User is the invoking user as seen in the triggering event's context.
type User struct {
	ID          string
	Name        string
	Bot         bool
	Permissions Permissions
}

// Event is a normalized gateway event. Immutable once produced; the payload
// fields are only ever read after normalization.
type Event struct {
	ID   string
	Type Type
	// Seq is the gateway sequence number. It orders events only within one
	// Epoch: a fresh identify restarts the sequence space from zero.
	Seq int64
	// Epoch counts fresh identifies on the connection that delivered the
	// event. Resumed connections keep their epoch.
	Epoch     int64
	GuildID   string
	ChannelID string
	User      User

	// Exactly one of the following is set, matching Type.
	Message        *Message
	Interaction    *Interaction
	Channel        *Channel
	ScheduledEvent *ScheduledEvent
}

// Message is the payload of a message_create event.
type Message struct {
	ID      string
	Content string
}

// Interaction is the payload of an interaction_create event. Interactions
// carry a callback token and expect an acknowledgement within the vendor's
// deadline.
type Interaction struct {
	ID      string
	Token   string
	Name    string
	Options map[string]string
}

// Channel is the payload of a channel_update event.
type Channel struct {
	ID    string
	Name  string
	Topic string
}

// ScheduledEvent is the payload of a scheduled_event_create event.
type ScheduledEvent struct {
	ID        string
	Name      string
	StartTime string
}
