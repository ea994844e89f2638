package ingest

// Row types produced by conversion and consumed by the sink. Keeping these
// explicit (rather than loose maps) makes the sink's contract checkable.

// UserRow is a sender record. Authoritative rows come from the participant
// prefetch; per-message stubs are non-authoritative and must never clobber
// an authoritative name.
type UserRow struct {
	ID        int64
	Name      string
	AvatarURL *string
}

// MessageRow is one archived message. Nil fields mean "unknown", and an
// unknown field never overwrites a known one on re-ingest.
type MessageRow struct {
	ID              string
	SenderID        int64
	ChannelID       int64
	Text            *string
	Timestamp       int64
	UnsentTimestamp *int64
}

// ReplyEdge links a replying message to its target. At most one per message.
type ReplyEdge struct {
	MessageID   string
	RepliedToID string
}

// ReactionRow carries the remote-authoritative count for one emoji.
type ReactionRow struct {
	MessageID string
	Emoji     string
	Count     int
}

// AttachmentRow is a re-hosted media item. Write-once: first successful
// upload wins.
type AttachmentRow struct {
	ID        string
	MessageID string
	Name      string
	Type      string
	URL       string
	Width     *int
	Height    *int
}

// Result bundles everything one message contributes to the store.
type Result struct {
	Sender      UserRow
	Message     MessageRow
	Reply       *ReplyEdge
	Reactions   []ReactionRow
	Attachments []AttachmentRow
}
