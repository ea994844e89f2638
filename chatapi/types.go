package chatapi

// AttachmentKind tags the media type reported by the remote service.
type AttachmentKind string

const (
	KindImage         AttachmentKind = "image"
	KindAnimatedImage AttachmentKind = "animated_image"
	KindAudio         AttachmentKind = "audio"
	KindVideo         AttachmentKind = "video"
	KindFile          AttachmentKind = "file"
)

// ThreadInfo describes a remote conversation.
type ThreadInfo struct {
	// ThreadID may differ from the requested id (the service resolves
	// aliases); callers must adopt it. Nil means the response was malformed.
	ThreadID     *int64        `json:"thread_id"`
	Name         string        `json:"name"`
	Participants []Participant `json:"participants"`
	MessageCount int           `json:"message_count"`
}

// Participant is the authoritative profile record for one thread member.
type Participant struct {
	ID             int64  `json:"id"`
	StructuredName string `json:"structured_name"`
	Nickname       string `json:"nickname"`
	Username       string `json:"username"`
	ProfilePicURL  string `json:"profile_pic_url"`
}

// DisplayName picks the best available name the way the service's own
// clients do: structured name, then nickname, then username.
func (p Participant) DisplayName() string {
	if p.StructuredName != "" {
		return p.StructuredName
	}
	if p.Nickname != "" {
		return p.Nickname
	}
	if p.Username != "" {
		return p.Username
	}
	return "Unknown user"
}

// Sender is the minimal per-message sender stub (non-authoritative).
type Sender struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// MentionRange marks a user mention inside message text. Offset and Length
// are in UTF-16 code units, as the remote service counts them.
type MentionRange struct {
	Offset   int   `json:"offset"`
	Length   int   `json:"length"`
	EntityID int64 `json:"entity_id"`
}

// MessageBody is the text payload; absent entirely for media-only messages.
type MessageBody struct {
	Text   string         `json:"text"`
	Ranges []MentionRange `json:"ranges"`
}

// Reaction is one user's reaction; counts are derived by grouping.
type Reaction struct {
	Emoji string `json:"emoji"`
}

// ImageRendition is one hosted rendition of an image asset.
type ImageRendition struct {
	URI    string `json:"uri"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Attachment is one media item on a message.
type Attachment struct {
	ID       string         `json:"id"`
	MediaID  string         `json:"media_id"`
	Filename string         `json:"filename"`
	MimeType string         `json:"mime_type"`
	Kind     AttachmentKind `json:"kind"`

	// Image / animated image
	FullScreen     *ImageRendition `json:"full_screen,omitempty"`
	OriginalWidth  int             `json:"original_width,omitempty"`
	OriginalHeight int             `json:"original_height,omitempty"`

	// Audio / video direct URLs
	PlayableURL string `json:"playable_url,omitempty"`
	VideoURL    string `json:"video_url,omitempty"`
}

// StickerRef is the minimal sticker reference carried on a message.
type StickerRef struct {
	ID int64 `json:"id"`
}

// Sticker is the full sticker record returned by a detail fetch.
type Sticker struct {
	ID            int64           `json:"id"`
	AnimatedImage *ImageRendition `json:"animated_image,omitempty"`
	ThreadImage   *ImageRendition `json:"thread_image,omitempty"`
}

// Message is one raw history record, newest-first within a fetched page.
type Message struct {
	ID              string       `json:"id"`
	Timestamp       int64        `json:"timestamp"`
	UnsentTimestamp *int64       `json:"unsent_timestamp,omitempty"`
	Sender          Sender       `json:"sender"`
	Body            *MessageBody `json:"body,omitempty"`
	RepliedToID     string       `json:"replied_to_id,omitempty"`
	Reactions       []Reaction   `json:"reactions,omitempty"`
	Sticker         *StickerRef  `json:"sticker,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
}
