// Package types provides shared types used across wabridge packages
// to avoid import cycles between the session, relay and dispatch layers.
package types

import "time"

// InboundMessage is the canonical payload forwarded to the orchestrator
// for every accepted platform message.
type InboundMessage struct {
	MessageID string     `json:"messageId"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Author    string     `json:"author,omitempty"` // group messages only
	Body      string     `json:"body"`
	Type      string     `json:"type"`
	Timestamp int64      `json:"timestamp"` // unix seconds
	IsGroup   bool       `json:"isGroup"`
	Sender    Sender     `json:"sender"`
	Media     *MediaInfo `json:"media,omitempty"`
}

// Sender describes the author of an inbound message.
type Sender struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"shortName"`
	IsMe      bool   `json:"isMe"`
	IsUser    bool   `json:"isUser"`
	IsGroup   bool   `json:"isGroup"`
}

// MediaInfo is the descriptive stub attached instead of binary content.
type MediaInfo struct {
	Mimetype string `json:"mimetype"`
	Filename string `json:"filename,omitempty"`
}

// SendRequest is the body accepted by the direct send endpoint.
type SendRequest struct {
	ChatID   string `json:"chatId"`
	Message  string `json:"message"`
	MediaURL string `json:"mediaUrl,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`

	// MimeTypeAlias carries the camel-cased spelling some orchestrator
	// builds send. Mimetype wins when both are set.
	MimeTypeAlias string `json:"mimeType,omitempty"`
}

// EffectiveMimetype returns the explicitly requested mimetype, if any.
func (r SendRequest) EffectiveMimetype() string {
	if r.Mimetype != "" {
		return r.Mimetype
	}
	return r.MimeTypeAlias
}

// Attachment is a fetched media payload ready to be uploaded.
type Attachment struct {
	Data     []byte
	Mimetype string
	Filename string
	Caption  string
}

// OutgoingMessage is what the session hands to the platform driver.
type OutgoingMessage struct {
	To         string
	Text       string
	Attachment *Attachment
}

// PlatformMessage is a platform event already decoded by the driver but
// not yet normalized for the orchestrator.
type PlatformMessage struct {
	ID        string
	Chat      string // canonical chat id
	Sender    string // canonical author id
	Self      string // canonical id of the logged-in account
	IsFromMe  bool
	IsGroup   bool
	PushName  string
	Type      string
	Body      string
	Timestamp time.Time
	Media     *MediaInfo
	HasBinary bool
}

// Contact is the resolved metadata of a platform identity.
type Contact struct {
	ID        string
	Name      string
	ShortName string
	PushName  string
	Found     bool
}
