package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	watypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/clawinfra/wabridge/internal/types"
)

// Web-client message types reported to the orchestrator.
const (
	TypeChat     = "chat"
	TypeImage    = "image"
	TypeVideo    = "video"
	TypeAudio    = "audio"
	TypePTT      = "ptt"
	TypeDocument = "document"
	TypeSticker  = "sticker"
	TypeLocation = "location"
	TypeVCard    = "vcard"
	TypeProtocol = "protocol"
	TypeCallLog  = "call_log"
	TypeRevoked  = "revoked"
	TypeUnknown  = "unknown"
)

// canonicalID renders a JID in the orchestrator's form, without device.
func canonicalID(jid watypes.JID) string {
	if jid.IsEmpty() {
		return ""
	}
	jid = jid.ToNonAD()
	switch jid.Server {
	case watypes.DefaultUserServer:
		return jid.User + types.UserSuffix
	case watypes.GroupServer:
		return jid.User + types.GroupSuffix
	case watypes.HiddenUserServer:
		return jid.User + types.LIDSuffix
	}
	return jid.String()
}

// toJID converts any accepted chat id into a whatsmeow JID.
func toJID(id string) (watypes.JID, error) {
	canonical, err := types.ParseChatID(id)
	if err != nil {
		return watypes.EmptyJID, err
	}
	user, suffix, _ := strings.Cut(canonical, "@")
	switch "@" + suffix {
	case types.GroupSuffix:
		return watypes.NewJID(user, watypes.GroupServer), nil
	case types.LIDSuffix:
		return watypes.NewJID(user, watypes.HiddenUserServer), nil
	default:
		return watypes.NewJID(user, watypes.DefaultUserServer), nil
	}
}

// content is the decoded essence of a waE2E message.
type content struct {
	typ    string
	body   string
	media  *types.MediaInfo
	binary bool
}

func classify(msg *waE2E.Message) content {
	if msg == nil {
		return content{typ: TypeUnknown}
	}

	switch {
	case msg.GetConversation() != "":
		return content{typ: TypeChat, body: msg.GetConversation()}
	case msg.GetExtendedTextMessage() != nil:
		return content{typ: TypeChat, body: msg.GetExtendedTextMessage().GetText()}
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return content{typ: TypeImage, body: m.GetCaption(), media: &types.MediaInfo{Mimetype: m.GetMimetype()}, binary: true}
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return content{typ: TypeVideo, body: m.GetCaption(), media: &types.MediaInfo{Mimetype: m.GetMimetype()}, binary: true}
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		typ := TypeAudio
		if m.GetPTT() {
			typ = TypePTT
		}
		return content{typ: typ, media: &types.MediaInfo{Mimetype: m.GetMimetype()}, binary: true}
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		name := m.GetFileName()
		if name == "" {
			name = m.GetTitle()
		}
		return content{typ: TypeDocument, body: m.GetCaption(), media: &types.MediaInfo{Mimetype: m.GetMimetype(), Filename: name}, binary: true}
	case msg.GetStickerMessage() != nil:
		m := msg.GetStickerMessage()
		return content{typ: TypeSticker, media: &types.MediaInfo{Mimetype: m.GetMimetype()}, binary: true}
	case msg.GetLocationMessage() != nil:
		m := msg.GetLocationMessage()
		return content{typ: TypeLocation, body: fmt.Sprintf("%f,%f", m.GetDegreesLatitude(), m.GetDegreesLongitude())}
	case msg.GetContactMessage() != nil:
		return content{typ: TypeVCard, body: msg.GetContactMessage().GetVcard()}
	case msg.GetProtocolMessage() != nil:
		if msg.GetProtocolMessage().GetType() == waE2E.ProtocolMessage_REVOKE {
			return content{typ: TypeRevoked}
		}
		return content{typ: TypeProtocol}
	}
	return content{typ: TypeUnknown}
}

// fromMessageEvent flattens a whatsmeow message event.
func fromMessageEvent(evt *events.Message, self watypes.JID) types.PlatformMessage {
	c := classify(evt.Message)
	return types.PlatformMessage{
		ID:        evt.Info.ID,
		Chat:      canonicalID(evt.Info.Chat),
		Sender:    canonicalID(evt.Info.Sender),
		Self:      canonicalID(self),
		IsFromMe:  evt.Info.IsFromMe,
		IsGroup:   evt.Info.IsGroup,
		PushName:  evt.Info.PushName,
		Type:      c.typ,
		Body:      c.body,
		Timestamp: evt.Info.Timestamp,
		Media:     c.media,
		HasBinary: c.binary,
	}
}

// fromCallOffer reports an incoming call as a call-log notification.
func fromCallOffer(evt *events.CallOffer, self watypes.JID) types.PlatformMessage {
	from := canonicalID(evt.From)
	return types.PlatformMessage{
		ID:        evt.CallID,
		Chat:      from,
		Sender:    from,
		Self:      canonicalID(self),
		Type:      TypeCallLog,
		Timestamp: evt.Timestamp,
	}
}

// mediaKind picks the upload category for a mimetype.
func mediaKind(mimetype string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimetype, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimetype, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimetype, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}
