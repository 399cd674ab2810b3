package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// CredsKey is the slot-key of the singleton pairing-credentials record.
const CredsKey = "creds"

// WhatsAppDialer dials real WhatsApp connections via whatsmeow. Each tenant
// gets its own sqlite device container under dataDir.
type WhatsAppDialer struct {
	dataDir string
}

// NewWhatsAppDialer creates a dialer storing device state under dataDir.
func NewWhatsAppDialer(dataDir string) *WhatsAppDialer {
	return &WhatsAppDialer{dataDir: dataDir}
}

func (d *WhatsAppDialer) devicePath(tenantID int64) string {
	return filepath.Join(d.dataDir, "devices", fmt.Sprintf("tenant-%d.db", tenantID))
}

// Dial opens the tenant's device container and builds a client. The
// connection itself is established by Connect.
func (d *WhatsAppDialer) Dial(ctx context.Context, tenantID int64, creds CredentialSource, handler Handler) (Client, error) {
	dbPath := d.devicePath(tenantID)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create device dir: %w", err)
	}

	dbLog := waLog.Stdout("Database", "WARN", true)
	clientLog := waLog.Stdout("Client", "WARN", true)

	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
	if err != nil {
		return nil, fmt.Errorf("init device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("get device: %w", err)
	}

	w := &waClient{
		cli:       whatsmeow.NewClient(deviceStore, clientLog),
		container: container,
		handler:   handler,
	}
	w.cli.AddEventHandler(w.translate)
	return w, nil
}

// ClearDevice removes the tenant's device database so the next Dial requires
// a fresh pairing.
func (d *WhatsAppDialer) ClearDevice(ctx context.Context, tenantID int64) error {
	dbPath := d.devicePath(tenantID)
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove device db: %w", err)
		}
	}
	return nil
}

// waClient adapts a whatsmeow client to the Client interface.
type waClient struct {
	cli       *whatsmeow.Client
	container *sqlstore.Container
	handler   Handler
}

func (w *waClient) HasCredentials() bool {
	return w.cli.Store.ID != nil
}

func (w *waClient) Connect(ctx context.Context) error {
	if w.cli.Store.ID == nil {
		// No session yet: pump the QR channel into pairing-code events.
		// GetQRChannel must be called before Connect.
		qrChan, err := w.cli.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("qr channel: %w", err)
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					w.handler(Event{Kind: EventPairingCode, PairingCode: evt.Code})
				}
			}
		}()
	}
	if err := w.cli.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (w *waClient) Disconnect() {
	w.cli.Disconnect()
	w.container.Close()
}

func (w *waClient) Logout(ctx context.Context) error {
	err := w.cli.Logout(ctx)
	w.container.Close()
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (w *waClient) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}
	resp, err := w.cli.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (w *waClient) Download(ctx context.Context, ref *MediaRef) ([]byte, error) {
	msg, ok := ref.Descriptor.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, fmt.Errorf("media descriptor is not downloadable")
	}
	return w.cli.Download(ctx, msg)
}

func (w *waClient) GroupName(ctx context.Context, chatID string) (string, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}
	info, err := w.cli.GetGroupInfo(ctx, jid)
	if err != nil {
		return "", err
	}
	return info.Name, nil
}

// translate maps whatsmeow events onto the protocol event union.
func (w *waClient) translate(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		w.handler(Event{Kind: EventCredentials, Credentials: []CredentialEntry{
			{Key: CredsKey, Value: credsSnapshot(v.ID.User, v.Platform, v.BusinessName)},
		}})
	case *events.Connected:
		phone := ""
		if w.cli.Store.ID != nil {
			phone = w.cli.Store.ID.User
		}
		w.handler(Event{Kind: EventConnected, Phone: phone})
		if phone != "" {
			w.handler(Event{Kind: EventCredentials, Credentials: []CredentialEntry{
				{Key: CredsKey, Value: credsSnapshot(phone, "", "")},
			}})
		}
	case *events.StreamReplaced:
		w.handler(Event{Kind: EventDisconnected, Reason: ReasonStreamReplaced})
	case *events.Disconnected:
		w.handler(Event{Kind: EventDisconnected, Reason: ReasonTransport})
	case *events.LoggedOut:
		w.handler(Event{Kind: EventLoggedOut})
	case *events.Message:
		w.handler(Event{Kind: EventMessage, Message: translateMessage(v)})
	}
}

func credsSnapshot(phone, platform, businessName string) []byte {
	blob, _ := json.Marshal(map[string]string{
		"phone":         phone,
		"platform":      platform,
		"business_name": businessName,
		"paired_at":     time.Now().UTC().Format(time.RFC3339),
	})
	return blob
}

// translateMessage classifies a whatsmeow message into the content union.
func translateMessage(v *events.Message) *Message {
	m := &Message{
		ID:         v.Info.ID,
		ChatID:     v.Info.Chat.String(),
		Sender:     v.Info.Sender.User,
		SenderName: v.Info.PushName,
		IsFromMe:   v.Info.IsFromMe,
		IsGroup:    v.Info.IsGroup,
		Broadcast:  v.Info.Chat.Server == types.BroadcastServer,
		Timestamp:  v.Info.Timestamp,
	}

	msg := v.Message
	switch {
	case msg.GetConversation() != "":
		m.Content = Content{Kind: ContentText, Text: msg.GetConversation()}
	case msg.GetExtendedTextMessage().GetText() != "":
		m.Content = Content{Kind: ContentText, Text: msg.GetExtendedTextMessage().GetText()}
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		m.Content = Content{Kind: ContentImage, Text: img.GetCaption(), Media: &MediaRef{
			Mimetype:   img.GetMimetype(),
			Descriptor: img,
		}}
	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		m.Content = Content{Kind: ContentVideo, Text: vid.GetCaption(), Media: &MediaRef{
			Mimetype:   vid.GetMimetype(),
			Descriptor: vid,
		}}
	case msg.GetAudioMessage() != nil:
		aud := msg.GetAudioMessage()
		m.Content = Content{Kind: ContentAudio, Media: &MediaRef{
			Mimetype:   aud.GetMimetype(),
			Descriptor: aud,
		}}
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		m.Content = Content{Kind: ContentDocument, Text: doc.GetCaption(), Media: &MediaRef{
			Mimetype:   doc.GetMimetype(),
			FileName:   doc.GetFileName(),
			Descriptor: doc,
		}}
	case msg.GetStickerMessage() != nil:
		st := msg.GetStickerMessage()
		m.Content = Content{Kind: ContentSticker, Media: &MediaRef{
			Mimetype:   st.GetMimetype(),
			Descriptor: st,
		}}
	case msg.GetProtocolMessage() != nil, msg.GetSenderKeyDistributionMessage() != nil, msg.GetReactionMessage() != nil:
		m.System = true
		m.Content = Content{Kind: ContentUnsupported}
	default:
		m.Content = Content{Kind: ContentUnsupported}
	}
	return m
}
