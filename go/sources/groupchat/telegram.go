package groupchat

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	log "github.com/sirupsen/logrus"
)

// TelegramConfig carries user-level MTProto credentials.
type TelegramConfig struct {
	APIID   int
	APIHash string
	Session string // Base64-encoded session blob of a signed-in user.
}

// Validate the configuration.
func (c TelegramConfig) Validate() error {
	if c.APIID == 0 {
		return fmt.Errorf("expected api id")
	}
	if c.APIHash == "" {
		return fmt.Errorf("expected api hash")
	}
	if c.Session == "" {
		return fmt.Errorf("expected session")
	}
	return nil
}

// telegramAPI implements API over a running gotd client.
type telegramAPI struct {
	raw *tg.Client
}

var _ API = (*telegramAPI)(nil)

// DialTelegram starts the MTProto client and returns an API bound to it,
// together with a stop function. The client runs until |ctx| is cancelled or
// stop is called.
func DialTelegram(ctx context.Context, cfg TelegramConfig) (API, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validating telegram config: %w", err)
	}
	var blob, err = base64.StdEncoding.DecodeString(cfg.Session)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding session: %w", err)
	}

	var client = telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: &staticSession{data: blob},
	})

	var runCtx, stop = context.WithCancel(ctx)
	var ready = make(chan struct{})
	var errCh = make(chan error, 1)
	go func() {
		errCh <- client.Run(runCtx, func(ctx context.Context) error {
			var status, err = client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("fetching auth status: %w", err)
			}
			if !status.Authorized {
				return fmt.Errorf("session is not authorized")
			}
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
		return &telegramAPI{raw: client.API()}, stop, nil
	case err := <-errCh:
		stop()
		return nil, nil, fmt.Errorf("starting telegram client: %w", err)
	case <-ctx.Done():
		stop()
		return nil, nil, ctx.Err()
	}
}

// staticSession serves a pre-authorized session blob and discards updates;
// the ETL never needs to persist session rotation.
type staticSession struct{ data []byte }

func (s *staticSession) LoadSession(context.Context) ([]byte, error) {
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	return s.data, nil
}

func (s *staticSession) StoreSession(_ context.Context, data []byte) error {
	s.data = data
	return nil
}

// Resolve implements API.
func (t *telegramAPI) Resolve(ctx context.Context, ref ChannelRef) (Channel, error) {
	var chats []tg.ChatClass

	if ref.Username != "" {
		var res, err = t.raw.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
			Username: ref.Username,
		})
		if err != nil {
			return Channel{}, fmt.Errorf("resolving username %q: %w", ref.Username, err)
		}
		chats = res.Chats
	} else {
		var res, err = t.raw.ChannelsGetChannels(ctx, []tg.InputChannelClass{
			&tg.InputChannel{ChannelID: ref.ID},
		})
		if err != nil {
			return Channel{}, fmt.Errorf("resolving channel id %d: %w", ref.ID, err)
		}
		chats = res.GetChats()
	}

	for _, c := range chats {
		if ch, ok := c.(*tg.Channel); ok {
			return Channel{
				ID:         ch.ID,
				AccessHash: ch.AccessHash,
				Username:   ch.Username,
				Title:      ch.Title,
				Forum:      ch.Forum,
			}, nil
		}
	}
	return Channel{}, fmt.Errorf("peer %+v is not a channel", ref)
}

// History implements API.
func (t *telegramAPI) History(ctx context.Context, ch Channel, offsetID int, offsetDate time.Time, limit int) ([]ChatMessage, error) {
	var res, err = t.raw.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:       inputPeer(ch),
		OffsetID:   offsetID,
		OffsetDate: unixOrZero(offsetDate),
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	return collectMessages(res), nil
}

// Replies implements API. Forum topics are reply threads rooted at the topic
// id, so topic messages page through messages.getReplies.
func (t *telegramAPI) Replies(ctx context.Context, ch Channel, topicID, offsetID int, offsetDate time.Time, limit int) ([]ChatMessage, error) {
	var res, err = t.raw.MessagesGetReplies(ctx, &tg.MessagesGetRepliesRequest{
		Peer:       inputPeer(ch),
		MsgID:      topicID,
		OffsetID:   offsetID,
		OffsetDate: unixOrZero(offsetDate),
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching topic %d replies: %w", topicID, err)
	}
	return collectMessages(res), nil
}

// ForumTopics implements API.
func (t *telegramAPI) ForumTopics(ctx context.Context, ch Channel) ([]ForumTopic, error) {
	var res, err = t.raw.ChannelsGetForumTopics(ctx, &tg.ChannelsGetForumTopicsRequest{
		Channel: &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash},
		Limit:   100,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching forum topics: %w", err)
	}
	var out []ForumTopic
	for _, tc := range res.Topics {
		if topic, ok := tc.(*tg.ForumTopic); ok {
			out = append(out, ForumTopic{ID: topic.ID, Title: topic.Title})
		}
	}
	return out, nil
}

// FloodWait implements API.
func (t *telegramAPI) FloodWait(err error) (time.Duration, bool) {
	return tgerr.AsFloodWait(err)
}

func inputPeer(ch Channel) tg.InputPeerClass {
	return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
}

func unixOrZero(t time.Time) int {
	if t.IsZero() {
		return 0
	}
	return int(t.Unix())
}

// collectMessages reduces a raw history response to plain chat messages.
// Service messages and empty holes are dropped.
func collectMessages(res tg.MessagesMessagesClass) []ChatMessage {
	var list, ok = res.(interface{ GetMessages() []tg.MessageClass })
	if !ok {
		log.WithField("type", fmt.Sprintf("%T", res)).Warn("unexpected history response shape")
		return nil
	}
	var out []ChatMessage
	for _, mc := range list.GetMessages() {
		var m, ok = mc.(*tg.Message)
		if !ok {
			continue
		}
		var author, _ = m.GetPostAuthor()
		out = append(out, ChatMessage{
			ID:     m.ID,
			Date:   time.Unix(int64(m.Date), 0).UTC(),
			Text:   m.Message,
			Author: author,
		})
	}
	return out
}
