package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/mixelka/tgmailsync/internal/retry"
	"github.com/mixelka/tgmailsync/pkg/models"
)

// ErrEventLogUnavailable is returned while the user session is not connected or not authorized
var ErrEventLogUnavailable = errors.New("event log unavailable")

const (
	adminLogPageSize = 100
	dialogsPageSize  = 100
	maxDialogsPages  = 50
	// supergroup chat ids are -100 followed by the channel id
	channelIDOffset = 1_000_000_000_000
)

// LogAPI is the subset of the MTProto API the event log uses
type LogAPI interface {
	ChannelsGetAdminLog(ctx context.Context, request *tg.ChannelsGetAdminLogRequest) (*tg.ChannelsAdminLogResults, error)
	MessagesGetDialogs(ctx context.Context, request *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
}

// EventLogConfig holds MTProto credentials
type EventLogConfig struct {
	AppID       int
	AppHash     string
	SessionPath string
}

// EventLog reads forum topic deletions from the chat admin log through a user session
type EventLog struct {
	cfg    EventLogConfig
	logger *slog.Logger

	mu     sync.RWMutex
	api    LogAPI
	hashes map[int64]int64 // channel id -> access hash
}

// NewEventLog creates a new event log reader. It is unavailable until Run connects.
func NewEventLog(cfg EventLogConfig, logger *slog.Logger) *EventLog {
	return &EventLog{
		cfg:    cfg,
		logger: logger.With("component", "event_log"),
		hashes: make(map[int64]int64),
	}
}

// Run keeps the user session connected until ctx is done
func (l *EventLog) Run(ctx context.Context) error {
	client := telegram.NewClient(l.cfg.AppID, l.cfg.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: l.cfg.SessionPath},
	})

	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get auth status: %w", err)
		}
		if !status.Authorized {
			return fmt.Errorf("%w: session %s is not authorized", ErrEventLogUnavailable, l.cfg.SessionPath)
		}

		l.setAPI(client.API())
		defer l.setAPI(nil)
		l.logger.Info("event log connected")

		<-ctx.Done()
		return ctx.Err()
	})
}

func (l *EventLog) setAPI(api LogAPI) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.api = api
}

func (l *EventLog) client() (LogAPI, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return nil, ErrEventLogUnavailable
	}
	return l.api, nil
}

// Events returns the chat's events with id greater than afterID, oldest first
func (l *EventLog) Events(ctx context.Context, chatID int64, afterID int64) ([]models.ChatEvent, error) {
	api, err := l.client()
	if err != nil {
		return nil, err
	}

	channel, err := l.inputChannel(ctx, api, chatID)
	if err != nil {
		return nil, err
	}

	var events []models.ChatEvent
	var maxID int64
	for {
		prevMaxID := maxID
		res, err := api.ChannelsGetAdminLog(ctx, &tg.ChannelsGetAdminLogRequest{
			Channel:      channel,
			EventsFilter: tg.ChannelAdminLogEventsFilter{Forums: true},
			MinID:        afterID,
			MaxID:        maxID,
			Limit:        adminLogPageSize,
		})
		if err != nil {
			return nil, classifyMTProto(fmt.Errorf("failed to get admin log: %w", err))
		}

		for _, ev := range res.Events {
			if ev.ID <= afterID {
				continue
			}
			events = append(events, toChatEvent(ev))
			if maxID == 0 || ev.ID < maxID {
				maxID = ev.ID
			}
		}

		if len(res.Events) < adminLogPageSize || maxID == prevMaxID {
			break
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

func (l *EventLog) inputChannel(ctx context.Context, api LogAPI, chatID int64) (*tg.InputChannel, error) {
	channelID, ok := ChannelID(chatID)
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("chat %d is not a supergroup", chatID))
	}

	l.mu.RLock()
	hash, ok := l.hashes[channelID]
	l.mu.RUnlock()
	if ok {
		return &tg.InputChannel{ChannelID: channelID, AccessHash: hash}, nil
	}

	hash, ok, err := l.findChannel(ctx, api, channelID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session is not a member of chat %d", chatID)
	}
	return &tg.InputChannel{ChannelID: channelID, AccessHash: hash}, nil
}

// findChannel pages through the session's dialogs until the channel shows up.
// Every channel access hash seen on the way is cached.
func (l *EventLog) findChannel(ctx context.Context, api LogAPI, channelID int64) (int64, bool, error) {
	req := &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      dialogsPageSize,
	}

	var seen int
	for range maxDialogsPages {
		res, err := api.MessagesGetDialogs(ctx, req)
		if err != nil {
			return 0, false, classifyMTProto(fmt.Errorf("failed to get dialogs: %w", err))
		}

		var page dialogsPage
		last := true
		switch r := res.(type) {
		case *tg.MessagesDialogs:
			page = dialogsPage{dialogs: r.Dialogs, messages: r.Messages, chats: r.Chats, users: r.Users}
		case *tg.MessagesDialogsSlice:
			page = dialogsPage{dialogs: r.Dialogs, messages: r.Messages, chats: r.Chats, users: r.Users}
			seen += len(r.Dialogs)
			last = len(r.Dialogs) == 0 || seen >= r.Count
		}

		if hash, ok := l.rememberChannels(page.chats, channelID); ok {
			return hash, true, nil
		}
		if last {
			break
		}

		next, ok := page.nextOffset()
		if !ok {
			break
		}
		req.OffsetDate, req.OffsetID, req.OffsetPeer = next.date, next.id, next.peer
	}

	return 0, false, nil
}

// rememberChannels caches channel access hashes and returns the one of channelID if present
func (l *EventLog) rememberChannels(chats []tg.ChatClass, channelID int64) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range chats {
		if ch, ok := c.(*tg.Channel); ok {
			if h, ok := ch.GetAccessHash(); ok {
				l.hashes[ch.ID] = h
			}
		}
	}
	hash, ok := l.hashes[channelID]
	return hash, ok
}

type dialogsPage struct {
	dialogs  []tg.DialogClass
	messages []tg.MessageClass
	chats    []tg.ChatClass
	users    []tg.UserClass
}

type dialogsOffset struct {
	date int
	id   int
	peer tg.InputPeerClass
}

// nextOffset builds the offset of the page after this one from its last dialog
func (p dialogsPage) nextOffset() (dialogsOffset, bool) {
	var last *tg.Dialog
	for i := len(p.dialogs) - 1; i >= 0 && last == nil; i-- {
		last, _ = p.dialogs[i].(*tg.Dialog)
	}
	if last == nil {
		return dialogsOffset{}, false
	}

	peer, ok := p.inputPeer(last.Peer)
	if !ok {
		return dialogsOffset{}, false
	}
	return dialogsOffset{date: p.messageDate(last.Peer, last.TopMessage), id: last.TopMessage, peer: peer}, true
}

func (p dialogsPage) messageDate(peer tg.PeerClass, id int) int {
	for _, m := range p.messages {
		var date int
		var from tg.PeerClass
		switch msg := m.(type) {
		case *tg.Message:
			if msg.ID != id {
				continue
			}
			date, from = msg.Date, msg.PeerID
		case *tg.MessageService:
			if msg.ID != id {
				continue
			}
			date, from = msg.Date, msg.PeerID
		default:
			continue
		}
		if samePeer(from, peer) {
			return date
		}
	}
	return 0
}

func (p dialogsPage) inputPeer(peer tg.PeerClass) (tg.InputPeerClass, bool) {
	switch pr := peer.(type) {
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: pr.ChatID}, true
	case *tg.PeerChannel:
		for _, c := range p.chats {
			if ch, ok := c.(*tg.Channel); ok && ch.ID == pr.ChannelID {
				hash, _ := ch.GetAccessHash()
				return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: hash}, true
			}
		}
	case *tg.PeerUser:
		for _, u := range p.users {
			if user, ok := u.(*tg.User); ok && user.ID == pr.UserID {
				hash, _ := user.GetAccessHash()
				return &tg.InputPeerUser{UserID: user.ID, AccessHash: hash}, true
			}
		}
	}
	return nil, false
}

func samePeer(a, b tg.PeerClass) bool {
	switch pa := a.(type) {
	case *tg.PeerUser:
		pb, ok := b.(*tg.PeerUser)
		return ok && pa.UserID == pb.UserID
	case *tg.PeerChat:
		pb, ok := b.(*tg.PeerChat)
		return ok && pa.ChatID == pb.ChatID
	case *tg.PeerChannel:
		pb, ok := b.(*tg.PeerChannel)
		return ok && pa.ChannelID == pb.ChannelID
	}
	return false
}

// ChannelID converts a Bot API supergroup chat id to its MTProto channel id
func ChannelID(chatID int64) (int64, bool) {
	if chatID >= -channelIDOffset {
		return 0, false
	}
	return -chatID - channelIDOffset, true
}

func toChatEvent(ev tg.ChannelAdminLogEvent) models.ChatEvent {
	out := models.ChatEvent{
		ID:   ev.ID,
		Date: time.Unix(int64(ev.Date), 0),
		Kind: models.ChatEventOther,
	}
	if action, ok := ev.Action.(*tg.ChannelAdminLogEventActionDeleteTopic); ok && action.Topic != nil {
		out.Kind = models.ChatEventTopicDeleted
		out.ThreadID = action.Topic.GetID()
	}
	return out
}

func classifyMTProto(err error) error {
	if d, ok := tgerr.AsFloodWait(err); ok {
		return retry.After(d, err)
	}
	if tgerr.Is(err, "CHANNEL_PRIVATE", "CHAT_ADMIN_REQUIRED", "CHANNEL_INVALID") {
		return retry.Permanent(err)
	}
	return err
}
