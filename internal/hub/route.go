package hub

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/pliu/classchat/internal/crypto/hybrid"
	"github.com/pliu/classchat/internal/models"
	"github.com/pliu/classchat/internal/protocol"
	"github.com/pliu/classchat/internal/session"
	"github.com/pliu/classchat/internal/store"
)

const maxUsernameLen = 64

// route handles one inbound frame. Only storage failures are returned;
// protocol violations close the offending session.
func (h *Hub) route(s *session.Session, frame []byte) error {
	start := time.Now()
	switch s.State() {
	case session.Closed:
		return nil
	case session.Authenticated:
		msg, err := h.unseal(s, frame)
		if err != nil {
			h.violation(s, err)
			return nil
		}
		h.metrics.recordFrame("in", string(msg.Kind))
		defer h.observe(msg.Kind, start)
		return h.dispatch(s, msg)
	default:
		msg, err := protocol.Decode(frame)
		if err != nil {
			h.violation(s, err)
			return nil
		}
		h.metrics.recordFrame("in", string(msg.Kind))
		defer h.observe(msg.Kind, start)
		return h.handshake(s, msg)
	}
}

func (h *Hub) observe(kind protocol.Kind, start time.Time) {
	h.metrics.observeLatency(string(kind), time.Since(start))
}

func (h *Hub) violation(s *session.Session, err error) {
	reason := "protocol"
	switch {
	case errors.Is(err, hybrid.ErrDecryption):
		reason = "decryption"
	case errors.Is(err, hybrid.ErrKeyExchange):
		reason = "key_exchange"
	case errors.Is(err, protocol.ErrMalformedMessage):
		reason = "malformed"
	}
	h.metrics.recordError(reason)
	h.logger.Warn("protocol violation",
		zap.String("session_id", s.ID),
		zap.String("username", s.Username()),
		zap.String("reason", reason),
		zap.Error(err))
	h.closeSession(s, reason)
}

func validUsername(name string) bool {
	if name == "" || len(name) > maxUsernameLen || strings.EqualFold(name, protocol.ServerName) {
		return false
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func (h *Hub) handshake(s *session.Session, msg *protocol.Message) error {
	name := msg.Sender
	switch msg.Kind {
	case protocol.KindHandshakeInit:
		if !validUsername(name) {
			h.replyError(s, protocol.CodeInvalidUsername, fmt.Sprintf("invalid username %q", name))
			return nil
		}
		if _, taken := h.registry.Lookup(name); taken {
			h.replyError(s, protocol.CodeDuplicateUser, fmt.Sprintf("username %q is already connected", name))
			return nil
		}
		if !h.cfg.EncryptionEnabled {
			return h.authenticate(s, name, nil)
		}
		h.send(s, &protocol.Message{
			Kind:      protocol.KindPublicKey,
			Sender:    protocol.ServerName,
			Target:    name,
			Payload:   h.pubPEM,
			Timestamp: h.now(),
		})
		return nil

	case protocol.KindKeyExchange:
		if !h.cfg.EncryptionEnabled {
			h.violation(s, fmt.Errorf("%w: key exchange with encryption disabled", protocol.ErrMalformedMessage))
			return nil
		}
		if !validUsername(name) {
			h.replyError(s, protocol.CodeInvalidUsername, fmt.Sprintf("invalid username %q", name))
			return nil
		}
		key, err := hybrid.ExchangeSessionKey(msg.Payload, h.keys.Private)
		if err != nil {
			h.violation(s, err)
			return nil
		}
		return h.authenticate(s, name, key)

	default:
		h.violation(s, fmt.Errorf("%w: %s before handshake", protocol.ErrMalformedMessage, msg.Kind))
		return nil
	}
}

// authenticate binds the user, acknowledges, replays the offline queue and
// announces presence.
func (h *Hub) authenticate(s *session.Session, name string, key []byte) error {
	if err := h.registry.Bind(name, s); err != nil {
		hybrid.ZeroKey(key)
		h.replyError(s, protocol.CodeDuplicateUser, fmt.Sprintf("username %q is already connected", name))
		return nil
	}
	if err := s.Authenticate(name, key); err != nil {
		h.registry.Unbind(name, s)
		return nil
	}
	if err := h.store.CreateUserIfAbsent(name); err != nil {
		return storageFailure("create user", err)
	}
	h.logger.Info("user authenticated",
		zap.String("session_id", s.ID),
		zap.String("username", name),
		zap.Bool("encrypted", key != nil))

	if !h.send(s, &protocol.Message{
		Kind:      protocol.KindHandshakeAck,
		Sender:    protocol.ServerName,
		Target:    name,
		Payload:   "welcome " + name,
		Timestamp: h.now(),
	}) {
		return nil
	}
	if err := h.replayOffline(s, name); err != nil {
		return err
	}
	h.broadcastPresence()
	return nil
}

// replayOffline drains the user's offline queue into the session, oldest
// first. Messages whose frames never reach the socket are put back when the
// session closes.
func (h *Hub) replayOffline(s *session.Session, name string) error {
	pending, err := h.store.DrainOffline(name)
	if err != nil {
		return storageFailure("drain offline", err)
	}
	if len(pending) == 0 {
		return nil
	}
	batch := make([]session.BacklogFrame, 0, len(pending))
	for _, m := range pending {
		frame, err := h.seal(s, offlineFrame(m))
		if err != nil {
			h.logger.Warn("seal offline message", zap.Int64("offline_id", m.ID), zap.Error(err))
			if err := h.requeueOffline(pending); err != nil {
				return err
			}
			h.closeSession(s, "replay_failed")
			return nil
		}
		batch = append(batch, session.BacklogFrame{Data: frame, Message: m})
	}
	switch err := s.EnqueueBacklog(batch); {
	case err == nil:
		h.metrics.recordOfflineDelivered(len(batch))
		h.logger.Info("offline messages queued", zap.String("username", name), zap.Int("count", len(batch)))
	case errors.Is(err, session.ErrClosed):
		if err := h.requeueOffline(pending); err != nil {
			return err
		}
		h.logger.Warn("offline replay requeued", zap.String("username", name), zap.Int("count", len(pending)))
	default:
		h.logger.Warn("offline replay failed", zap.String("username", name), zap.Error(err))
		h.closeSession(s, "replay_failed")
	}
	return nil
}

func offlineFrame(m models.OfflineMessage) *protocol.Message {
	out := &protocol.Message{
		Kind:      protocol.KindText,
		Sender:    m.Sender,
		Target:    m.Receiver,
		Payload:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.GroupName != "" {
		out.Target = m.GroupName
		out.IsGroup = true
	}
	switch m.Kind {
	case models.KindGroup:
		out.Kind = protocol.KindGroupMessage
	case models.KindFile:
		out.Payload = "file: " + m.Content
	}
	return out
}

func (h *Hub) dispatch(s *session.Session, msg *protocol.Message) error {
	msg.Sender = s.Username()
	switch msg.Kind {
	case protocol.KindText:
		return h.handleText(s, msg)
	case protocol.KindGroupMessage:
		return h.handleGroupMessage(s, msg)
	case protocol.KindFile:
		return h.handleFile(s, msg)
	case protocol.KindGroupCreate:
		return h.handleGroupCreate(s, msg)
	case protocol.KindGroupJoin:
		return h.handleGroupJoin(s, msg)
	case protocol.KindListUsers:
		h.send(s, &protocol.Message{
			Kind:      protocol.KindPresence,
			Sender:    protocol.ServerName,
			Target:    msg.Sender,
			Users:     h.registry.Usernames(),
			Timestamp: h.now(),
		})
		return nil
	case protocol.KindListGroups:
		return h.handleListGroups(s, msg)
	case protocol.KindHistory:
		return h.handleHistory(s, msg)
	case protocol.KindDisconnect:
		h.closeSession(s, "disconnect")
		return nil
	default:
		h.violation(s, fmt.Errorf("%w: unexpected %s from client", protocol.ErrMalformedMessage, msg.Kind))
		return nil
	}
}

func (h *Hub) handleText(s *session.Session, msg *protocol.Message) error {
	exists, err := h.store.UserExists(msg.Target)
	if err != nil {
		return storageFailure("user exists", err)
	}
	if !exists {
		h.replyError(s, protocol.CodeUnknownUser, fmt.Sprintf("user %q does not exist", msg.Target))
		return nil
	}
	if err := h.store.RecordMessage(msg.Sender, msg.Target, models.KindText, msg.Payload); err != nil {
		return storageFailure("record message", err)
	}
	out := &protocol.Message{
		Kind:      protocol.KindText,
		Sender:    msg.Sender,
		Target:    msg.Target,
		Payload:   msg.Payload,
		Timestamp: h.now(),
	}
	if h.deliverTo(msg.Target, out) {
		h.reply(s, protocol.KindSuccess, msg.Target, fmt.Sprintf("delivered to %s", msg.Target))
		return nil
	}
	if err := h.enqueueOffline(models.OfflineMessage{
		Receiver: msg.Target,
		Sender:   msg.Sender,
		Kind:     models.KindText,
		Content:  msg.Payload,
	}); err != nil {
		return err
	}
	h.reply(s, protocol.KindOffline, msg.Target,
		fmt.Sprintf("%s is offline; message will be delivered when they connect", msg.Target))
	return nil
}

func (h *Hub) enqueueOffline(m models.OfflineMessage) error {
	if err := h.store.EnqueueOffline(m); err != nil {
		return storageFailure("enqueue offline", err)
	}
	h.metrics.recordOfflineEnqueued()
	return nil
}

// requireMember reports false after replying with the matching error.
func (h *Hub) requireMember(s *session.Session, group, user string) (bool, error) {
	exists, err := h.store.GroupExists(group)
	if err != nil {
		return false, storageFailure("group exists", err)
	}
	if !exists {
		h.replyError(s, protocol.CodeUnknownGroup, fmt.Sprintf("group %q does not exist", group))
		return false, nil
	}
	member, err := h.store.IsMember(group, user)
	if err != nil {
		return false, storageFailure("is member", err)
	}
	if !member {
		h.replyError(s, protocol.CodeNotAMember, fmt.Sprintf("you are not a member of %q", group))
		return false, nil
	}
	return true, nil
}

// fanOut sends msg to every member of group except the sender and queues
// offline for the rest. It returns how many were reached live.
func (h *Hub) fanOut(group, sender string, msg *protocol.Message, offline models.OfflineMessage) (live, queued int, err error) {
	members, err := h.store.ListMembers(group)
	if err != nil {
		return 0, 0, storageFailure("list members", err)
	}
	for _, member := range members {
		if member == sender {
			continue
		}
		if h.deliverTo(member, msg) {
			live++
			continue
		}
		offline.Receiver = member
		if err := h.enqueueOffline(offline); err != nil {
			return live, queued, err
		}
		queued++
	}
	return live, queued, nil
}

func (h *Hub) handleGroupMessage(s *session.Session, msg *protocol.Message) error {
	ok, err := h.requireMember(s, msg.Target, msg.Sender)
	if err != nil || !ok {
		return err
	}
	if err := h.store.RecordGroupMessage(msg.Sender, msg.Target, models.KindGroup, msg.Payload); err != nil {
		return storageFailure("record group message", err)
	}
	out := &protocol.Message{
		Kind:      protocol.KindGroupMessage,
		Sender:    msg.Sender,
		Target:    msg.Target,
		Payload:   msg.Payload,
		IsGroup:   true,
		Timestamp: h.now(),
	}
	live, queued, err := h.fanOut(msg.Target, msg.Sender, out, models.OfflineMessage{
		Sender:    msg.Sender,
		Kind:      models.KindGroup,
		Content:   msg.Payload,
		GroupName: msg.Target,
	})
	if err != nil {
		return err
	}
	h.logger.Debug("group message",
		zap.String("group", msg.Target),
		zap.String("sender", msg.Sender),
		zap.Int("live", live),
		zap.Int("offline", queued))
	h.reply(s, protocol.KindSuccess, msg.Target,
		fmt.Sprintf("delivered to %d member(s), queued for %d", live, queued))
	return nil
}

// fileSize validates the base64 payload and returns the decoded size.
func fileSize(payload string) (int, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}

func fileNote(name string, size int) string {
	return fmt.Sprintf("%s (%d bytes)", name, size)
}

func (h *Hub) handleFile(s *session.Session, msg *protocol.Message) error {
	size, err := fileSize(msg.Payload)
	if err != nil {
		h.replyError(s, protocol.CodeInvalidPayload, "file payload must be base64")
		return nil
	}
	if size > h.cfg.MaxFileSize {
		h.replyError(s, protocol.CodePayloadTooLarge,
			fmt.Sprintf("file %s is %d bytes; limit is %d", msg.FileName, size, h.cfg.MaxFileSize))
		return nil
	}

	if msg.IsGroup {
		ok, err := h.requireMember(s, msg.Target, msg.Sender)
		if err != nil || !ok {
			return err
		}
	} else {
		exists, err := h.store.UserExists(msg.Target)
		if err != nil {
			return storageFailure("user exists", err)
		}
		if !exists {
			h.replyError(s, protocol.CodeUnknownUser, fmt.Sprintf("user %q does not exist", msg.Target))
			return nil
		}
	}

	note := fileNote(msg.FileName, size)
	record := h.store.RecordMessage
	if msg.IsGroup {
		record = h.store.RecordGroupMessage
	}
	if err := record(msg.Sender, msg.Target, models.KindFile, note); err != nil {
		return storageFailure("record file", err)
	}
	out := &protocol.Message{
		Kind:      protocol.KindFile,
		Sender:    msg.Sender,
		Target:    msg.Target,
		Payload:   msg.Payload,
		FileName:  msg.FileName,
		IsGroup:   msg.IsGroup,
		Timestamp: h.now(),
	}
	queued := models.OfflineMessage{Sender: msg.Sender, Kind: models.KindFile, Content: note}

	if msg.IsGroup {
		queued.GroupName = msg.Target
		live, offline, err := h.fanOut(msg.Target, msg.Sender, out, queued)
		if err != nil {
			return err
		}
		h.reply(s, protocol.KindSuccess, msg.Target,
			fmt.Sprintf("file %s sent to %d member(s); %d offline member(s) notified", msg.FileName, live, offline))
		return nil
	}

	if h.deliverTo(msg.Target, out) {
		h.reply(s, protocol.KindSuccess, msg.Target, fmt.Sprintf("file %s delivered to %s", msg.FileName, msg.Target))
		return nil
	}
	queued.Receiver = msg.Target
	if err := h.enqueueOffline(queued); err != nil {
		return err
	}
	h.replyError(s, protocol.CodeRecipientOffline,
		fmt.Sprintf("%s is offline; file not delivered, notification queued", msg.Target))
	return nil
}

func (h *Hub) handleGroupCreate(s *session.Session, msg *protocol.Message) error {
	err := h.store.CreateGroup(msg.Target, msg.Sender)
	switch {
	case errors.Is(err, store.ErrDuplicateGroup):
		h.replyError(s, protocol.CodeDuplicateGroup, fmt.Sprintf("group %q already exists", msg.Target))
		return nil
	case err != nil:
		return storageFailure("create group", err)
	}
	h.logger.Info("group created", zap.String("group", msg.Target), zap.String("creator", msg.Sender))
	h.reply(s, protocol.KindSuccess, msg.Target, fmt.Sprintf("group %s created", msg.Target))
	return nil
}

func (h *Hub) handleGroupJoin(s *session.Session, msg *protocol.Message) error {
	err := h.store.AddMember(msg.Target, msg.Sender)
	switch {
	case errors.Is(err, store.ErrUnknownGroup):
		h.replyError(s, protocol.CodeUnknownGroup, fmt.Sprintf("group %q does not exist", msg.Target))
		return nil
	case err != nil:
		return storageFailure("join group", err)
	}
	h.reply(s, protocol.KindSuccess, msg.Target, fmt.Sprintf("joined %s", msg.Target))
	return nil
}

func (h *Hub) handleListGroups(s *session.Session, msg *protocol.Message) error {
	groups, err := h.store.ListGroups()
	if err != nil {
		return storageFailure("list groups", err)
	}
	summaries := make([]protocol.GroupSummary, 0, len(groups))
	for _, g := range groups {
		summaries = append(summaries, protocol.GroupSummary{Name: g.Name, Creator: g.Creator})
	}
	h.send(s, &protocol.Message{
		Kind:      protocol.KindListGroups,
		Sender:    protocol.ServerName,
		Target:    msg.Sender,
		Groups:    summaries,
		Timestamp: h.now(),
	})
	return nil
}

func (h *Hub) handleHistory(s *session.Session, msg *protocol.Message) error {
	var (
		records []models.Message
		err     error
	)
	if msg.IsGroup {
		ok, merr := h.requireMember(s, msg.Target, msg.Sender)
		if merr != nil || !ok {
			return merr
		}
		records, err = h.store.GroupHistory(msg.Target, h.cfg.HistoryLimit)
	} else {
		records, err = h.store.ConversationHistory(msg.Sender, msg.Target, h.cfg.HistoryLimit)
	}
	if err != nil {
		return storageFailure("history", err)
	}
	entries := make([]protocol.HistoryEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, protocol.HistoryEntry{
			Sender:    r.Sender,
			Receiver:  r.Receiver,
			Kind:      string(r.Kind),
			Content:   r.Content,
			Timestamp: r.Timestamp,
		})
	}
	h.send(s, &protocol.Message{
		Kind:      protocol.KindHistory,
		Sender:    protocol.ServerName,
		Target:    msg.Target,
		IsGroup:   msg.IsGroup,
		History:   entries,
		Timestamp: h.now(),
	})
	return nil
}
