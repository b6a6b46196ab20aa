// Package group implements the master-relay group messaging protocol
// (spec §4.6): group creation, invite/join handshake, deterministic master
// election, and message relay through the elected master. Master election
// is purely local (the lexicographically smallest candidate device_id)
// so no election traffic is ever exchanged.
package group

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/localmesh/node/internal/errs"
	"github.com/localmesh/node/internal/history"
	"github.com/localmesh/node/internal/logger"
	"github.com/localmesh/node/internal/wire"
)

var l = logger.DefaultLogger.NewFacility("group", "master-relay group messaging")

// seenCacheSize bounds the per-group already-seen message_id set. Sized
// generously relative to any plausible LAN group's message rate; eviction
// only reaches entries far older than any reasonably delayed duplicate.
const seenCacheSize = 4096

// Transport is the connectivity view the group engine needs from the
// connection manager, kept narrow to avoid an import cycle.
type Transport interface {
	// Connected reports whether deviceID currently has a live peer.
	Connected(deviceID string) bool
	// Send transmits env to deviceID's current peer connection, if any.
	Send(deviceID string, env wire.Envelope) error
}

// Record is the in-memory mirror of a group's authoritative state.
type Record struct {
	GroupID  string
	Name     string
	Members  map[string]struct{}
	MasterID string
	Epoch    int64
}

func (r Record) memberList() []string {
	out := make([]string, 0, len(r.Members))
	for m := range r.Members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Invite is a pending invitation surfaced to the UI, awaiting AcceptInvite.
type Invite struct {
	GroupID   string
	Name      string
	MasterID  string
	InviterID string
}

// Callbacks lets the engine notify the application layer without the
// engine depending on any particular UI shape.
type Callbacks struct {
	OnInvite        func(Invite)
	OnGroupMessage  func(groupID string, env wire.Envelope)
	OnJoinRejected  func(groupID, reason string)
	OnMasterChanged func(groupID, masterID string, epoch int64)
}

// Engine owns every group this node believes it belongs to.
type Engine struct {
	selfID    string
	store     *history.Store
	transport Transport
	cb        Callbacks

	mu      sync.Mutex
	groups  map[string]*Record
	pending map[string]Invite
	seen    map[string]*lru.Cache[string, struct{}]
}

// NewEngine loads any previously persisted groups from store.
func NewEngine(selfID string, store *history.Store, transport Transport, cb Callbacks) (*Engine, error) {
	e := &Engine{
		selfID:    selfID,
		store:     store,
		transport: transport,
		cb:        cb,
		groups:    make(map[string]*Record),
		pending:   make(map[string]Invite),
		seen:      make(map[string]*lru.Cache[string, struct{}]),
	}

	persisted, err := store.LoadGroups()
	if err != nil {
		return nil, err
	}
	for id, rec := range persisted {
		e.groups[id] = &Record{
			GroupID:  rec.GroupID,
			Name:     rec.Name,
			Members:  toSet(rec.Members),
			MasterID: rec.MasterID,
			Epoch:    rec.Epoch,
		}
	}
	return e, nil
}

func toSet(members []string) map[string]struct{} {
	s := make(map[string]struct{}, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

// Groups returns a snapshot of every group record this node knows about.
func (e *Engine) Groups() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, 0, len(e.groups))
	for _, r := range e.groups {
		out = append(out, *r)
	}
	return out
}

// GroupHistory delegates to the durable collaborator.
func (e *Engine) GroupHistory(groupID string) ([]wire.Envelope, error) {
	return e.store.ReadGroup(groupID)
}

// CreateGroup allocates a new group with self as master and broadcasts
// group_master to every currently connected initial member.
func (e *Engine) CreateGroup(name string, initialMembers []string) (Record, error) {
	members := toSet(initialMembers)
	members[e.selfID] = struct{}{}

	rec := &Record{
		GroupID:  uuid.NewString(),
		Name:     name,
		Members:  members,
		MasterID: e.selfID,
		Epoch:    time.Now().Unix(),
	}

	e.mu.Lock()
	e.groups[rec.GroupID] = rec
	e.mu.Unlock()

	if err := e.persist(rec); err != nil {
		return Record{}, err
	}
	e.announceMaster(rec)
	return *rec, nil
}

// Invite sends a group_invite for groupID to peerID. Only the current
// master may invite, matching "the master sends group_invite".
func (e *Engine) Invite(groupID, peerID string) error {
	e.mu.Lock()
	rec, ok := e.groups[groupID]
	e.mu.Unlock()
	if !ok {
		return errs.New(errs.InvalidInput, "unknown group "+groupID)
	}
	if rec.MasterID != e.selfID {
		return errs.New(errs.InvalidInput, "only the master may invite")
	}

	env, err := wire.NewEnvelope("group_invite", e.selfID, "", "", time.Now().Unix(), map[string]string{
		"group_id":   groupID,
		"name":       rec.Name,
		"master_id":  rec.MasterID,
		"inviter_id": e.selfID,
	})
	if err != nil {
		return err
	}
	return e.transport.Send(peerID, env)
}

// HandleInvite records a pending invite for the UI; the group index is
// untouched until the user calls AcceptInvite.
func (e *Engine) HandleInvite(env wire.Envelope) {
	var p struct {
		GroupID   string `json:"group_id"`
		Name      string `json:"name"`
		MasterID  string `json:"master_id"`
		InviterID string `json:"inviter_id"`
	}
	if err := env.DecodePayload(&p); err != nil {
		l.Warnln("malformed group_invite:", err)
		return
	}

	inv := Invite{GroupID: p.GroupID, Name: p.Name, MasterID: p.MasterID, InviterID: p.InviterID}
	e.mu.Lock()
	e.pending[p.GroupID] = inv
	e.mu.Unlock()

	if e.cb.OnInvite != nil {
		e.cb.OnInvite(inv)
	}
}

// AcceptInvite adds self to the local member set for groupID and asks the
// master to make it official.
func (e *Engine) AcceptInvite(groupID string) error {
	e.mu.Lock()
	inv, ok := e.pending[groupID]
	if ok {
		delete(e.pending, groupID)
	}
	e.mu.Unlock()
	if !ok {
		return errs.New(errs.InvalidInput, "no pending invite for "+groupID)
	}

	e.mu.Lock()
	rec, exists := e.groups[groupID]
	if !exists {
		rec = &Record{GroupID: groupID, Name: inv.Name, Members: map[string]struct{}{e.selfID: {}}, MasterID: inv.MasterID}
		e.groups[groupID] = rec
	} else {
		rec.Members[e.selfID] = struct{}{}
	}
	e.mu.Unlock()

	env, err := wire.NewEnvelope("group_join", e.selfID, "", "", time.Now().Unix(), map[string]string{"group_id": groupID})
	if err != nil {
		return err
	}
	return e.transport.Send(inv.MasterID, env)
}

// HandleJoin runs on the master: adds the joiner, bumps the epoch, replies
// with the authoritative state, and re-announces to everyone else.
func (e *Engine) HandleJoin(env wire.Envelope) {
	var p struct {
		GroupID string `json:"group_id"`
	}
	if err := env.DecodePayload(&p); err != nil {
		l.Warnln("malformed group_join:", err)
		return
	}

	e.mu.Lock()
	rec, ok := e.groups[p.GroupID]
	if !ok || rec.MasterID != e.selfID {
		e.mu.Unlock()
		l.Debugln("ignoring group_join for a group we don't master:", p.GroupID)
		return
	}
	rec.Members[env.DeviceID] = struct{}{}
	rec.Epoch = bumpEpoch(rec.Epoch)
	e.mu.Unlock()

	if err := e.persist(rec); err != nil {
		l.Warnln("persisting group after join:", err)
	}

	ack, err := wire.NewEnvelope("group_join_ack", e.selfID, "", "", time.Now().Unix(), groupStatePayload(rec))
	if err == nil {
		e.transport.Send(env.DeviceID, ack)
	}
	e.announceMasterExcept(rec, env.DeviceID)
}

// HandleJoinAck replaces the local record wholesale with the master's
// authoritative view.
func (e *Engine) HandleJoinAck(env wire.Envelope) {
	e.applyAuthoritative(env)
}

// HandleJoinReject surfaces a master's refusal to the UI.
func (e *Engine) HandleJoinReject(env wire.Envelope) {
	var p struct {
		GroupID string `json:"group_id"`
		Reason  string `json:"reason"`
	}
	if err := env.DecodePayload(&p); err != nil {
		return
	}
	if e.cb.OnJoinRejected != nil {
		e.cb.OnJoinRejected(p.GroupID, p.Reason)
	}
}

// HandleGroupMaster accepts an announcement only if its epoch is strictly
// greater, or equal with a lexicographically greater master_id.
func (e *Engine) HandleGroupMaster(env wire.Envelope) {
	e.applyAuthoritative(env)
}

func (e *Engine) applyAuthoritative(env wire.Envelope) {
	var p struct {
		GroupID  string   `json:"group_id"`
		Name     string   `json:"name"`
		Members  []string `json:"members"`
		MasterID string   `json:"master_id"`
		Epoch    int64    `json:"epoch"`
	}
	if err := env.DecodePayload(&p); err != nil {
		l.Warnln("malformed group state announcement:", err)
		return
	}

	e.mu.Lock()
	rec, ok := e.groups[p.GroupID]
	if ok && !shouldAccept(rec.Epoch, rec.MasterID, p.Epoch, p.MasterID) {
		e.mu.Unlock()
		return
	}
	rec = &Record{GroupID: p.GroupID, Name: p.Name, Members: toSet(p.Members), MasterID: p.MasterID, Epoch: p.Epoch}
	e.groups[p.GroupID] = rec
	e.mu.Unlock()

	if err := e.persist(rec); err != nil {
		l.Warnln("persisting accepted group state:", err)
	}
}

// shouldAccept implements the convergence tiebreaker from spec §4.6.
func shouldAccept(localEpoch int64, localMaster string, remoteEpoch int64, remoteMaster string) bool {
	if remoteEpoch > localEpoch {
		return true
	}
	if remoteEpoch == localEpoch && remoteMaster > localMaster {
		return true
	}
	return false
}

// SendGroupMessage computes the effective master, then either relays
// directly (if this node is master) or forwards to the master alone.
func (e *Engine) SendGroupMessage(groupID, text string) error {
	e.mu.Lock()
	rec, ok := e.groups[groupID]
	e.mu.Unlock()
	if !ok {
		return errs.New(errs.InvalidInput, "unknown group "+groupID)
	}

	master := e.effectiveMaster(rec)

	messageID := uuid.NewString()
	env, err := wire.NewEnvelope("group_message", e.selfID, "", "", time.Now().Unix(), map[string]string{
		"group_id":   groupID,
		"message_id": messageID,
		"from_id":    e.selfID,
		"text":       text,
	})
	if err != nil {
		return err
	}

	// The sender always keeps its own copy, same as direct messaging: the
	// master's relay (or the master itself, below) never plays a message
	// back to the device_id that originated it.
	e.markSeen(groupID, messageID)
	if err := e.store.AppendGroup(groupID, env); err != nil {
		return err
	}

	if master == e.selfID {
		e.relayExcept(rec, env, e.selfID)
		return nil
	}
	return e.transport.Send(master, env)
}

// effectiveMaster returns the group's current master if reachable,
// otherwise runs local election and updates the record. If that election
// hands mastership to this node, the new {master_id, epoch} is broadcast
// via group_master so every other member converges on it too (spec §8
// scenario 3: after a disconnect, the member that notices and re-elects
// must tell the rest of the group, not just update its own local record).
func (e *Engine) effectiveMaster(rec *Record) string {
	e.mu.Lock()

	if rec.MasterID == e.selfID || e.transport.Connected(rec.MasterID) {
		master := rec.MasterID
		e.mu.Unlock()
		return master
	}

	candidates := []string{e.selfID}
	for m := range rec.Members {
		if m != e.selfID && e.transport.Connected(m) {
			candidates = append(candidates, m)
		}
	}
	newMaster := electMaster(candidates)
	becameMaster := newMaster != rec.MasterID && newMaster == e.selfID

	now := time.Now().Unix()
	if now > rec.Epoch {
		rec.Epoch = now
	} else {
		rec.Epoch = rec.Epoch + 1
	}
	rec.MasterID = newMaster
	snapshot := *rec
	e.mu.Unlock()

	if err := e.persist(&snapshot); err != nil {
		l.Warnln("persisting elected master:", err)
	}

	if becameMaster {
		e.announceMaster(&snapshot)
		if e.cb.OnMasterChanged != nil {
			e.cb.OnMasterChanged(snapshot.GroupID, snapshot.MasterID, snapshot.Epoch)
		}
	}
	return newMaster
}

// electMaster returns the lexicographically smallest candidate. All peers
// compute this identically from the same active-member view, so no
// election traffic is ever exchanged.
func electMaster(candidates []string) string {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c < best {
			best = c
		}
	}
	return best
}

// HandleGroupMessage applies an incoming relay/forward. Masters relay to
// every other active member excluding the original sender; non-masters
// just store and deliver. Duplicate message_ids are dropped.
func (e *Engine) HandleGroupMessage(env wire.Envelope) {
	var p struct {
		GroupID   string `json:"group_id"`
		MessageID string `json:"message_id"`
		FromID    string `json:"from_id"`
	}
	if err := env.DecodePayload(&p); err != nil {
		l.Warnln("malformed group_message:", err)
		return
	}

	e.mu.Lock()
	rec, ok := e.groups[p.GroupID]
	e.mu.Unlock()
	if !ok {
		l.Debugln("dropping group_message for unknown group:", p.GroupID)
		return
	}

	if e.alreadySeen(p.GroupID, p.MessageID) {
		return
	}
	e.markSeen(p.GroupID, p.MessageID)

	if err := e.store.AppendGroup(p.GroupID, env); err != nil {
		l.Warnln("storing group message:", err)
	}

	if rec.MasterID == e.selfID {
		e.relayExcept(rec, env, p.FromID)
	}
	if e.cb.OnGroupMessage != nil {
		e.cb.OnGroupMessage(p.GroupID, env)
	}
}

func (e *Engine) relayExcept(rec *Record, env wire.Envelope, exclude string) {
	e.mu.Lock()
	members := rec.memberList()
	e.mu.Unlock()
	for _, m := range members {
		if m == e.selfID || m == exclude {
			continue
		}
		if err := e.transport.Send(m, env); err != nil {
			l.Debugln("relay to", m, "failed:", err)
		}
	}
}

func (e *Engine) alreadySeen(groupID, messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.seenCacheLocked(groupID)
	return c.Contains(messageID)
}

func (e *Engine) markSeen(groupID, messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.seenCacheLocked(groupID)
	c.Add(messageID, struct{}{})
}

func (e *Engine) seenCacheLocked(groupID string) *lru.Cache[string, struct{}] {
	c, ok := e.seen[groupID]
	if !ok {
		c, _ = lru.New[string, struct{}](seenCacheSize)
		e.seen[groupID] = c
	}
	return c
}

func (e *Engine) announceMaster(rec *Record) {
	e.announceMasterExcept(rec, "")
}

func (e *Engine) announceMasterExcept(rec *Record, exclude string) {
	env, err := wire.NewEnvelope("group_master", e.selfID, "", "", time.Now().Unix(), groupStatePayload(rec))
	if err != nil {
		l.Warnln("building group_master envelope:", err)
		return
	}
	e.mu.Lock()
	members := rec.memberList()
	e.mu.Unlock()
	for _, m := range members {
		if m == e.selfID || m == exclude {
			continue
		}
		if err := e.transport.Send(m, env); err != nil {
			l.Debugln("announcing master to", m, "failed:", err)
		}
	}
}

func groupStatePayload(rec *Record) map[string]interface{} {
	return map[string]interface{}{
		"group_id":  rec.GroupID,
		"name":      rec.Name,
		"members":   rec.memberList(),
		"master_id": rec.MasterID,
		"epoch":     rec.Epoch,
	}
}

func (e *Engine) persist(rec *Record) error {
	return e.store.SaveGroup(rec.GroupID, history.GroupRecord{
		GroupID:  rec.GroupID,
		Name:     rec.Name,
		Members:  rec.memberList(),
		MasterID: rec.MasterID,
		Epoch:    rec.Epoch,
	})
}

func bumpEpoch(prev int64) int64 {
	now := time.Now().Unix()
	if now > prev {
		return now
	}
	return prev + 1
}
