// Package room groups peers under shared membership and permission
// rules: capacity, bans, invitations, broadcast and private-message
// rights. Permission failures are no-ops returning failure, never panics.
package room

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/common"
	"github.com/Chicook/WoldVirtual3DlucIA-sub001/core/collab/peer"
)

// Type is derived from settings, never stored.
type Type string

const (
	TypePublic            Type = "public"
	TypePrivate           Type = "private"
	TypeInviteOnly        Type = "invite-only"
	TypePasswordProtected Type = "password-protected"
)

// Permissions are the room-level operation rights.
type Permissions struct {
	Invite         bool `json:"invite"`
	Kick           bool `json:"kick"`
	Ban            bool `json:"ban"`
	Broadcast      bool `json:"broadcast"`
	PrivateMessage bool `json:"private_message"`
	ModifySettings bool `json:"modify_settings"`
}

// DefaultPermissions allows everything; hosts restrict from there.
func DefaultPermissions() Permissions {
	return Permissions{
		Invite:         true,
		Kick:           true,
		Ban:            true,
		Broadcast:      true,
		PrivateMessage: true,
		ModifySettings: true,
	}
}

// Settings is the mutable room configuration.
type Settings struct {
	Name              string      `json:"name"`
	Capacity          int         `json:"capacity"`
	RequireInvitation bool        `json:"require_invitation"`
	Password          string      `json:"password,omitempty"`
	Private           bool        `json:"private"`
	Permissions       Permissions `json:"permissions"`
}

// SettingsPatch shallow-merges into current settings; nil fields keep
// their value.
type SettingsPatch struct {
	Name              *string      `json:"name,omitempty"`
	Capacity          *int         `json:"capacity,omitempty"`
	RequireInvitation *bool        `json:"require_invitation,omitempty"`
	Password          *string      `json:"password,omitempty"`
	Private           *bool        `json:"private,omitempty"`
	Permissions       *Permissions `json:"permissions,omitempty"`
}

// Room is a permissioned, capacity-bounded group of peers. Membership is
// an id-keyed mapping; peers hold only the room id back, never a pointer.
type Room struct {
	id     string
	emit   common.EmitFunc
	logger *slog.Logger

	mu       sync.RWMutex
	state    common.RoomState
	settings Settings
	members  map[string]*peer.Peer
	invited  map[string]struct{}
	banned   map[string]struct{}
	stats    common.RoomStats
}

// New creates a room in the CREATING state; Activate opens it for joins.
func New(id string, settings Settings, emit common.EmitFunc, logger *slog.Logger) *Room {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(common.Event) {}
	}
	return &Room{
		id:       id,
		emit:     emit,
		logger:   logger.With("component", "room", "room", common.ShortID(id)),
		state:    common.RoomCreating,
		settings: settings,
		members:  make(map[string]*peer.Peer),
		invited:  make(map[string]struct{}),
		banned:   make(map[string]struct{}),
	}
}

// ID returns the room identity.
func (r *Room) ID() string { return r.id }

// State returns the lifecycle state.
func (r *Room) State() common.RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// SetState transitions the lifecycle. DELETED is terminal and never
// reverses.
func (r *Room) SetState(state common.RoomState) error {
	r.mu.Lock()
	old := r.state
	if old == common.RoomDeleted {
		r.mu.Unlock()
		return common.ErrRoomDeleted
	}
	if old == state {
		r.mu.Unlock()
		return nil
	}
	r.state = state
	r.mu.Unlock()

	r.emit(common.Event{
		Kind:         common.EventRoomStateChanged,
		Time:         time.Now(),
		RoomID:       r.id,
		OldRoomState: old,
		NewRoomState: state,
	})
	return nil
}

// Activate is shorthand for the CREATING -> ACTIVE transition.
func (r *Room) Activate() error {
	return r.SetState(common.RoomActive)
}

// DerivedType classifies the room from its settings: invite-only wins,
// then password-protected, then private, then public.
func (r *Room) DerivedType() Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case r.settings.RequireInvitation:
		return TypeInviteOnly
	case r.settings.Password != "":
		return TypePasswordProtected
	case r.settings.Private:
		return TypePrivate
	default:
		return TypePublic
	}
}

// AddPeer admits a peer. It fails when the room is not active, at
// capacity, when the peer is banned, or when invitation is required and
// missing. A banned peer never joins, invitation or not.
func (r *Room) AddPeer(p *peer.Peer) error {
	r.mu.Lock()
	if r.state != common.RoomActive {
		r.mu.Unlock()
		return fmt.Errorf("room %s: %w", common.ShortID(r.id), common.ErrRoomNotActive)
	}
	if _, banned := r.banned[p.ID()]; banned {
		r.mu.Unlock()
		return &common.PermissionError{Action: "join", Err: common.ErrPeerBanned}
	}
	if r.settings.Capacity > 0 && len(r.members) >= r.settings.Capacity {
		limit := r.settings.Capacity
		r.mu.Unlock()
		return &common.CapacityError{Resource: "room", Limit: limit}
	}
	if r.settings.RequireInvitation {
		if _, ok := r.invited[p.ID()]; !ok {
			r.mu.Unlock()
			return &common.PermissionError{Action: "join", Err: common.ErrNotInvited}
		}
		delete(r.invited, p.ID())
	}
	r.members[p.ID()] = p
	r.stats.PeerCount = len(r.members)
	r.stats.LastActivity = time.Now()
	r.mu.Unlock()

	p.SetRoomID(r.id)
	r.logger.Debug("peer joined", "peer", common.ShortID(p.ID()))
	r.emit(common.Event{Kind: common.EventPeerJoined, Time: time.Now(), RoomID: r.id, PeerID: p.ID()})
	return nil
}

// Leave removes a member voluntarily. No permission required.
func (r *Room) Leave(peerID, reason string) error {
	return r.remove(peerID, reason)
}

// RemovePeer kicks a member. Requires the kick permission.
func (r *Room) RemovePeer(peerID, reason string) error {
	if !r.permissions().Kick {
		return &common.PermissionError{Action: "kick", Err: common.ErrPermissionDenied}
	}
	return r.remove(peerID, reason)
}

func (r *Room) remove(peerID, reason string) error {
	r.mu.Lock()
	p, ok := r.members[peerID]
	if !ok {
		r.mu.Unlock()
		return common.ErrNotMember
	}
	delete(r.members, peerID)
	r.stats.PeerCount = len(r.members)
	r.stats.LastActivity = time.Now()
	r.mu.Unlock()

	p.SetRoomID("")
	r.logger.Debug("peer left", "peer", common.ShortID(peerID), "reason", reason)
	r.emit(common.Event{Kind: common.EventPeerLeft, Time: time.Now(), RoomID: r.id, PeerID: peerID, Reason: reason})
	return nil
}

// BanPeer bans first, then removes. Requires the ban permission.
func (r *Room) BanPeer(peerID, reason string) error {
	if !r.permissions().Ban {
		return &common.PermissionError{Action: "ban", Err: common.ErrPermissionDenied}
	}
	r.mu.Lock()
	r.banned[peerID] = struct{}{}
	delete(r.invited, peerID)
	r.mu.Unlock()

	// Removal failure just means the peer was not a member.
	_ = r.remove(peerID, reason)
	return nil
}

// UnbanPeer lifts a ban. Requires the ban permission.
func (r *Room) UnbanPeer(peerID string) error {
	if !r.permissions().Ban {
		return &common.PermissionError{Action: "unban", Err: common.ErrPermissionDenied}
	}
	r.mu.Lock()
	delete(r.banned, peerID)
	r.mu.Unlock()
	return nil
}

// InvitePeer records a pending invitation. Requires the invite
// permission. Banned peers cannot be invited.
func (r *Room) InvitePeer(peerID string) error {
	if !r.permissions().Invite {
		return &common.PermissionError{Action: "invite", Err: common.ErrPermissionDenied}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, banned := r.banned[peerID]; banned {
		return &common.PermissionError{Action: "invite", Err: common.ErrPeerBanned}
	}
	r.invited[peerID] = struct{}{}
	return nil
}

// Broadcast delivers an envelope to every member except the sender.
// Requires the broadcast permission and sender membership.
func (r *Room) Broadcast(env *common.Envelope, fromID string, deliver func(*peer.Peer, *common.Envelope) error) (int, error) {
	if !r.permissions().Broadcast {
		return 0, &common.PermissionError{Action: "broadcast", Err: common.ErrPermissionDenied}
	}
	r.mu.RLock()
	if _, ok := r.members[fromID]; !ok {
		r.mu.RUnlock()
		return 0, common.ErrNotMember
	}
	targets := make([]*peer.Peer, 0, len(r.members))
	for id, p := range r.members {
		if id == fromID {
			continue
		}
		targets = append(targets, p)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, p := range targets {
		if err := deliver(p, env.Clone()); err != nil {
			r.logger.Debug("broadcast delivery failed", "peer", common.ShortID(p.ID()), "error", err)
			continue
		}
		delivered++
	}

	r.mu.Lock()
	r.stats.MessagesTotal++
	r.stats.BytesTotal += uint64(len(env.Payload))
	r.stats.LastActivity = time.Now()
	r.mu.Unlock()

	r.emit(common.Event{Kind: common.EventMessageBroadcast, Time: time.Now(), RoomID: r.id, PeerID: fromID, Envelope: env.Clone()})
	return delivered, nil
}

// SendPrivate delivers to a single member. Both ends must be current
// members and the private-message permission must be set.
func (r *Room) SendPrivate(env *common.Envelope, fromID, toID string, deliver func(*peer.Peer, *common.Envelope) error) error {
	if !r.permissions().PrivateMessage {
		return &common.PermissionError{Action: "private-message", Err: common.ErrPermissionDenied}
	}
	r.mu.RLock()
	_, fromOK := r.members[fromID]
	target, toOK := r.members[toID]
	r.mu.RUnlock()
	if !fromOK || !toOK {
		return common.ErrNotMember
	}

	if err := deliver(target, env.Clone()); err != nil {
		return err
	}

	r.mu.Lock()
	r.stats.MessagesTotal++
	r.stats.BytesTotal += uint64(len(env.Payload))
	r.stats.LastActivity = time.Now()
	r.mu.Unlock()

	r.emit(common.Event{Kind: common.EventMessagePrivate, Time: time.Now(), RoomID: r.id, PeerID: fromID, Envelope: env.Clone()})
	return nil
}

// UpdateSettings shallow-merges the patch. Requires the modify-settings
// permission.
func (r *Room) UpdateSettings(patch SettingsPatch) error {
	if !r.permissions().ModifySettings {
		return &common.PermissionError{Action: "modify-settings", Err: common.ErrPermissionDenied}
	}
	r.mu.Lock()
	if patch.Name != nil {
		r.settings.Name = *patch.Name
	}
	if patch.Capacity != nil {
		r.settings.Capacity = *patch.Capacity
	}
	if patch.RequireInvitation != nil {
		r.settings.RequireInvitation = *patch.RequireInvitation
	}
	if patch.Password != nil {
		r.settings.Password = *patch.Password
	}
	if patch.Private != nil {
		r.settings.Private = *patch.Private
	}
	if patch.Permissions != nil {
		r.settings.Permissions = *patch.Permissions
	}
	r.mu.Unlock()

	r.emit(common.Event{Kind: common.EventSettingsUpdated, Time: time.Now(), RoomID: r.id})
	return nil
}

// Settings returns a copy of the current settings.
func (r *Room) Settings() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

func (r *Room) permissions() Permissions {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings.Permissions
}

// IsMember reports current membership.
func (r *Room) IsMember(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[peerID]
	return ok
}

// IsBanned reports whether the peer is in the ban set.
func (r *Room) IsBanned(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.banned[peerID]
	return ok
}

// IsInvited reports whether the peer holds a pending invitation.
func (r *Room) IsInvited(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.invited[peerID]
	return ok
}

// MemberIDs returns the current member ids.
func (r *Room) MemberIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

// MemberCount returns the membership size.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Stats returns a snapshot of the aggregate statistics.
func (r *Room) Stats() common.RoomStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
