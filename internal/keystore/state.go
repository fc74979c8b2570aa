package keystore

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// EventType names an entry in the rotation event log.
type EventType string

const (
	EventKeyAdded         EventType = "key_added"
	EventKeyRemoved       EventType = "key_removed"
	EventKeySwitched      EventType = "key_switched"
	EventKeyExhausted     EventType = "key_exhausted"
	EventHealthCheck      EventType = "health_check"
	EventKeyRefreshed     EventType = "key_refreshed"
	EventKeyStatusChanged EventType = "key_status_changed"
)

// MaxEvents caps the event log. Truncation only removes whole entries from
// the front of the log; the entries that remain keep their order and are
// never rewritten.
const MaxEvents = 500

// Health check error tags.
const (
	ErrTagUnauthorized = "unauthorized"
	ErrTagNetwork      = "network"
)

// Event is one append-only audit log entry.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Timestamp     int64     `json:"timestamp"`
	KeyID         string    `json:"key_id,omitempty"`
	PreviousKeyID string    `json:"previous_key_id,omitempty"`
	From          Status    `json:"from,omitempty"`
	To            Status    `json:"to,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Valid         *bool     `json:"valid,omitempty"`
	Usage         *Usage    `json:"usage,omitempty"`
}

// HealthObservation is the outcome of one health probe, as applied to a record.
type HealthObservation struct {
	Valid bool
	Usage *Usage
	Error string
}

// RotationState is the persisted key pool: all records, the active key, and
// the event log. ActiveKeyID is empty when no key has been selected.
type RotationState struct {
	Version     int64                 `json:"version"`
	ActiveKeyID string                `json:"active_key_id"`
	Keys        map[string]*KeyRecord `json:"keys"`
	EventLog    []Event               `json:"event_log"`
}

// NewRotationState returns an empty state.
func NewRotationState() *RotationState {
	return &RotationState{
		Keys:     make(map[string]*KeyRecord),
		EventLog: []Event{},
	}
}

func (s *RotationState) GetVersion() int64  { return s.Version }
func (s *RotationState) SetVersion(v int64) { s.Version = v }

// Active returns the active record, or nil.
func (s *RotationState) Active() *KeyRecord {
	if s.ActiveKeyID == "" {
		return nil
	}
	return s.Keys[s.ActiveKeyID]
}

// SortedKeys returns all records ordered by id.
func (s *RotationState) SortedKeys() []*KeyRecord {
	out := make([]*KeyRecord, 0, len(s.Keys))
	for _, k := range s.Keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Live returns non-terminal records ordered by id.
func (s *RotationState) Live() []*KeyRecord {
	var out []*KeyRecord
	for _, k := range s.SortedKeys() {
		if !k.Status.Terminal() {
			out = append(out, k)
		}
	}
	return out
}

// FindByToken returns the record holding the given access or refresh token.
func (s *RotationState) FindByToken(c Credential) *KeyRecord {
	if k, ok := s.Keys[DeriveID(c)]; ok {
		return k
	}
	for _, k := range s.SortedKeys() {
		if c.AccessToken != "" && k.AccessToken == c.AccessToken {
			return k
		}
		if c.RefreshToken != "" && k.RefreshToken == c.RefreshToken {
			return k
		}
	}
	return nil
}

// Ingest records a credential sighted in source. Existing records get newer
// tokens; terminal records are never revived. Returns the key id and whether
// a new record was created.
func (s *RotationState) Ingest(c Credential, source string, now time.Time) (string, bool) {
	if c.AccessToken == "" {
		return "", false
	}
	if k := s.FindByToken(c); k != nil {
		if k.Status.Terminal() {
			return k.ID, false
		}
		if newerCredential(k, c) {
			k.AccessToken = c.AccessToken
			if c.RefreshToken != "" {
				k.RefreshToken = c.RefreshToken
			}
			k.ExpiresAt = c.ExpiresAt
		}
		s.setIdentity(k, c.AccountUUID, c.AccountEmail)
		if k.Status == StatusExpired && !k.TokenExpired(now) && k.AccessToken == c.AccessToken {
			_ = s.setStatus(k, StatusActive, "fresh token sighted in "+source, now)
		}
		return k.ID, false
	}

	k := &KeyRecord{
		ID:           DeriveID(c),
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresAt:    c.ExpiresAt,
		Status:       StatusActive,
		AccountUUID:  c.AccountUUID,
		AccountEmail: c.AccountEmail,
		AddedAt:      Ms(now),
		Source:       source,
	}
	if k.TokenExpired(now) {
		k.Status = StatusExpired
	}
	s.Keys[k.ID] = k
	s.appendEvent(Event{Type: EventKeyAdded, KeyID: k.ID, To: k.Status, Reason: source}, now)
	return k.ID, true
}

func newerCredential(k *KeyRecord, c Credential) bool {
	if k.AccessToken == c.AccessToken {
		return false
	}
	if c.ExpiresAt == nil {
		return true
	}
	return k.ExpiresAt == nil || *c.ExpiresAt >= *k.ExpiresAt
}

func (s *RotationState) setIdentity(k *KeyRecord, accountUUID, email string) {
	if accountUUID != "" {
		k.AccountUUID = accountUUID
	}
	if email != "" {
		k.AccountEmail = email
	}
}

// SetIdentity records the resolved account identity of a key.
func (s *RotationState) SetIdentity(id, accountUUID, email string) error {
	k, err := s.get(id)
	if err != nil {
		return err
	}
	s.setIdentity(k, accountUUID, email)
	return nil
}

// SetStatus moves a key to a new status, validating the transition and
// logging it.
func (s *RotationState) SetStatus(id string, to Status, reason string, now time.Time) error {
	k, err := s.get(id)
	if err != nil {
		return err
	}
	return s.setStatus(k, to, reason, now)
}

func (s *RotationState) setStatus(k *KeyRecord, to Status, reason string, now time.Time) error {
	from := k.Status
	if from == to {
		return nil
	}
	if err := checkTransition(from, to); err != nil {
		return fmt.Errorf("key %s: %w", k.ShortID(), err)
	}
	k.Status = to

	evType := EventKeyStatusChanged
	switch {
	case to == StatusExhausted:
		evType = EventKeyExhausted
	case to.Terminal():
		evType = EventKeyRemoved
	}
	s.appendEvent(Event{Type: evType, KeyID: k.ID, From: from, To: to, Reason: reason}, now)

	if to.Terminal() && s.ActiveKeyID == k.ID {
		s.ActiveKeyID = ""
	}
	return nil
}

// RecordHealth applies a health probe outcome: usage and freshness on
// success, demotion on authentication failure. Transient failures only log.
func (s *RotationState) RecordHealth(id string, obs HealthObservation, exhaustionThreshold float64, now time.Time) error {
	k, err := s.get(id)
	if err != nil {
		return err
	}

	valid := obs.Valid
	ev := Event{Type: EventHealthCheck, KeyID: k.ID, Valid: &valid, Reason: obs.Error}
	if obs.Valid && obs.Usage != nil {
		u := *obs.Usage
		u.CheckedAt = Ms(now)
		ev.Usage = &u
	}
	s.appendEvent(ev, now)

	if k.Status.Terminal() {
		return nil
	}

	if !obs.Valid {
		if obs.Error != ErrTagUnauthorized {
			return nil
		}
		if k.RefreshToken != "" {
			return s.setStatus(k, StatusExpired, "health check unauthorized", now)
		}
		return s.setStatus(k, StatusInvalid, "unauthorized without refresh token", now)
	}

	k.LastHealthCheck = Ms(now)
	if ev.Usage != nil {
		k.LastUsage = ev.Usage
	}

	if k.LastUsage != nil && k.LastUsage.Exhausted(exhaustionThreshold) {
		if k.Status == StatusExpired {
			if err := s.setStatus(k, StatusActive, "health check passed", now); err != nil {
				return err
			}
		}
		return s.setStatus(k, StatusExhausted, fmt.Sprintf("usage %.0f%% >= %.0f%%", k.LastUsage.Max(), exhaustionThreshold), now)
	}
	if k.Status != StatusActive {
		return s.setStatus(k, StatusActive, "health check passed", now)
	}
	return nil
}

// ApplyRefresh stores refreshed credentials and revives an expired key.
func (s *RotationState) ApplyRefresh(id string, c Credential, now time.Time) error {
	k, err := s.get(id)
	if err != nil {
		return err
	}
	if k.Status.Terminal() {
		return fmt.Errorf("key %s: %w: cannot refresh %s key", k.ShortID(), ErrIllegalTransition, k.Status)
	}
	k.AccessToken = c.AccessToken
	if c.RefreshToken != "" {
		k.RefreshToken = c.RefreshToken
	}
	k.ExpiresAt = c.ExpiresAt
	s.appendEvent(Event{Type: EventKeyRefreshed, KeyID: k.ID}, now)
	if k.Status == StatusExpired {
		return s.setStatus(k, StatusActive, "token refreshed", now)
	}
	return nil
}

// SwitchActive makes id the active key. Re-selecting the current key only
// refreshes last_used_at.
func (s *RotationState) SwitchActive(id, reason string, now time.Time) error {
	k, err := s.get(id)
	if err != nil {
		return err
	}
	if !k.Status.Selectable() {
		return fmt.Errorf("key %s: cannot activate %s key", k.ShortID(), k.Status)
	}
	k.LastUsedAt = Ms(now)
	if s.ActiveKeyID == id {
		return nil
	}
	prev := s.ActiveKeyID
	s.ActiveKeyID = id
	s.appendEvent(Event{Type: EventKeySwitched, KeyID: id, PreviousKeyID: prev, Reason: reason}, now)
	return nil
}

// EventsSince returns events with timestamp >= since, oldest first.
func (s *RotationState) EventsSince(since time.Time) []Event {
	cut := Ms(since)
	var out []Event
	for _, ev := range s.EventLog {
		if ev.Timestamp >= cut {
			out = append(out, ev)
		}
	}
	return out
}

func (s *RotationState) get(id string) (*KeyRecord, error) {
	k, ok := s.Keys[id]
	if !ok {
		return nil, fmt.Errorf("unknown key %q", id)
	}
	return k, nil
}

func (s *RotationState) appendEvent(ev Event, now time.Time) {
	ev.ID = uuid.NewString()
	ev.Timestamp = Ms(now)
	if n := len(s.EventLog); n > 0 && s.EventLog[n-1].Timestamp > ev.Timestamp {
		// Keep the log monotonic even if the wall clock stepped back.
		ev.Timestamp = s.EventLog[n-1].Timestamp
	}
	s.EventLog = append(s.EventLog, ev)
	if len(s.EventLog) > MaxEvents {
		s.EventLog = append([]Event(nil), s.EventLog[len(s.EventLog)-MaxEvents:]...)
	}
}
