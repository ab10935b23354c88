package tracker

import (
	"sort"
	"sync"
	"time"
)

// A State is a user's voice presence as reported by Discord.
// An empty ChannelID means the user is not connected.
type State struct {
	GuildID   string
	ChannelID string
	UserID    string
	// Self muted or deafened; the session stays but stops earning
	Paused bool
}

// A Session is one user's stay in voice in one guild
type Session struct {
	UserID    string
	GuildID   string
	ChannelID string
	JoinedAt  time.Time
	// Everything before this instant has been paid out
	LastCredited time.Time
	Paused       bool
}

// A Credit is xp owed to a user for whole minutes spent in voice
type Credit struct {
	UserID    string
	GuildID   string
	ChannelID string
	Minutes   int
	XP        int
}

// Voice tracks sessions and turns elapsed time into credits. Whole minutes are
// credited on every Tick and whenever a session leaves, switches channel or
// pauses. Leftover seconds carry over a switch but are dropped on leave or pause.
type Voice struct {
	xpPerMinute int

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewVoice(xpPerMinute int) *Voice {
	return &Voice{
		xpPerMinute: xpPerMinute,
		sessions:    map[string]*Session{},
	}
}

func sessionKey(guildID, userID string) string {
	return guildID + ":" + userID
}

// Update applies a voice state change and returns what is owed because of it
func (v *Voice) Update(st State, now time.Time) []Credit {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.apply(st, now)
}

// Caller must hold mu
func (v *Voice) apply(st State, now time.Time) []Credit {
	key := sessionKey(st.GuildID, st.UserID)
	s, ok := v.sessions[key]
	if !ok {
		if st.ChannelID != "" {
			v.start(st, now)
		}
		return nil
	}

	// Leave
	if st.ChannelID == "" {
		delete(v.sessions, key)
		return v.credit(nil, s, now)
	}

	var credits []Credit
	if s.ChannelID != st.ChannelID {
		credits = v.credit(credits, s, now)
		s.ChannelID = st.ChannelID
	}

	switch {
	case st.Paused && !s.Paused:
		credits = v.credit(credits, s, now)
		s.Paused = true
	case !st.Paused && s.Paused:
		s.Paused = false
		s.LastCredited = now
	}

	return credits
}

func (v *Voice) start(st State, now time.Time) {
	v.sessions[sessionKey(st.GuildID, st.UserID)] = &Session{
		UserID:       st.UserID,
		GuildID:      st.GuildID,
		ChannelID:    st.ChannelID,
		JoinedAt:     now,
		LastCredited: now,
		Paused:       st.Paused,
	}
}

// Appends the whole minutes owed for s and moves its mark forward by exactly that much
func (v *Voice) credit(credits []Credit, s *Session, now time.Time) []Credit {
	if s.Paused {
		return credits
	}

	minutes := int(now.Sub(s.LastCredited) / time.Minute)
	if minutes <= 0 {
		return credits
	}
	s.LastCredited = s.LastCredited.Add(time.Duration(minutes) * time.Minute)

	return append(credits, Credit{
		UserID:    s.UserID,
		GuildID:   s.GuildID,
		ChannelID: s.ChannelID,
		Minutes:   minutes,
		XP:        minutes * v.xpPerMinute,
	})
}

// Tick credits every active session for the whole minutes since it was last paid
func (v *Voice) Tick(now time.Time) []Credit {
	v.mu.Lock()
	defer v.mu.Unlock()

	var credits []Credit
	for _, key := range v.keys() {
		credits = v.credit(credits, v.sessions[key], now)
	}

	return credits
}

// Reconcile makes the guild's sessions match a full list of who is in voice,
// as Discord sends on guild create after a start or a reconnect. Sessions of
// users missing from states are ended and paid out, the rest are updated as
// Update would. It returns how many sessions were started and what is owed.
func (v *Voice) Reconcile(guildID string, states []State, now time.Time) (int, []Credit) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var credits []Credit
	started := 0
	present := map[string]bool{}
	for _, st := range states {
		if st.GuildID != guildID || st.ChannelID == "" {
			continue
		}
		key := sessionKey(st.GuildID, st.UserID)
		present[key] = true

		if _, ok := v.sessions[key]; !ok {
			v.start(st, now)
			started++
			continue
		}
		credits = append(credits, v.apply(st, now)...)
	}

	for _, key := range v.keys() {
		s := v.sessions[key]
		if s.GuildID != guildID || present[key] {
			continue
		}
		credits = v.credit(credits, s, now)
		delete(v.sessions, key)
	}

	return started, credits
}

// Drain ends every session and returns what they are owed
func (v *Voice) Drain(now time.Time) []Credit {
	v.mu.Lock()
	defer v.mu.Unlock()

	var credits []Credit
	for _, key := range v.keys() {
		credits = v.credit(credits, v.sessions[key], now)
		delete(v.sessions, key)
	}

	return credits
}

// Session returns a copy of the user's session, if any
func (v *Voice) Session(guildID, userID string) (Session, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, ok := v.sessions[sessionKey(guildID, userID)]
	if !ok {
		return Session{}, false
	}

	return *s, true
}

func (v *Voice) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return len(v.sessions)
}

// Sorted so credits come out in a stable order
func (v *Voice) keys() []string {
	keys := make([]string, 0, len(v.sessions))
	for k := range v.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}
