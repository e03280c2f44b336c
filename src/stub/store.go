package stub

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatsync/src/types"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrEmailAlreadyUsed = errors.New("email already used")
	ErrBadCredentials   = errors.New("invalid email or password")
	ErrBlocked          = errors.New("blocked")
	ErrNotParticipant   = errors.New("not a participant")
	ErrInvalidInput     = errors.New("invalid input")
)

const dateLayout = "2006-01-02"

type account struct {
	user         types.User
	passwordHash string
	pushToken    string
}

type conversation struct {
	id       string
	users    [2]string
	messages []types.Message
	unread   map[string]int
}

func (c *conversation) other(userID string) string {
	if c.users[0] == userID {
		return c.users[1]
	}
	return c.users[0]
}

func (c *conversation) has(userID string) bool {
	return c.users[0] == userID || c.users[1] == userID
}

// Store keeps accounts, conversations and messages in memory. Not suitable
// for production.
type Store struct {
	mu      sync.RWMutex
	hasher  BcryptHasher
	now     func() time.Time
	byID    map[string]*account
	byEmail map[string]string
	tokens  map[string]string // token -> user id
	convs   map[string]*conversation
	pairs   map[[2]string]string // sorted user pair -> conversation id
	blocked map[string]map[string]bool
}

// NewStore creates an empty store.
func NewStore(hasher BcryptHasher) *Store {
	return &Store{
		hasher:  hasher,
		now:     time.Now,
		byID:    make(map[string]*account),
		byEmail: make(map[string]string),
		tokens:  make(map[string]string),
		convs:   make(map[string]*conversation),
		pairs:   make(map[[2]string]string),
		blocked: make(map[string]map[string]bool),
	}
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneUser(u types.User) types.User {
	if u.Bio != nil {
		bio := *u.Bio
		u.Bio = &bio
	}
	if u.ProfileImageURL != nil {
		img := *u.ProfileImageURL
		u.ProfileImageURL = &img
	}
	return u
}

// Register creates an account and returns a fresh token.
func (s *Store) Register(email, password, gender, birthDate string) (types.User, string, error) {
	key := emailKey(email)
	if key == "" || password == "" {
		return types.User{}, "", ErrInvalidInput
	}
	if gender != "MALE" && gender != "FEMALE" {
		return types.User{}, "", ErrInvalidInput
	}
	if _, err := time.Parse(dateLayout, birthDate); err != nil {
		return types.User{}, "", ErrInvalidInput
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return types.User{}, "", err
	}

	id := uuid.New().String()
	user := types.User{
		ID:            id,
		Email:         key,
		AnonymousName: "Anon-" + id[:4],
		Gender:        gender,
		BirthDate:     birthDate,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[key]; ok {
		return types.User{}, "", ErrEmailAlreadyUsed
	}
	s.byID[id] = &account{user: user, passwordHash: hash}
	s.byEmail[key] = id
	return cloneUser(user), s.issueLocked(id), nil
}

// Login checks credentials and returns a fresh token.
func (s *Store) Login(email, password string) (types.User, string, error) {
	s.mu.RLock()
	id, ok := s.byEmail[emailKey(email)]
	var acct account
	if ok {
		acct = *s.byID[id]
	}
	s.mu.RUnlock()
	if !ok {
		return types.User{}, "", ErrBadCredentials
	}
	if err := s.hasher.Compare(acct.passwordHash, password); err != nil {
		return types.User{}, "", ErrBadCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return types.User{}, "", ErrBadCredentials
	}
	return cloneUser(acct.user), s.issueLocked(id), nil
}

func (s *Store) issueLocked(userID string) string {
	token := uuid.New().String()
	s.tokens[token] = userID
	return token
}

// Authenticate resolves a bearer token to a user id.
func (s *Store) Authenticate(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[token]
	return id, ok
}

// User returns a copy of the user's profile.
func (s *Store) User(id string) (types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.byID[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return cloneUser(acct.user), nil
}

// ChangePassword replaces the password after checking the current one.
func (s *Store) ChangePassword(userID, current, next string) error {
	if next == "" {
		return ErrInvalidInput
	}
	s.mu.RLock()
	acct, ok := s.byID[userID]
	var hash string
	if ok {
		hash = acct.passwordHash
	}
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := s.hasher.Compare(hash, current); err != nil {
		return ErrBadCredentials
	}
	newHash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.byID[userID]; ok {
		acct.passwordHash = newHash
	}
	return nil
}

// DeleteAccount removes the user and revokes their tokens.
func (s *Store) DeleteAccount(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.byID[userID]
	if !ok {
		return ErrNotFound
	}
	delete(s.byEmail, acct.user.Email)
	delete(s.byID, userID)
	for tok, id := range s.tokens {
		if id == userID {
			delete(s.tokens, tok)
		}
	}
	return nil
}

// SetPushToken records the device push token.
func (s *Store) SetPushToken(userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.byID[userID]
	if !ok {
		return ErrNotFound
	}
	acct.pushToken = token
	return nil
}

// PushToken returns the registered push token, if any.
func (s *Store) PushToken(userID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if acct, ok := s.byID[userID]; ok {
		return acct.pushToken
	}
	return ""
}

// Block hides target from userID and rejects messages between them.
func (s *Store) Block(userID, target string) error {
	if userID == target {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[target]; !ok {
		return ErrNotFound
	}
	if s.blocked[userID] == nil {
		s.blocked[userID] = make(map[string]bool)
	}
	s.blocked[userID][target] = true
	return nil
}

// Unblock reverses Block. Unblocking a user that is not blocked is a no-op.
func (s *Store) Unblock(userID, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocked[userID], target)
}

// BlockedUsers lists the users userID blocked.
func (s *Store) BlockedUsers(userID string) []types.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.User, 0, len(s.blocked[userID]))
	for id := range s.blocked[userID] {
		if acct, ok := s.byID[id]; ok {
			out = append(out, cloneUser(acct.user))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// blockedLocked reports whether either user blocked the other.
func (s *Store) blockedLocked(a, b string) bool {
	return s.blocked[a][b] || s.blocked[b][a]
}

// UserFilter narrows Discover.
type UserFilter struct {
	MinAge int
	MaxAge int
	Gender string
}

// Discover lists other users matching filter, excluding blocked ones.
func (s *Store) Discover(userID string, filter UserFilter) []types.User {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.User, 0, len(s.byID))
	for id, acct := range s.byID {
		if id == userID || s.blockedLocked(userID, id) {
			continue
		}
		if filter.Gender != "" && acct.user.Gender != filter.Gender {
			continue
		}
		age := ageAt(acct.user.BirthDate, now)
		if filter.MinAge > 0 && age < filter.MinAge {
			continue
		}
		if filter.MaxAge > 0 && age > filter.MaxAge {
			continue
		}
		out = append(out, cloneUser(acct.user))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func ageAt(birthDate string, now time.Time) int {
	born, err := time.Parse(dateLayout, birthDate)
	if err != nil {
		return 0
	}
	age := now.Year() - born.Year()
	if now.YearDay() < born.YearDay() {
		age--
	}
	return age
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// CreateConversation returns the conversation between userID and other,
// creating it on first use.
func (s *Store) CreateConversation(userID, other string) (string, error) {
	if userID == other {
		return "", ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[other]; !ok {
		return "", ErrNotFound
	}
	if s.blockedLocked(userID, other) {
		return "", ErrBlocked
	}
	key := pairKey(userID, other)
	if id, ok := s.pairs[key]; ok {
		return id, nil
	}
	id := uuid.New().String()
	s.convs[id] = &conversation{id: id, users: key, unread: make(map[string]int)}
	s.pairs[key] = id
	return id, nil
}

// Conversations returns userID's conversation summaries, most recent first.
func (s *Store) Conversations(userID string) []types.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Conversation, 0)
	for _, c := range s.convs {
		if !c.has(userID) {
			continue
		}
		other := c.other(userID)
		summary := types.Conversation{
			ID:          c.id,
			OtherUserID: other,
			UnreadCount: c.unread[userID],
		}
		if acct, ok := s.byID[other]; ok {
			summary.OtherUserAnonymousName = acct.user.AnonymousName
		}
		if n := len(c.messages); n > 0 {
			last := c.messages[n-1]
			content, ts := last.Content, last.Timestamp
			summary.LastMessage = &content
			summary.LastMessageTimestamp = &ts
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		return lastTimestamp(out[i]) > lastTimestamp(out[j])
	})
	return out
}

func lastTimestamp(c types.Conversation) int64 {
	if c.LastMessageTimestamp == nil {
		return 0
	}
	return *c.LastMessageTimestamp
}

// Messages returns the history of a conversation and marks it read for userID.
func (s *Store) Messages(userID, conversationID string) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if !c.has(userID) {
		return nil, ErrNotParticipant
	}
	c.unread[userID] = 0
	for i := range c.messages {
		if c.messages[i].SenderID != userID {
			c.messages[i].IsRead = true
		}
	}
	return append([]types.Message(nil), c.messages...), nil
}

// AddMessage persists a message from userID and returns it together with the
// recipient's id.
func (s *Store) AddMessage(userID, conversationID, content string) (types.Message, string, error) {
	if strings.TrimSpace(content) == "" {
		return types.Message{}, "", types.ErrBlankContent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return types.Message{}, "", ErrNotFound
	}
	if !c.has(userID) {
		return types.Message{}, "", ErrNotParticipant
	}
	other := c.other(userID)
	if s.blockedLocked(userID, other) {
		return types.Message{}, "", ErrBlocked
	}

	ts := s.now().UnixMilli()
	if n := len(c.messages); n > 0 && c.messages[n-1].Timestamp > ts {
		ts = c.messages[n-1].Timestamp
	}
	msg := types.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
		Timestamp:      ts,
	}
	c.messages = append(c.messages, msg)
	c.unread[other]++
	return msg, other, nil
}

// Peer returns the other participant of a conversation.
func (s *Store) Peer(userID, conversationID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return "", ErrNotFound
	}
	if !c.has(userID) {
		return "", ErrNotParticipant
	}
	return c.other(userID), nil
}
