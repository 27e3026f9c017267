package webhooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/events"
	"github.com/fastband-ai/fastband/internal/util"
)

// ErrSubscriptionExists is returned when adding a duplicate id.
var ErrSubscriptionExists = errors.New("subscription id already exists")

// ErrNoEvents is returned when a subscription carries an empty event list.
var ErrNoEvents = errors.New("subscription requires at least one event")

// Store persists webhook subscriptions in one JSON file with copy-on-write
// replace. All access serializes under a single lock; the file is the
// source of truth across restarts.
type Store struct {
	mu   sync.Mutex
	path string
	subs map[string]*Subscription

	logger *zap.Logger
	now    func() time.Time
}

// NewStore loads (or initializes) the subscription file at path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:   path,
		subs:   make(map[string]*Subscription),
		logger: logger,
		now:    time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create webhook dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read webhook store: %w", err)
	}
	var subs []*Subscription
	if err := json.Unmarshal(raw, &subs); err != nil {
		return fmt.Errorf("parse webhook store: %w", err)
	}
	for _, sub := range subs {
		s.subs[sub.ID] = sub
	}
	return nil
}

// save writes the subscription list via temp file + rename. Callers hold
// s.mu.
func (s *Store) save() error {
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	raw, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal webhook store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".webhooks-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Add stores a new subscription, generating id and secret when absent.
func (s *Store) Add(sub *Subscription) (*Subscription, error) {
	if sub == nil || sub.URL == "" {
		return nil, fmt.Errorf("subscription requires a url")
	}
	if len(sub.Events) == 0 {
		return nil, ErrNoEvents
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *sub
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	} else if _, exists := s.subs[stored.ID]; exists {
		return nil, ErrSubscriptionExists
	}
	if stored.Secret == "" {
		secret, err := util.RandomHex(32)
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		stored.Secret = secret
	}
	stored.Active = true
	stored.CreatedAt = s.now().UTC()
	stored.Events = append([]string(nil), stored.Events...)

	s.subs[stored.ID] = &stored
	if err := s.save(); err != nil {
		delete(s.subs, stored.ID)
		return nil, err
	}
	s.logger.Info("Webhook subscription added",
		zap.String("subscription_id", stored.ID),
		zap.String("url", stored.URL),
		zap.Strings("events", stored.Events),
	)
	copied := stored
	return &copied, nil
}

// Get returns a copy of the subscription.
func (s *Store) Get(id string) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, false
	}
	copied := *sub
	return &copied, true
}

// List returns copies of every subscription.
func (s *Store) List() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		copied := *sub
		out = append(out, &copied)
	}
	return out
}

// Update replaces mutable fields of an existing subscription. Unknown ids
// return false.
func (s *Store) Update(sub *Subscription) bool {
	if sub == nil || sub.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.subs[sub.ID]
	if !ok {
		return false
	}
	if len(sub.Events) == 0 {
		return false
	}
	prev := *cur
	cur.URL = sub.URL
	cur.Events = append([]string(nil), sub.Events...)
	cur.Name = sub.Name
	cur.Description = sub.Description
	cur.Active = sub.Active
	if sub.Secret != "" {
		cur.Secret = sub.Secret
	}
	if err := s.save(); err != nil {
		*cur = prev
		s.logger.Error("Failed to persist subscription update",
			zap.String("subscription_id", sub.ID), zap.Error(err))
		return false
	}
	return true
}

// Delete removes the subscription.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.subs[id]
	if !ok {
		return false
	}
	delete(s.subs, id)
	if err := s.save(); err != nil {
		s.subs[id] = prev
		s.logger.Error("Failed to persist subscription delete",
			zap.String("subscription_id", id), zap.Error(err))
		return false
	}
	return true
}

// Matching returns copies of every active subscription whose event list
// covers the event.
func (s *Store) Matching(event events.Type) []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Subscription
	for _, sub := range s.subs {
		if sub.Active && sub.Matches(event) {
			copied := *sub
			out = append(out, &copied)
		}
	}
	return out
}

// RecordDelivery updates a subscription's delivery counters after a
// terminal outcome and persists them.
func (s *Store) RecordDelivery(id string, success bool, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return
	}
	now := s.now().UTC()
	sub.TotalDeliveries++
	if success {
		sub.SuccessfulDeliveries++
		sub.LastError = ""
	} else {
		sub.FailedDeliveries++
		sub.LastError = lastError
	}
	sub.LastDeliveryAt = &now
	if err := s.save(); err != nil {
		s.logger.Warn("Failed to persist delivery counters",
			zap.String("subscription_id", id), zap.Error(err))
	}
}
