package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/delivery"
	"github.com/abhisek/focuscoach/internal/usercontext"
)

// FileData is the JSON document a File source reads.
type FileData struct {
	Users         []usercontext.Signals `json:"users"`
	Subscriptions []FileSubscription    `json:"subscriptions,omitempty"`
}

type FileSubscription struct {
	UserID   string `json:"user_id"`
	Channel  string `json:"channel"`
	Endpoint string `json:"endpoint"`
}

// File serves signals from a JSON document held in memory.
type File struct {
	mu    sync.RWMutex
	path  string
	users map[string]usercontext.Signals
	subs  *delivery.StaticResolver
}

var _ Source = (*File)(nil)

// OpenFile loads the JSON document at path.
func OpenFile(path string) (*File, error) {
	f := &File{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// NewFile builds a File source from an in-memory document.
func NewFile(data FileData) (*File, error) {
	f := &File{}
	if err := f.load(data); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the file OpenFile was given.
func (f *File) Reload() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read signals file: %w", err)
	}
	var data FileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse signals file %s: %w", f.path, err)
	}
	return f.load(data)
}

func (f *File) load(data FileData) error {
	users := make(map[string]usercontext.Signals, len(data.Users))
	for i, u := range data.Users {
		if u.UserID == "" {
			return fmt.Errorf("signals user %d: user_id is required", i)
		}
		if _, dup := users[u.UserID]; dup {
			return fmt.Errorf("signals user %q listed twice", u.UserID)
		}
		users[u.UserID] = u
	}
	subs := delivery.NewStaticResolver()
	for _, s := range data.Subscriptions {
		ch, err := channel.Parse(s.Channel)
		if err != nil {
			return fmt.Errorf("subscription of %s: %w", s.UserID, err)
		}
		subs.Put(delivery.Subscription{UserID: s.UserID, Channel: ch, Endpoint: s.Endpoint})
	}

	f.mu.Lock()
	f.users, f.subs = users, subs
	f.mu.Unlock()
	return nil
}

// Signals returns a copy of the user's document entry. Unknown users get
// Signals with a nil Profile.
func (f *File) Signals(_ context.Context, userID string, _ time.Time) (*usercontext.Signals, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	u, ok := f.users[userID]
	if !ok {
		return &usercontext.Signals{UserID: userID}, nil
	}
	out := u
	if u.Profile != nil {
		p := *u.Profile
		out.Profile = &p
	}
	out.Sessions = slices.Clone(u.Sessions)
	out.Tasks = slices.Clone(u.Tasks)
	return &out, nil
}

func (f *File) Resolve(ctx context.Context, userID string, ch channel.Channel) (delivery.Subscription, error) {
	f.mu.RLock()
	subs := f.subs
	f.mu.RUnlock()
	return subs.Resolve(ctx, userID, ch)
}

func (f *File) Users(context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.users))
	for id := range f.users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}
