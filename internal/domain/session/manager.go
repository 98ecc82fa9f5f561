// Package session guarda el usuario y la credencial del perfil local.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"

	"pet-health-sync/internal/platform/logger"
	"pet-health-sync/internal/ports/auth"
	"pet-health-sync/internal/ports/storage"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNoSession    = errors.New("no active session")
	ErrInvalidToken = errors.New("invalid token")
)

const currentKey = "current"

type Session struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncControl es la parte del coordinador que le interesa a la sesión.
type SyncControl interface {
	Resume()
	RefreshPending(ctx context.Context)
}

type Manager struct {
	store       storage.Store
	collections []string
	ctl         SyncControl
	log         logger.Logger
	now         func() time.Time

	// serializa login/logout entre sí
	mu sync.Mutex
}

func NewManager(store storage.Store, schema storage.Schema, ctl SyncControl, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		store:       store,
		collections: schema.UserCollections(),
		ctl:         ctl,
		log:         log,
		now:         time.Now,
	}
}

// SetSyncControl permite cablear el coordinador después de construir el manager.
func (m *Manager) SetSyncControl(ctl SyncControl) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctl = ctl
}

type LoginInput struct {
	UserID string
	Email  string
	Token  string
}

// Login persiste la sesión. Si el perfil tenía otro usuario, borra todos sus datos antes.
// Un token nuevo reanuda una cola pausada por 401.
func (m *Manager) Login(ctx context.Context, in LoginInput) (Session, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.Token = strings.TrimSpace(in.Token)
	if in.UserID == "" || in.Token == "" {
		return Session{}, ErrInvalidInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.get(ctx)
	switch {
	case errors.Is(err, ErrNoSession):
	case err != nil:
		return Session{}, err
	}

	if prev.UserID != "" && prev.UserID != in.UserID {
		m.log.Info("session_user_changed", map[string]any{"previous_user": prev.UserID, "user_id": in.UserID})
		if err := m.teardownLocked(ctx); err != nil {
			return Session{}, err
		}
	}

	s := Session{
		UserID:    in.UserID,
		Email:     strings.TrimSpace(in.Email),
		Token:     in.Token,
		UpdatedAt: m.now().UTC(),
	}
	rec, err := storage.Marshal(currentKey, nil, s)
	if err != nil {
		return Session{}, err
	}
	if err := m.store.Put(ctx, storage.CollectionSession, rec); err != nil {
		return Session{}, err
	}

	if m.ctl != nil && s.Token != prev.Token {
		m.ctl.Resume()
	}
	return s, nil
}

// Logout borra la sesión y todos los datos del usuario, incluida la cola.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardownLocked(ctx)
}

func (m *Manager) Get(ctx context.Context) (Session, error) {
	return m.get(ctx)
}

// Token implementa dispatcher.TokenSource. Sin sesión devuelve "" (el dispatcher pausa).
func (m *Manager) Token(ctx context.Context) (string, error) {
	s, err := m.get(ctx)
	if errors.Is(err, ErrNoSession) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.Token, nil
}

// Current implementa auth.SessionSource.
func (m *Manager) Current(ctx context.Context) (auth.Claims, bool) {
	s, err := m.get(ctx)
	if err != nil {
		return auth.Claims{}, false
	}
	return auth.Claims{UserID: s.UserID, Email: s.Email}, true
}

// Verify implementa auth.AuthVerifier: sólo el token de la sesión activa es válido.
func (m *Manager) Verify(ctx context.Context, token string) (auth.Claims, error) {
	s, err := m.get(ctx)
	if err != nil {
		return auth.Claims{}, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return auth.Claims{}, ErrInvalidToken
	}
	return auth.Claims{UserID: s.UserID, Email: s.Email}, nil
}

func (m *Manager) get(ctx context.Context) (Session, error) {
	rec, err := m.store.Get(ctx, storage.CollectionSession, currentKey)
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := rec.Unmarshal(&s); err != nil {
		return Session{}, err
	}
	if s.UserID == "" {
		return Session{}, ErrNoSession
	}
	return s, nil
}

// teardownLocked requiere m.mu. Sigue con las demás colecciones si una falla.
func (m *Manager) teardownLocked(ctx context.Context) error {
	var errs []error
	for _, c := range m.collections {
		if err := m.store.Clear(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	if m.ctl != nil {
		m.ctl.RefreshPending(ctx)
	}
	if err := errors.Join(errs...); err != nil {
		m.log.Error("session_teardown_failed", map[string]any{"error": err})
		return err
	}
	m.log.Info("session_teardown", map[string]any{"collections": len(m.collections)})
	return nil
}
