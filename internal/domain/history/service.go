package history

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"pet-health-sync/internal/domain/syncqueue"
	"pet-health-sync/internal/platform/logger"
	"pet-health-sync/internal/ports/storage"
)

var ErrInvalidInput = errors.New("invalid input")

// Remote trae el snapshot del servidor (httpclient.Client).
type Remote interface {
	DoJSON(ctx context.Context, method, endpoint, token string, in any, out any) error
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, in syncqueue.EnqueueInput) (int64, error)
}

type Service struct {
	store  storage.Store
	remote Remote
	tokens TokenSource
	queue  Enqueuer
	log    logger.Logger

	now   func() time.Time
	newID func() string
}

type Deps struct {
	Store  storage.Store
	Remote Remote
	Tokens TokenSource
	Queue  Enqueuer
	Logger logger.Logger
}

func NewService(deps Deps) *Service {
	s := &Service{
		store:  deps.Store,
		remote: deps.Remote,
		tokens: deps.Tokens,
		queue:  deps.Queue,
		log:    deps.Logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	return s
}

// ThreadView es lo que pinta la UI. Source=local si no se pudo hablar con el servidor.
type ThreadView struct {
	ThreadID string    `json:"thread_id"`
	Messages []Message `json:"messages"`
	Source   string    `json:"source"`
}

func threadEndpoint(threadID string) string {
	return "/chat/" + url.PathEscape(threadID) + "/messages"
}

// Thread carga el hilo local, lo reconcilia con el servidor si hay red
// y cachea lo nuevo que vino del servidor.
func (s *Service) Thread(ctx context.Context, threadID string) (ThreadView, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return ThreadView{}, ErrInvalidInput
	}

	local, err := s.Local(ctx, threadID)
	if err != nil {
		return ThreadView{}, err
	}

	server, ok := s.fetch(ctx, threadID)
	if !ok {
		return ThreadView{ThreadID: threadID, Messages: Merge(local, nil), Source: "local"}, nil
	}

	// las entradas del servidor se completan antes de reconciliar: la vista y el cache
	// devuelven las mismas Key, ThreadID y SyncState
	for i := range server {
		server[i].ThreadID = threadID
		server[i].SyncState = SyncSynced
		if server[i].Key == "" {
			if server[i].ServerID != "" {
				server[i].Key = "srv-" + server[i].ServerID
			} else {
				server[i].Key = "srv-" + s.newID()
			}
		}
	}
	merged, fresh, upgraded := reconcile(local, server)

	for _, m := range fresh {
		if err := s.put(ctx, m); err != nil {
			s.log.Warn("history_cache_failed", map[string]any{"thread_id": threadID, "error": err})
			break
		}
	}
	for _, m := range upgraded {
		if err := s.put(ctx, m); err != nil {
			s.log.Warn("history_cache_failed", map[string]any{"thread_id": threadID, "error": err})
			break
		}
	}

	return ThreadView{ThreadID: threadID, Messages: merged, Source: "merged"}, nil
}

// Local devuelve sólo el cache local, ordenado.
func (s *Service) Local(ctx context.Context, threadID string) ([]Message, error) {
	recs, err := s.store.GetAll(ctx, storage.CollectionChatHistory, storage.Query{Index: storage.IndexThreadID, Value: threadID})
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(recs))
	for _, rec := range recs {
		var m Message
		if err := rec.Unmarshal(&m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

type SendInput struct {
	Role    Role
	Content string
}

// Send escribe el mensaje optimista y encola su envío.
func (s *Service) Send(ctx context.Context, threadID string, in SendInput) (Message, error) {
	threadID = strings.TrimSpace(threadID)
	if in.Role == "" {
		in.Role = RoleUser
	}
	if threadID == "" || strings.TrimSpace(in.Content) == "" || !in.Role.Valid() {
		return Message{}, ErrInvalidInput
	}

	m := Message{
		Key:      "local-" + s.newID(),
		ThreadID: threadID,
		Role:     in.Role,
		Content:  in.Content,
		// al ms: es la granularidad con la que se compara contra el servidor
		Timestamp: s.now().UTC().Truncate(time.Millisecond),
		SyncState: SyncPending,
	}
	if err := s.put(ctx, m); err != nil {
		return Message{}, err
	}

	_, err := s.queue.Enqueue(ctx, syncqueue.EnqueueInput{
		Type:     "send_chat_message",
		Endpoint: threadEndpoint(threadID),
		Method:   http.MethodPost,
		Payload: map[string]any{
			"role":       m.Role,
			"content":    m.Content,
			"timestamp":  m.Timestamp,
			"client_key": m.Key,
		},
		EntityKey: "thread:" + threadID,
		Record:    &syncqueue.RecordRef{Collection: storage.CollectionChatHistory, Key: m.Key},
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *Service) fetch(ctx context.Context, threadID string) ([]Message, bool) {
	if s.remote == nil {
		return nil, false
	}
	token := ""
	if s.tokens != nil {
		token, _ = s.tokens.Token(ctx)
	}

	var wire []serverMessage
	if err := s.remote.DoJSON(ctx, http.MethodGet, threadEndpoint(threadID), token, nil, &wire); err != nil {
		s.log.Debug("history_fetch_failed", map[string]any{"thread_id": threadID, "error": err})
		return nil, false
	}

	out := make([]Message, 0, len(wire))
	for _, w := range wire {
		out = append(out, Message{ServerID: w.ID, ThreadID: threadID, Role: w.Role, Content: w.Content, Timestamp: w.Timestamp})
	}
	return out, true
}

// serverMessage es el formato de la API remota.
type serverMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Service) put(ctx context.Context, m Message) error {
	rec, err := storage.Marshal(m.Key, map[string]string{storage.IndexThreadID: m.ThreadID}, m)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, storage.CollectionChatHistory, rec)
}
