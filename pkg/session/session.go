package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/harun/concierge/pkg/conversation"
)

// ErrInvalidID is wrapped by StorageError when a session ID is unusable.
var ErrInvalidID = errors.New("invalid session id")

// Session is the persisted state of one conversation: its transcript and a
// key/value memory that tools may read and write.
type Session struct {
	ID         string                 `json:"id"`
	Transcript []conversation.Message `json:"transcript"`
	Memory     map[string]interface{} `json:"memory"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// New returns an empty session.
func New(id string) *Session {
	return &Session{
		ID:         id,
		Transcript: []conversation.Message{},
		Memory:     map[string]interface{}{},
	}
}

// Append adds messages to the end of the transcript.
func (s *Session) Append(msgs ...conversation.Message) {
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		s.Transcript = append(s.Transcript, m)
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Transcript = conversation.CloneMessages(s.Transcript)
	if out.Transcript == nil {
		out.Transcript = []conversation.Message{}
	}
	out.Memory = conversation.CloneArguments(s.Memory)
	if out.Memory == nil {
		out.Memory = map[string]interface{}{}
	}
	return &out
}

// Info summarises a stored session.
type Info struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchHit is a past transcript message matching a query. Seq is the
// message's position in the transcript.
type SearchHit struct {
	Seq       int               `json:"seq"`
	Role      conversation.Role `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
}

// Store loads and saves sessions.
type Store interface {
	// Load returns the stored session, or a new empty one when id is unknown.
	Load(ctx context.Context, id string) (*Session, error)
	// Save replaces the stored transcript and memory with those of s.
	Save(ctx context.Context, s *Session) error
	Close() error
}

// Searcher finds transcript messages of one session matching a free-text query.
type Searcher interface {
	Search(ctx context.Context, id, query string, limit int) ([]SearchHit, error)
}

// Lister enumerates and removes stored sessions.
type Lister interface {
	List(ctx context.Context) ([]Info, error)
	Delete(ctx context.Context, id string) error
}

// ValidateID rejects empty and path-unsafe session IDs.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: session id cannot be empty", ErrInvalidID)
	case strings.Contains(id, ".."):
		return fmt.Errorf("%w: session id cannot contain '..'", ErrInvalidID)
	case strings.ContainsAny(id, "/\\"):
		return fmt.Errorf("%w: session id cannot contain path separators", ErrInvalidID)
	case strings.Contains(id, "\x00"):
		return fmt.Errorf("%w: session id cannot contain null bytes", ErrInvalidID)
	case len(id) > 200:
		return fmt.Errorf("%w: session id longer than 200 bytes", ErrInvalidID)
	}
	return nil
}

const maxQueryTerms = 8

// queryTerms splits a free-text query into lowercase words of at least
// three letters, deduplicated, in order of first appearance.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
		if len(terms) == maxQueryTerms {
			break
		}
	}
	return terms
}

// searchable reports whether a message is worth surfacing as memory context.
func searchable(m conversation.Message) bool {
	return (m.Role == conversation.RoleUser || m.Role == conversation.RoleAssistant || m.Role == conversation.RoleTool) &&
		strings.TrimSpace(m.Content) != ""
}

// rankMessages scores each searchable message by the number of distinct
// terms it contains and returns the best limit hits, most recent first on ties.
func rankMessages(messages []conversation.Message, terms []string, limit int) []SearchHit {
	type scored struct {
		hit   SearchHit
		score int
	}
	var matches []scored
	for seq, msg := range messages {
		if !searchable(msg) {
			continue
		}
		content := strings.ToLower(msg.Content)
		score := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		matches = append(matches, scored{
			hit:   SearchHit{Seq: seq, Role: msg.Role, Content: msg.Content, Timestamp: msg.Timestamp},
			score: score,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].hit.Seq > matches[j].hit.Seq
	})

	hits := make([]SearchHit, 0, limit)
	for i := 0; i < len(matches) && i < limit; i++ {
		hits = append(hits, matches[i].hit)
	}
	return hits
}
