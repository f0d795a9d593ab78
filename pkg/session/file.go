package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/pkg/conversation"
)

const (
	transcriptSuffix = ".jsonl"
	memorySuffix     = ".memory.json"
	fileBackend      = "file"
)

// FileConfig configures a FileStore.
type FileConfig struct {
	Dir    string
	Logger zerolog.Logger
}

// transcriptEntry is one line of a transcript file.
type transcriptEntry struct {
	SessionKey string               `json:"sessionKey"`
	Message    conversation.Message `json:"message"`
}

// memoryFile is the content of <id>.memory.json.
type memoryFile struct {
	Memory    map[string]interface{} `json:"memory"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// FileStore keeps each session as a JSONL transcript next to a JSON memory
// file. Both are replaced atomically on Save.
type FileStore struct {
	dir    string
	logger zerolog.Logger

	locksMu    sync.Mutex
	writeLocks map[string]*sync.Mutex
}

var (
	_ Store    = (*FileStore)(nil)
	_ Searcher = (*FileStore)(nil)
	_ Lister   = (*FileStore)(nil)
)

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(cfg FileConfig) (*FileStore, error) {
	observability.EnsureRegistered()

	if cfg.Dir == "" {
		return nil, storageErr("open", "", errors.New("sessions directory is required"))
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, storageErr("open", "", fmt.Errorf("failed to create sessions directory: %w", err))
	}

	s := &FileStore{
		dir:        cfg.Dir,
		logger:     cfg.Logger.With().Str("component", "session_store").Str("backend", fileBackend).Logger(),
		writeLocks: make(map[string]*sync.Mutex),
	}
	s.logger.Debug().Str("dir", cfg.Dir).Msg("File session store initialized")
	return s, nil
}

func (s *FileStore) transcriptPath(id string) string {
	return filepath.Join(s.dir, id+transcriptSuffix)
}

func (s *FileStore) memoryPath(id string) string {
	return filepath.Join(s.dir, id+memorySuffix)
}

func (s *FileStore) writeLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.writeLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.writeLocks[id] = lock
	}
	return lock
}

// Load reads the session. Unparseable transcript lines are skipped with a
// warning so that one torn write cannot make a session unreadable.
func (s *FileStore) Load(ctx context.Context, id string) (*Session, error) {
	ctx, op := beginOp(ctx, s.logger, fileBackend, "load", id)
	sess, err := s.load(ctx, op.logger, id)
	return sess, op.end(err)
}

func (s *FileStore) load(ctx context.Context, logger zerolog.Logger, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, storageErr("load", id, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("load", id, err)
	}

	sess := New(id)

	messages, err := s.readTranscript(logger, id)
	if err != nil {
		return nil, storageErr("load", id, err)
	}
	sess.Transcript = messages

	data, err := os.ReadFile(s.memoryPath(id))
	switch {
	case err == nil:
		var mf memoryFile
		if err := json.Unmarshal(data, &mf); err != nil {
			return nil, storageErr("load", id, fmt.Errorf("failed to parse memory file: %w", err))
		}
		if mf.Memory != nil {
			sess.Memory = mf.Memory
		}
		sess.UpdatedAt = mf.UpdatedAt
	case !os.IsNotExist(err):
		return nil, storageErr("load", id, fmt.Errorf("failed to read memory file: %w", err))
	}

	logger.Debug().Int("messages", len(sess.Transcript)).Msg("Session loaded")
	return sess, nil
}

func (s *FileStore) readTranscript(logger zerolog.Logger, id string) ([]conversation.Message, error) {
	file, err := os.Open(s.transcriptPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []conversation.Message{}, nil
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	messages := []conversation.Message{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry transcriptEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if err := entry.Message.Validate(); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Invalid entry, skipping")
			continue
		}
		messages = append(messages, entry.Message)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return messages, nil
}

// Save writes the transcript and memory to temp files, syncs them and
// renames them over the previous versions.
func (s *FileStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return storageErr("save", "", errors.New("nil session"))
	}
	ctx, op := beginOp(ctx, s.logger, fileBackend, "save", sess.ID)
	return op.end(s.save(ctx, op.logger, sess))
}

func (s *FileStore) save(ctx context.Context, logger zerolog.Logger, sess *Session) error {
	if err := ValidateID(sess.ID); err != nil {
		return storageErr("save", sess.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return storageErr("save", sess.ID, err)
	}

	lock := s.writeLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	updatedAt := time.Now().UTC()

	var transcript []byte
	for _, msg := range sess.Transcript {
		line, err := json.Marshal(transcriptEntry{SessionKey: sess.ID, Message: msg})
		if err != nil {
			return storageErr("save", sess.ID, fmt.Errorf("failed to marshal message: %w", err))
		}
		transcript = append(transcript, line...)
		transcript = append(transcript, '\n')
	}

	memory := sess.Memory
	if memory == nil {
		memory = map[string]interface{}{}
	}
	memData, err := json.Marshal(memoryFile{Memory: memory, UpdatedAt: updatedAt})
	if err != nil {
		return storageErr("save", sess.ID, fmt.Errorf("failed to marshal memory: %w", err))
	}

	if err := writeFileAtomic(s.memoryPath(sess.ID), memData); err != nil {
		return storageErr("save", sess.ID, err)
	}
	if err := writeFileAtomic(s.transcriptPath(sess.ID), transcript); err != nil {
		return storageErr("save", sess.ID, err)
	}

	sess.UpdatedAt = updatedAt
	logger.Debug().Int("messages", len(sess.Transcript)).Msg("Session saved")
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Search scans the transcript for messages containing any query term,
// ranked by the number of distinct terms matched, most recent first on ties.
func (s *FileStore) Search(ctx context.Context, id, query string, limit int) ([]SearchHit, error) {
	ctx, op := beginOp(ctx, s.logger, fileBackend, "search", id)
	hits, err := s.search(ctx, op.logger, id, query, limit)
	return hits, op.end(err)
}

func (s *FileStore) search(ctx context.Context, logger zerolog.Logger, id, query string, limit int) ([]SearchHit, error) {
	if err := ValidateID(id); err != nil {
		return nil, storageErr("search", id, err)
	}
	terms := queryTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return []SearchHit{}, nil
	}

	messages, err := s.readTranscript(logger, id)
	if err != nil {
		return nil, storageErr("search", id, err)
	}

	return rankMessages(messages, terms, limit), nil
}

// List returns every stored session, most recently updated first.
func (s *FileStore) List(ctx context.Context) ([]Info, error) {
	ctx, op := beginOp(ctx, s.logger, fileBackend, "list", "")
	infos, err := s.list(ctx, op.logger)
	return infos, op.end(err)
}

func (s *FileStore) list(_ context.Context, logger zerolog.Logger) ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, storageErr("list", "", fmt.Errorf("failed to read sessions directory: %w", err))
	}

	infos := []Info{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, transcriptSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, transcriptSuffix)

		messages, err := s.readTranscript(logger, id)
		if err != nil {
			return nil, storageErr("list", id, err)
		}

		info := Info{ID: id, Messages: len(messages)}
		if data, err := os.ReadFile(s.memoryPath(id)); err == nil {
			var mf memoryFile
			if json.Unmarshal(data, &mf) == nil {
				info.UpdatedAt = mf.UpdatedAt
			}
		}
		if info.UpdatedAt.IsZero() {
			if fi, err := entry.Info(); err == nil {
				info.UpdatedAt = fi.ModTime().UTC()
			}
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}

// Delete removes both files of a session. Deleting an unknown session is not an error.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	_, op := beginOp(ctx, s.logger, fileBackend, "delete", id)
	return op.end(s.delete(id))
}

func (s *FileStore) delete(id string) error {
	if err := ValidateID(id); err != nil {
		return storageErr("delete", id, err)
	}

	lock := s.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	for _, path := range []string{s.transcriptPath(id), s.memoryPath(id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return storageErr("delete", id, fmt.Errorf("failed to delete %s: %w", filepath.Base(path), err))
		}
	}

	s.locksMu.Lock()
	delete(s.writeLocks, id)
	s.locksMu.Unlock()

	s.logger.Info().Str("session_key", id).Msg("Session deleted")
	return nil
}

// Close releases per-session locks.
func (s *FileStore) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()

	s.logger.Debug().Str("dir", s.dir).Msg("File session store closed")
	return nil
}
