package moderation

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ButyrinIA/remy/internal/models"
	"github.com/fsnotify/fsnotify"
	"github.com/importcjj/sensitive"
	"go.uber.org/zap"
)

// Screener flags content containing listed words so it is held for review.
// Matching is case-insensitive. The list can be swapped while in use.
type Screener struct {
	mu     sync.RWMutex
	filter *sensitive.Filter
	words  map[string]struct{}
}

// NewScreener returns a screener for words.
func NewScreener(words ...string) *Screener {
	s := &Screener{}
	s.filter, s.words = build(words)
	return s
}

// LoadScreener reads one word per line. Blank lines and lines starting with
// # are skipped; lines prefixed with "b64:" are base64 encoded.
func LoadScreener(path string, log *zap.Logger) (*Screener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	words, err := readWords(path, log)
	if err != nil {
		return nil, err
	}
	s := NewScreener(words...)
	log.Info("word list loaded", zap.Int("words", s.Len()))
	return s, nil
}

func readWords(path string, log *zap.Logger) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open word list: %w", err)
	}
	defer f.Close()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if enc, ok := strings.CutPrefix(line, "b64:"); ok {
			decoded, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				log.Warn("undecodable word list entry skipped", zap.String("line", line), zap.Error(err))
				continue
			}
			line = string(decoded)
		}
		words = append(words, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read word list: %w", err)
	}
	return words, nil
}

func build(words []string) (*sensitive.Filter, map[string]struct{}) {
	filter := sensitive.New()
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, ok := set[w]; !ok {
			set[w] = struct{}{}
			filter.AddWord(w)
		}
	}
	return filter, set
}

// Replace swaps the whole word list.
func (s *Screener) Replace(words []string) {
	filter, set := build(words)
	s.mu.Lock()
	s.filter, s.words = filter, set
	s.mu.Unlock()
}

// Watch reloads the word list from path whenever the file is written or
// replaced, until ctx ends. A list that fails to load keeps the old one.
func (s *Screener) Watch(ctx context.Context, path string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch word list: %w", err)
	}
	defer watcher.Close()

	// editors replace files, so watch the directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch word list: %w", err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			words, err := readWords(path, log)
			if err != nil {
				log.Warn("word list reload failed", zap.Error(err))
				continue
			}
			s.Replace(words)
			log.Info("word list reloaded", zap.Int("words", s.Len()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("word list watcher", zap.Error(err))
		}
	}
}

// Len returns the number of listed words. A nil screener has none.
func (s *Screener) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.words)
}

// Matches returns the listed words found in text, sorted.
func (s *Screener) Matches(text string) []string {
	if s.Len() == 0 {
		return nil
	}
	s.mu.RLock()
	hits := s.filter.FindAll(strings.ToLower(text))
	s.mu.RUnlock()

	seen := make(map[string]struct{}, len(hits))
	var found []string
	for _, w := range hits {
		if _, ok := seen[w]; !ok {
			seen[w] = struct{}{}
			found = append(found, w)
		}
	}
	sort.Strings(found)
	return found
}

// Status is the moderation status new content starts with: pending when it
// matches a listed word, otherwise fallback.
func (s *Screener) Status(text string, fallback models.ModerationStatus) models.ModerationStatus {
	if len(s.Matches(text)) > 0 {
		return models.StatusPending
	}
	return fallback
}
