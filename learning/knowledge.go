package learning

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QAInteraction is a persisted record of one question, its generated
// answer, and the documents that supported it — used for few-shot
// retrieval during generation (spec.md §3, §4.7 step 6).
type QAInteraction struct {
	ID             string    `json:"id"`
	Question       string    `json:"question"`
	Answer         string    `json:"answer"`
	CitedFiles     []string  `json:"cited_files"`
	BestSimilarity float64   `json:"best_similarity"`
	Feedback       *int      `json:"feedback,omitempty"` // -1, 0, +1
	CreatedAt      time.Time `json:"created_at"`
	DocumentIDs    []int64   `json:"document_ids"`
}

// stopwords are dropped during keyword extraction; mirrors the fixed
// English stopword set in knowledge_store.rs.
var stopwords = map[string]struct{}{
	"what": {}, "is": {}, "the": {}, "a": {}, "an": {}, "and": {}, "or": {},
	"for": {}, "in": {}, "on": {}, "to": {}, "of": {}, "are": {}, "how": {},
	"does": {}, "do": {}, "can": {}, "will": {}, "be": {}, "this": {},
	"that": {}, "with": {}, "from": {}, "by": {}, "at": {}, "as": {},
	"it": {}, "its": {}, "which": {},
}

// KnowledgeStore is an append-only store of QAInteraction records,
// persisted as a single JSON file and indexed in memory by keyword for
// few-shot lookup. Every mutation triggers a full-snapshot rewrite —
// acceptable at the scale spec.md §9 describes; the knowledge store
// should switch to an append log if interactions grow unbounded.
type KnowledgeStore struct {
	mu           sync.RWMutex
	path         string
	interactions map[string]QAInteraction
	keywordIndex map[string][]string // keyword -> interaction IDs
}

// NewKnowledgeStore creates a knowledge store backed by path, loading any
// existing interactions from disk. A load failure is logged and treated
// as an empty store — this mirrors the Rust original's "warn and
// continue" behavior on a corrupt or missing file.
func NewKnowledgeStore(path string) *KnowledgeStore {
	ks := &KnowledgeStore{
		path:         path,
		interactions: make(map[string]QAInteraction),
		keywordIndex: make(map[string][]string),
	}
	if err := ks.load(); err != nil {
		slog.Warn("knowledge store: could not load", "path", path, "error", err)
	}
	return ks
}

// StoreInteraction persists a new Q&A interaction, assigning it an ID if
// one was not already set, indexing it by keyword, and saving the full
// store to disk.
func (ks *KnowledgeStore) StoreInteraction(interaction QAInteraction) string {
	if interaction.ID == "" {
		interaction.ID = uuid.NewString()
	}
	if interaction.CreatedAt.IsZero() {
		interaction.CreatedAt = time.Now()
	}

	keywords := extractKeywords(interaction.Question)

	ks.mu.Lock()
	ks.interactions[interaction.ID] = interaction
	for _, kw := range keywords {
		ks.keywordIndex[kw] = append(ks.keywordIndex[kw], interaction.ID)
	}
	ks.mu.Unlock()

	if err := ks.save(); err != nil {
		slog.Error("knowledge store: failed to save", "error", err)
	}
	return interaction.ID
}

// FindSimilar returns up to limit past interactions whose question
// shares keywords with question, scored by shared-keyword count
// descending, excluding interactions with negative feedback.
func (ks *KnowledgeStore) FindSimilar(question string, limit int) []QAInteraction {
	keywords := extractKeywords(question)
	if len(keywords) == 0 || limit <= 0 {
		return nil
	}

	ks.mu.RLock()
	defer ks.mu.RUnlock()

	scores := make(map[string]int)
	for _, kw := range keywords {
		for _, id := range ks.keywordIndex[kw] {
			scores[id]++
		}
	}

	type scored struct {
		id    string
		score int
	}
	ranked := make([]scored, 0, len(scores))
	for id, score := range scores {
		ranked = append(ranked, scored{id, score})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]QAInteraction, 0, limit)
	for _, r := range ranked {
		interaction, ok := ks.interactions[r.id]
		if !ok {
			continue
		}
		if interaction.Feedback != nil && *interaction.Feedback < 0 {
			continue
		}
		out = append(out, interaction)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// UpdateFeedback sets feedback (clamped to [-1, 1]) on the named
// interaction and persists the change. Returns false if the interaction
// does not exist.
func (ks *KnowledgeStore) UpdateFeedback(id string, score int) bool {
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}

	ks.mu.Lock()
	interaction, ok := ks.interactions[id]
	if ok {
		interaction.Feedback = &score
		ks.interactions[id] = interaction
	}
	ks.mu.Unlock()

	if !ok {
		return false
	}
	if err := ks.save(); err != nil {
		slog.Error("knowledge store: failed to save after feedback update", "error", err)
	}
	return true
}

// Stats reports aggregate counts over the stored interactions.
type KnowledgeStats struct {
	TotalInteractions int `json:"total_interactions"`
	PositiveFeedback  int `json:"positive_feedback"`
	NegativeFeedback  int `json:"negative_feedback"`
	UniqueKeywords    int `json:"unique_keywords"`
}

func (ks *KnowledgeStore) Stats() KnowledgeStats {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	var stats KnowledgeStats
	stats.TotalInteractions = len(ks.interactions)
	stats.UniqueKeywords = len(ks.keywordIndex)
	for _, i := range ks.interactions {
		if i.Feedback == nil {
			continue
		}
		switch *i.Feedback {
		case 1:
			stats.PositiveFeedback++
		case -1:
			stats.NegativeFeedback++
		}
	}
	return stats
}

// extractKeywords tokenizes text into lowercase alphanumeric segments of
// length > 2, dropping the fixed stopword set.
func extractKeywords(text string) []string {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})

	out := make([]string, 0, len(fields))
	for _, w := range fields {
		if len(w) <= 2 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (ks *KnowledgeStore) save() error {
	ks.mu.RLock()
	data, err := json.MarshalIndent(ks.interactions, "", "  ")
	ks.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling knowledge store: %w", err)
	}

	if dir := filepath.Dir(ks.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating knowledge store directory: %w", err)
		}
	}
	if err := os.WriteFile(ks.path, data, 0o644); err != nil {
		return fmt.Errorf("writing knowledge store: %w", err)
	}
	return nil
}

func (ks *KnowledgeStore) load() error {
	data, err := os.ReadFile(ks.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var loaded map[string]QAInteraction
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing knowledge store: %w", err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.interactions = loaded
	ks.keywordIndex = make(map[string][]string)
	for id, interaction := range loaded {
		for _, kw := range extractKeywords(interaction.Question) {
			ks.keywordIndex[kw] = append(ks.keywordIndex[kw], id)
		}
	}
	slog.Info("knowledge store: loaded interactions", "count", len(loaded))
	return nil
}
